//go:build windows

package server

import "syscall"

// SO_REUSEADDR on Windows lets a second process steal the port, so it is
// left unset.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}
