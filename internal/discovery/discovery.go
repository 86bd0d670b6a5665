// Package discovery advertises editor servers on the local network over
// mDNS and finds them again from clients.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	// Service is the DNS-SD service type of editor servers.
	Service = "_ctxt._tcp"
	// Domain is the mDNS domain browsed and registered in.
	Domain = "local."
)

// ErrNotFound is returned by First when no server answered in time.
var ErrNotFound = errors.New("discovery: no server found")

// DefaultInstance returns an instance name derived from the host name.
func DefaultInstance() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return "ctxt-" + strings.TrimSuffix(host, ".local")
}

// Advertisement is a live mDNS registration.
type Advertisement struct {
	server   *zeroconf.Server
	instance string
	port     int
}

// Advertise registers instance on port until Stop is called. txt entries
// are published as TXT records in key=value form.
func Advertise(instance string, port int, txt map[string]string) (*Advertisement, error) {
	if instance == "" {
		instance = DefaultInstance()
	}
	srv, err := zeroconf.Register(instance, Service, Domain, port, textRecords(txt), nil)
	if err != nil {
		return nil, fmt.Errorf("register %s on port %d: %w", instance, port, err)
	}
	return &Advertisement{server: srv, instance: instance, port: port}, nil
}

// Instance returns the registered instance name.
func (a *Advertisement) Instance() string { return a.instance }

// Stop withdraws the registration.
func (a *Advertisement) Stop() {
	a.server.Shutdown()
}

func textRecords(txt map[string]string) []string {
	out := make([]string, 0, len(txt))
	for k, v := range txt {
		out = append(out, k+"="+v)
	}
	return out
}

// Peer is a discovered server.
type Peer struct {
	Instance string
	Host     string
	Port     int
	IPs      []net.IP
	Text     map[string]string
}

// Address returns host:port for dialing, preferring IPv4.
func (p Peer) Address() string {
	host := strings.TrimSuffix(p.Host, ".")
	if len(p.IPs) > 0 {
		host = p.IPs[0].String()
		for _, ip := range p.IPs {
			if ip.To4() != nil {
				host = ip.String()
				break
			}
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(p.Port))
}

func peerFromEntry(e *zeroconf.ServiceEntry) Peer {
	p := Peer{
		Instance: e.Instance,
		Host:     e.HostName,
		Port:     e.Port,
		Text:     make(map[string]string, len(e.Text)),
	}
	p.IPs = append(p.IPs, e.AddrIPv4...)
	p.IPs = append(p.IPs, e.AddrIPv6...)
	for _, kv := range e.Text {
		k, v, _ := strings.Cut(kv, "=")
		p.Text[k] = v
	}
	return p
}

// Browse collects servers until ctx ends. Each instance is reported once.
func Browse(ctx context.Context) ([]Peer, error) {
	var peers []Peer
	err := browse(ctx, func(p Peer) bool {
		peers = append(peers, p)
		return true
	})
	return peers, err
}

// First returns the first server to answer before ctx ends.
func First(ctx context.Context) (Peer, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		found Peer
		ok    bool
	)
	err := browse(ctx, func(p Peer) bool {
		found, ok = p, true
		cancel()
		return false
	})
	if err != nil {
		return Peer{}, err
	}
	if !ok {
		return Peer{}, ErrNotFound
	}
	return found, nil
}

// browse feeds peers to fn until ctx ends or fn returns false.
func browse(ctx context.Context, fn func(Peer) bool) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("create resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return fmt.Errorf("browse %s: %w", Service, err)
	}

	seen := make(map[string]bool)
	want := true
	// The resolver closes entries once ctx ends, so drain until then.
	for e := range entries {
		if !want || seen[e.Instance] {
			continue
		}
		seen[e.Instance] = true
		want = fn(peerFromEntry(e))
	}
	return nil
}
