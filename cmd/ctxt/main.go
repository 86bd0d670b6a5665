// ctxt - collaborative text editor client
//
// ctxt connects to a ctxtd server, joins a document and edits it from an
// interactive prompt. Edits from other writers are printed as they arrive.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"ctxt/internal/client"
	"ctxt/internal/discovery"
	"ctxt/internal/logging"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

const usage = `ctxt - collaborative text editor client.

Usage:
    ctxt [--address=<host>] [--port=<port>] [--name=<nick>] [--discover]
        [--ws=<url>] [--verbose] [<document>]
    ctxt -h | --help
    ctxt --version

Options:
    -h --help              Show this screen.
    --version              Show version.
    -a --address=<host>    Server host [default: localhost].
    -p --port=<port>       Server port [default: 7777].
    -n --name=<nick>       Nickname shown to other writers [default: Anon].
    -d --discover          Connect to the first server found over mDNS.
    -w --ws=<url>          Connect through a WebSocket endpoint instead.
    -v --verbose           Log connection activity to stderr.`

const discoverTimeout = 3 * time.Second

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ctxt: %v\n", err)
		os.Exit(2)
	}

	addr, err := serverAddr(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ctxt: %v\n", err)
		os.Exit(2)
	}
	nickname, _ := opts.String("--name")
	doc, _ := opts.String("<document>")

	log := logging.Discard()
	if verbose, _ := opts.Bool("--verbose"); verbose {
		cfg := logging.DefaultConfig()
		cfg.Component = "ctxt"
		cfg.Level = logging.LevelDebug
		if log, err = logging.New(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "ctxt: %v\n", err)
			os.Exit(2)
		}
		defer log.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Config{
		Addr:      addr,
		Nickname:  nickname,
		Reconnect: true,
		Logger:    log,
	})
	if err := c.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ctxt: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	if err := runREPL(ctx, c, doc); err != nil {
		fmt.Fprintf(os.Stderr, "ctxt: %v\n", err)
		os.Exit(1)
	}
}

// serverAddr resolves where to connect from the flags.
func serverAddr(opts docopt.Opts) (string, error) {
	if url, _ := opts.String("--ws"); url != "" {
		return url, nil
	}
	if discover, _ := opts.Bool("--discover"); discover {
		ctx, cancel := context.WithTimeout(context.Background(), discoverTimeout)
		defer cancel()
		peer, err := discovery.First(ctx)
		if err != nil {
			return "", fmt.Errorf("discover server: %w", err)
		}
		return peer.Address(), nil
	}

	host, _ := opts.String("--address")
	port, err := opts.Int("--port")
	if err != nil || port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid port: %v", opts["--port"])
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}
