// ctxtd - collaborative text editing server
//
// ctxtd keeps every open document in memory, applies edits from connected
// editors in arrival order and forwards each applied edit to the other
// editors of the same document.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"ctxt/internal/admin"
	"ctxt/internal/config"
	"ctxt/internal/discovery"
	"ctxt/internal/document"
	"ctxt/internal/feed"
	"ctxt/internal/health"
	"ctxt/internal/journal"
	"ctxt/internal/logging"
	"ctxt/internal/metrics"
	"ctxt/internal/server"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

const usage = `ctxtd - collaborative text editing server.

Usage:
    ctxtd [--port=<port>] [--config=<path>] [--storage=<dir>] [--admin=<addr>]
        [--advertise] [--log-level=<level>]
    ctxtd -h | --help
    ctxtd --version

Options:
    -h --help              Show this screen.
    --version              Show version.
    -p --port=<port>       Listen port (default 7777).
    -c --config=<path>     Config file, TOML, YAML or JSON by extension.
    -s --storage=<dir>     Directory holding one file per document (default storage).
    --admin=<addr>         Serve metrics, health and documents over HTTP on addr.
    --advertise            Advertise the server over mDNS.
    --log-level=<level>    debug, info, warn or error.`

const shutdownTimeout = 10 * time.Second

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ctxtd: %v\n", err)
		os.Exit(2)
	}

	path, _ := opts.String("--config")
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ctxtd: %v\n", err)
		os.Exit(2)
	}
	if err := applyFlags(cfg, opts); err != nil {
		fmt.Fprintf(os.Stderr, "ctxtd: %v\n", err)
		os.Exit(2)
	}

	var loader *config.Loader
	if path != "" {
		loader = config.NewLoader(path)
	}
	if err := run(cfg, loader, opts["--log-level"] != nil); err != nil {
		fmt.Fprintf(os.Stderr, "ctxtd: %v\n", err)
		os.Exit(1)
	}
}

// applyFlags lets command-line flags override the config file.
func applyFlags(cfg *config.Config, opts docopt.Opts) error {
	if opts["--port"] != nil {
		port, err := opts.Int("--port")
		if err != nil {
			return fmt.Errorf("invalid port: %w", err)
		}
		cfg.Server.Port = port
	}
	if dir, _ := opts.String("--storage"); dir != "" {
		cfg.Storage.Backend = "file"
		cfg.Storage.Dir = dir
	}
	if addr, _ := opts.String("--admin"); addr != "" {
		cfg.Admin.Enabled = true
		cfg.Admin.Addr = addr
	}
	if advertise, _ := opts.Bool("--advertise"); advertise {
		cfg.Discovery.Enabled = true
	}
	if level, _ := opts.String("--log-level"); level != "" {
		cfg.Logging.Level = level
	}
	return cfg.Validate()
}

func serverConfig(cfg *config.Config) server.Config {
	sc := server.DefaultConfig()
	sc.Addr = cfg.Server.Addr()
	sc.PollInterval = cfg.Server.PollInterval()
	sc.PayloadTimeout = cfg.Server.PayloadTimeout()
	sc.MaxPayload = uint32(cfg.Server.MaxPayloadBytes)
	sc.OutboxLimit = cfg.Server.OutboxLimit
	return sc
}

func run(cfg *config.Config, loader *config.Loader, levelFromFlag bool) error {
	logCfg, err := cfg.Logging.Logger()
	if err != nil {
		return err
	}
	log, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer log.Close()
	logging.SetDefault(log)

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewEditor(nil)
	hc := health.NewChecker()

	store, err := document.OpenStore(cfg.Storage.Backend, cfg.Storage.Dir, cfg.Storage.BoltPath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	if cfg.Storage.Backend != "bolt" {
		hc.Register("storage", true, health.WritableDirCheck(cfg.Storage.Dir))
	}

	saver := document.NewSaver(store, log)
	saver.OnError = func(string, error) { m.PersistFailures.Inc() }
	defer saver.Close()

	j, err := journal.Open(ctx, cfg.Journal.Driver, cfg.Journal.DSN)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer j.Close()
	hc.Register("journal", false, health.PingCheck(j.Ping))

	recorder := journal.NewRecorder(j, log, 0)
	recorder.OnError = func(journal.Record, error) { m.PersistFailures.Inc() }
	defer recorder.Close()

	var pub feed.Publisher = feed.Nop{}
	if cfg.Feed.RedisAddr != "" {
		r, err := feed.DialRedis(ctx, cfg.Feed.RedisAddr, cfg.Feed.RedisDB, cfg.Feed.ChannelPrefix)
		if err != nil {
			return err
		}
		pub = r
	}
	async := feed.NewAsync(pub, log)
	async.OnError = func(feed.Event, error) { m.PersistFailures.Inc() }
	defer async.Close()
	hc.Register("feed", false, health.PingCheck(async.Ping))

	srv := server.New(serverConfig(cfg), server.Deps{
		Store:   store,
		Saver:   saver,
		Journal: recorder,
		Feed:    async,
		Metrics: m,
		Logger:  log,
	})
	if err := srv.Start(); err != nil {
		return err
	}

	var adm *admin.Admin
	if cfg.Admin.Enabled {
		adm = admin.New(admin.Config{Addr: cfg.Admin.Addr, WebSocket: cfg.Admin.WebSocket}, srv, j, hc, log)
		if err := adm.Start(); err != nil {
			stopServer(srv, log)
			return err
		}
	}

	var adv *discovery.Advertisement
	if cfg.Discovery.Enabled {
		instance := cfg.Discovery.Instance
		if instance == "" {
			instance = discovery.DefaultInstance()
		}
		port := cfg.Server.Port
		if addr, ok := srv.Addr().(*net.TCPAddr); ok {
			port = addr.Port
		}
		adv, err = discovery.Advertise(instance, port, map[string]string{
			"id":      srv.Instance(),
			"version": Version,
		})
		if err != nil {
			log.Warn("mdns advertisement failed", "error", err)
		}
	}

	if loader != nil {
		watchConfig(loader, log, levelFromFlag)
		defer loader.Close()
	}

	hc.SetReady(true)
	log.Info("ready", "addr", srv.Addr().String(), "version", Version)

	<-ctx.Done()
	log.Info("signal received, shutting down")
	hc.SetReady(false)

	if adv != nil {
		adv.Stop()
	}
	if adm != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := adm.Stop(sctx); err != nil {
			log.Warn("admin shutdown", "error", err)
		}
		cancel()
	}
	stopServer(srv, log)
	return nil
}

func stopServer(srv *server.Server, log *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		log.Warn("sessions did not finish in time", "error", err)
	}
}

// watchConfig applies log level changes from the config file while running.
// Other settings take effect on restart.
func watchConfig(loader *config.Loader, log *logging.Logger, levelFromFlag bool) {
	if _, err := loader.Load(); err != nil {
		log.Warn("config watch disabled", "error", err)
		return
	}
	loader.OnChange(func(old, new *config.Config) {
		if levelFromFlag || old.Logging.Level == new.Logging.Level {
			log.Info("config reloaded; changes apply on restart", "path", loader.Path())
			return
		}
		level, err := logging.ParseLevel(new.Logging.Level)
		if err != nil {
			return
		}
		log.SetLevel(level)
		log.Info("log level changed", "level", logging.LevelString(level))
	})
	if err := loader.Watch(); err != nil {
		log.Warn("config watch disabled", "error", err)
		return
	}
	go func() {
		for err := range loader.Errors() {
			log.Warn("config reload rejected", "error", err)
		}
	}()
}
