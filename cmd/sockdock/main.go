package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-sockdock/internal/bridge"
	"github.com/basket/go-sockdock/internal/bus"
	"github.com/basket/go-sockdock/internal/config"
	otelPkg "github.com/basket/go-sockdock/internal/otel"
	"github.com/basket/go-sockdock/internal/persistence"
	"github.com/basket/go-sockdock/internal/socket"
	"github.com/basket/go-sockdock/internal/telemetry"
	"github.com/basket/go-sockdock/internal/tui"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the bridge and the event viewer TUI
  %s -daemon                  Start headless (no TUI, logs to stdout)

SUBCOMMANDS:
  %s list                     List saved connection profiles
  %s add -name N -url U       Save a connection profile
                              Options: -namespace, -token, -options
  %s rm <id>                  Delete a connection profile

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  SOCKDOCK_HOME           Data directory (default: ~/.sockdock)
  SOCKDOCK_NO_TUI         Set to 1 to disable the TUI
`)
}

func main() {
	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("SOCKDOCK_NO_TUI") == ""
	daemon := flag.Bool("daemon", false, "run headless (no TUI, logs to stdout)")
	homeFlag := flag.String("home", "", "data directory (default: ~/.sockdock)")
	flag.Usage = printUsage
	flag.Parse()

	if *daemon {
		interactive = false
	}

	homeDir := *homeFlag
	if homeDir == "" {
		homeDir = os.Getenv("SOCKDOCK_HOME")
	}
	if homeDir == "" {
		homeDir = config.DefaultHomeDir()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(homeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	// Quiet logs (file-only) in interactive mode so the TUI stays clean.
	logger, logCloser, err := telemetry.NewLogger(homeDir, cfg.LogLevel, cfg.Quiet || interactive)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	logger.Info("starting sockdock", "version", Version, "home", homeDir)

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		logger.Error("open store failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if args := flag.Args(); len(args) > 0 {
		os.Exit(runSubcommand(ctx, store, args))
	}

	provider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		logger.Error("otel init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	b := bus.New()

	manager := socket.NewManager(store, b, socket.NewWSDialer(), logger, provider.Tracer, socket.ManagerConfig{
		BufferCapacity: cfg.Socket.BufferCapacity,
		AutoSendDelay:  cfg.AutoSendDelay(),
		DialTimeout:    cfg.DialTimeout(),
	})
	defer manager.Shutdown(context.Background())

	var bridgeSrv *bridge.Server
	if cfg.Bridge.Enabled {
		bridgeSrv, err = bridge.New(bridge.Config{
			BindAddr:       cfg.Bridge.BindAddr,
			ConnectTimeout: cfg.ConnectTimeout(),
			Manager:        manager,
			Store:          store,
			Logger:         logger,
			Tracer:         provider.Tracer,
		})
		if err != nil {
			logger.Error("bridge setup failed", "error", err)
			os.Exit(1)
		}
		if err := bridgeSrv.Start(); err != nil {
			logger.Error("bridge start failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = bridgeSrv.Stop(shutdownCtx)
		}()
	}

	watcher := config.NewWatcher(homeDir, b, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	}

	if interactive {
		statusProvider := func() map[int64]string {
			statuses := manager.AllStatuses()
			out := make(map[int64]string, len(statuses))
			for id, st := range statuses {
				out[id] = string(st)
			}
			return out
		}
		if err := tui.Run(ctx, b, statusProvider); err != nil && ctx.Err() == nil {
			logger.Error("tui exited", "error", err)
		}
		return
	}

	<-ctx.Done()
	logger.Info("shutting down")
}

func runSubcommand(ctx context.Context, store *persistence.Store, args []string) int {
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
		return 0
	case "list":
		return runList(ctx, store)
	case "add":
		return runAdd(ctx, store, args[1:])
	case "rm":
		return runRemove(ctx, store, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		return 2
	}
}

func runList(ctx context.Context, store *persistence.Store) int {
	profiles, err := store.ListConnections(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list connections: %v\n", err)
		return 1
	}
	if len(profiles) == 0 {
		fmt.Println("no saved connections")
		return 0
	}
	for _, p := range profiles {
		fmt.Printf("%d\t%s\t%s\t%s\n", p.ID, p.Name, p.URL, p.Namespace)
	}
	return 0
}

func runAdd(ctx context.Context, store *persistence.Store, args []string) int {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	name := fs.String("name", "", "profile name (required)")
	url := fs.String("url", "", "server URL (required)")
	namespace := fs.String("namespace", "/", "namespace path")
	token := fs.String("token", "", "auth token")
	options := fs.String("options", "", "options JSON document")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *name == "" || *url == "" {
		fmt.Fprintln(os.Stderr, "add: -name and -url are required")
		return 2
	}
	id, err := store.CreateConnection(ctx, persistence.CreateConnectionInput{
		Name:      *name,
		URL:       *url,
		Namespace: *namespace,
		AuthToken: *token,
		Options:   *options,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "add connection: %v\n", err)
		return 1
	}
	fmt.Printf("saved connection %d\n", id)
	return 0
}

func runRemove(ctx context.Context, store *persistence.Store, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "rm: expected one connection id")
		return 2
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rm: invalid id %q\n", args[0])
		return 2
	}
	if err := store.DeleteConnection(ctx, id); err != nil {
		fmt.Fprintf(os.Stderr, "rm connection: %v\n", err)
		return 1
	}
	fmt.Printf("deleted connection %d\n", id)
	return 0
}
