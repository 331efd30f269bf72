package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/termgate/pkg/audit"
	"github.com/odvcencio/termgate/pkg/config"
	"github.com/odvcencio/termgate/pkg/controller"
	"github.com/odvcencio/termgate/pkg/ipc"
	"github.com/odvcencio/termgate/pkg/override"
	"github.com/odvcencio/termgate/pkg/policy"
	"github.com/odvcencio/termgate/pkg/shell"
	"github.com/odvcencio/termgate/pkg/watch"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const envAuthToken = "TERMGATE_AUTH_TOKEN"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "termgate: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("termgate", flag.ContinueOnError)
	configPath := fs.String("config", "termgate.yaml", "path to the configuration file")
	bind := fs.String("bind", "", "address to bind the HTTP server (overrides config)")
	authTokenFlag := fs.String("auth-token", "", "token clients must supply (default: "+envAuthToken+")")
	requireToken := fs.Bool("require-token", false, "reject clients that do not supply an auth token")
	noWatch := fs.Bool("no-watch", false, "disable automatic policy reload on config file changes")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *showVersion {
		fmt.Printf("termgate %s (commit %s, built %s)\n", version, commit, buildDate)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	token := strings.TrimSpace(*authTokenFlag)
	if token == "" {
		token = strings.TrimSpace(os.Getenv(envAuthToken))
	}
	if token == "" {
		token = strings.TrimSpace(cfg.Server.AuthToken)
	}
	bindAddr := cfg.Server.Bind
	if strings.TrimSpace(*bind) != "" {
		bindAddr = strings.TrimSpace(*bind)
	}

	logger := log.New(os.Stderr, "[termgate] ", log.LstdFlags)

	var auditor controller.Auditor
	if cfg.AuditEnabled() {
		auditLogger, err := audit.NewLogger(cfg.Audit.Dir)
		if err != nil {
			return fmt.Errorf("opening audit logs: %w", err)
		}
		defer auditLogger.Close()
		auditor = auditLogger
	}

	engine, err := policy.NewEngine(cfg.Policy)
	if err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}

	ledger := override.NewLedger(override.Limits{
		MinReasonLength: cfg.Policy.Limits.MinReasonLength,
		Ceiling:         cfg.Policy.Limits.OverrideCeiling,
		Window:          cfg.Policy.Limits.OverrideWindow(),
		Spacing:         cfg.Policy.Limits.OverrideSpacing(),
		Retention:       cfg.Policy.Limits.HistoryRetention,
	})

	session, err := shell.NewSession(shell.Config{
		Path:        cfg.Shell.Path,
		Rows:        cfg.Shell.Rows,
		Cols:        cfg.Shell.Cols,
		Dir:         cfg.Shell.Dir,
		IdleTimeout: cfg.Policy.Limits.IdleTimeout(),
		MaxTimeout:  cfg.Policy.Limits.MaxTimeout(),
	})
	if err != nil {
		return fmt.Errorf("starting shell session: %w", err)
	}
	defer session.Close()

	writer := &policyFileWriter{cfg: cfg}
	ctrl := controller.New(controller.Deps{
		Engine:  engine,
		Ledger:  ledger,
		Session: session,
		Auditor: auditor,
		Writer:  writer,
	})

	server := ipc.NewServer(ipc.Config{
		BindAddress:   bindAddr,
		AuthToken:     token,
		RequireToken:  *requireToken,
		PublicMetrics: cfg.Server.PublicMetrics,
		Version:       version,
	}, ctrl)
	server.SetLogger(logger)

	reload := func() {
		fresh, err := config.Load(*configPath)
		if err != nil {
			logger.Printf("policy reload failed: %v", err)
			return
		}
		if err := ctrl.ReloadPolicy(fresh.Policy); err != nil {
			logger.Printf("policy reload rejected: %v", err)
			return
		}
		writer.replace(fresh)
		logger.Printf("policy reloaded from %s", *configPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(ctx)
	})
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				logger.Printf("SIGHUP received")
				reload()
			}
		}
	})
	if !*noWatch {
		watcher, err := watch.New(*configPath, reload)
		if err != nil {
			return err
		}
		watcher.SetLogger(logger)
		g.Go(func() error {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	return g.Wait()
}
