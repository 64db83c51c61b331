package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/zulandar/nodeyard/internal/api"
	"github.com/zulandar/nodeyard/internal/broker"
	"github.com/zulandar/nodeyard/internal/config"
	"github.com/zulandar/nodeyard/internal/db"
	"github.com/zulandar/nodeyard/internal/events"
	"github.com/zulandar/nodeyard/internal/lifecycle"
	"github.com/zulandar/nodeyard/internal/metrics"
	"github.com/zulandar/nodeyard/internal/overlay"
	"github.com/zulandar/nodeyard/internal/ports"
	"github.com/zulandar/nodeyard/internal/registry"
	"github.com/zulandar/nodeyard/internal/supervisor"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the node orchestrator and HTTP API",
		Long: "Starts the orchestrator: migrates the registry, reconciles nodes left running by a " +
			"previous process, schedules periodic reconciliation and serves the HTTP API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to nodeyard config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides api.port)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port > 0 {
		cfg.API.Port = port
	}
	if cfg.Broker.Password == "" {
		pw, err := promptPassword(cmd, fmt.Sprintf("Broker password for %s: ", cfg.Broker.Username))
		if err != nil {
			return err
		}
		cfg.Broker.Password = pw
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	gormDB, err := db.Connect(cfg.Registry)
	if err != nil {
		return fmt.Errorf("connect to registry: %w", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	overlays, err := overlay.New(overlay.Opts{
		QemuImg:   cfg.Overlay.QemuImg,
		BaseImage: cfg.Overlay.BaseImage,
		Dir:       cfg.Overlay.Dir,
		Logger:    logger.Named("overlay"),
	})
	if err != nil {
		return err
	}
	if err := overlays.EnsureDir(); err != nil {
		return err
	}

	brokerClient, err := broker.New(broker.Opts{
		URL:        cfg.Broker.URL,
		DataSource: cfg.Broker.DataSource,
		Username:   cfg.Broker.Username,
		Password:   cfg.Broker.Password,
		TargetHost: cfg.Broker.TargetHost,
		Timeout:    cfg.Broker.Timeout,
		TokenTTL:   cfg.Broker.TokenTTL,
		Logger:     logger.Named("broker"),
	})
	if err != nil {
		return err
	}

	hub := events.NewHub()
	sinks := events.Fanout{hub}
	if cfg.Events.NATSURL != "" {
		pub, err := events.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger.Named("events"))
		if err != nil {
			return err
		}
		defer pub.Close()
		sinks = append(sinks, pub)
		fmt.Fprintf(out, "Publishing events to %s (%s.*)\n", cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	orch, err := lifecycle.New(lifecycle.Opts{
		Registry: registry.New(gormDB),
		Supervisor: supervisor.New(supervisor.Opts{
			StartGrace:  cfg.Workload.StartGrace,
			StopTimeout: cfg.Workload.StopTimeout,
			Logger:      logger.Named("supervisor"),
		}),
		Broker:      brokerClient,
		Overlays:    overlays,
		Ports:       ports.New(cfg.Display.ProbeHost, cfg.Display.PortStart, cfg.Display.PortWindow, cfg.Display.ProbeTimeout),
		Workload:    cfg.Workload,
		Concurrency: cfg.Reconcile.Concurrency,
		Events:      sinks,
		Metrics:     metrics.New(promReg),
		Logger:      logger.Named("lifecycle"),
	})
	if err != nil {
		return err
	}

	scheduler, err := lifecycle.NewScheduler(cfg.Reconcile.Schedule, orch, logger.Named("reconcile"))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// Nodes recorded running by a previous process may have died meanwhile.
	if n, err := orch.Reconcile(ctx); err != nil {
		logger.Warn("startup reconcile failed", zap.Error(err))
	} else if n > 0 {
		fmt.Fprintf(out, "Reconciled %d node(s) left running by a previous process\n", n)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scheduler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return api.Start(gctx, api.StartOpts{
			Service:     orch,
			Port:        cfg.API.Port,
			CORSOrigins: cfg.API.CORSOrigins,
			Metrics:     promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
			Events:      hub,
			Logger:      logger.Named("api"),
			Out:         out,
		})
	})
	return g.Wait()
}

// promptPassword reads a password from the terminal without echo.
func promptPassword(cmd *cobra.Command, prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("broker password not set: set broker.password or %s", config.BrokerPasswordEnv)
	}
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}
