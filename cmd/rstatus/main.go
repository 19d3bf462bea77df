package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/virelyx258/rstatus-server/internal/api"
	"github.com/virelyx258/rstatus-server/internal/config"
	"github.com/virelyx258/rstatus-server/internal/connection"
	"github.com/virelyx258/rstatus-server/internal/device"
	"github.com/virelyx258/rstatus-server/internal/dispatch"
	"github.com/virelyx258/rstatus-server/internal/logging"
	"github.com/virelyx258/rstatus-server/internal/metrics"
	"github.com/virelyx258/rstatus-server/internal/mqtt"
	"github.com/virelyx258/rstatus-server/internal/session"
)

// Build-time variables (set via ldflags)
var (
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flagSet := pflag.NewFlagSet("rstatus", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a YAML or JSON config file")
	version := flagSet.Bool("version", false, "print build information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if *version {
		fmt.Printf("rstatus build=%s commit=%s\n", BuildDate, GitCommit)
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("rstatus server starting",
		zap.String("build", BuildDate),
		zap.String("commit", GitCommit),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("tcp_port", cfg.TCPPort),
		zap.Bool("tcp_enabled", cfg.TCPEnabled),
		zap.Bool("messaging", cfg.EnableMessaging),
		zap.Duration("keepalive", cfg.KeepAlive),
		zap.Duration("idle_timeout", cfg.IdleTimeout))

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	// Create shared components
	registry := device.NewRegistry()
	registry.Observe(m.ObserveChange)

	sessionLog := logger.Named("session")
	sessions := session.NewManager()
	sessions.SetCallbacks(
		func(s *session.Session) {
			m.ConnectionOpened()
			sessionLog.Debug("started", zap.String("id", s.ID), zap.String("remote", s.RemoteAddr))
		},
		func(s *session.Session) {
			m.ConnectionClosed()
			sessionLog.Debug("ended",
				zap.String("id", s.ID),
				zap.String("remote", s.RemoteAddr),
				zap.Int64("frames_in", atomic.LoadInt64(&s.FramesIn)),
				zap.Int64("bytes_in", atomic.LoadInt64(&s.BytesIn)),
				zap.Int64("bytes_out", atomic.LoadInt64(&s.BytesOut)))
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var publisher *mqtt.Publisher
	if cfg.MQTT.Enabled() {
		publisher, err = mqtt.Connect(cfg.MQTT, registry, m, logger)
		if err != nil {
			return err
		}
		registry.Observe(publisher.OnChange)
	}

	dispatcher := dispatch.New(cfg.EnableMessaging, registry, cfg.WriteTimeout, m, logger)
	apiServer := api.NewServer(api.Deps{
		Config:     cfg,
		Registry:   registry,
		Sessions:   sessions,
		Dispatcher: dispatcher,
		Metrics:    m,
		Gatherer:   promReg,
		Logger:     logger,
	})

	// Bind everything before serving so a taken port fails startup
	httpListener, err := apiServer.Listen()
	if err != nil {
		return fmt.Errorf("listen http :%s: %w", cfg.HTTPPort, err)
	}
	var connServer *connection.Server
	if cfg.TCPEnabled {
		connServer = connection.NewServer(cfg, registry, sessions, m, logger)
		if err := connServer.Listen(); err != nil {
			httpListener.Close()
			return fmt.Errorf("listen tcp :%s: %w", cfg.TCPPort, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	servers := 1
	go func() {
		errCh <- apiServer.Serve(ctx, httpListener)
	}()
	if connServer != nil {
		servers++
		go func() {
			errCh <- connServer.Serve(ctx)
		}()
	}

	// The publisher outlives the servers so removals made while they stop
	// still reach the broker
	pubCtx, stopPublisher := context.WithCancel(context.Background())
	defer stopPublisher()
	publisherDone := make(chan struct{})
	if publisher != nil {
		go func() {
			publisher.Run(pubCtx)
			close(publisherDone)
		}()
	} else {
		close(publisherDone)
	}

	// Wait for shutdown or error
	var runErr error
	select {
	case runErr = <-errCh:
		servers--
		if runErr != nil {
			logger.Error("server error", zap.Error(runErr))
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}
	cancel()

	for ; servers > 0; servers-- {
		if err := <-errCh; err != nil {
			logger.Warn("server stopped with error", zap.Error(err))
		}
	}
	sessions.CloseAll()

	stopPublisher()
	<-publisherDone
	if publisher != nil {
		publisher.Close()
	}

	logger.Info("rstatus server stopped")
	return runErr
}
