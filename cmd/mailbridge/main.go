package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/profile"

	"github.io/infrasutra/mailbridge/internal/api"
	"github.io/infrasutra/mailbridge/internal/auth"
	"github.io/infrasutra/mailbridge/internal/cache"
	"github.io/infrasutra/mailbridge/internal/config"
	"github.io/infrasutra/mailbridge/internal/hub"
	"github.io/infrasutra/mailbridge/internal/metrics"
	"github.io/infrasutra/mailbridge/internal/remote"
	"github.io/infrasutra/mailbridge/internal/scheduler"
	"github.io/infrasutra/mailbridge/internal/service"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	profileMode := flag.String("profile", "", "enable profiling: cpu or mem")
	profilePath := flag.String("profile-path", ".", "directory for profile output")
	flag.Parse()

	var stopProfile func()
	switch *profileMode {
	case "":
	case "cpu":
		stopProfile = profile.Start(profile.CPUProfile, profile.ProfilePath(*profilePath), profile.NoShutdownHook).Stop
	case "mem":
		stopProfile = profile.Start(profile.MemProfile, profile.MemProfileAllocs, profile.ProfilePath(*profilePath), profile.NoShutdownHook).Stop
	default:
		fmt.Fprintf(os.Stderr, "unknown profile mode %q\n", *profileMode)
		os.Exit(2)
	}

	err := run(*configPath)
	if stopProfile != nil {
		stopProfile()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	_ = level.UnmarshalText([]byte(cfg.LogLevel))
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(configPath string) error {
	_ = godotenv.Load()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)

	sealer, err := auth.New(cfg.SealSecret, cfg.TokenTTL)
	if err != nil {
		return fmt.Errorf("init token sealer: %w", err)
	}
	if cfg.SealSecret == "" {
		logger.Warn("SEAL_SECRET not set; tokens are invalidated on restart")
	}

	m := metrics.New()
	c := cache.New(logger)
	h := hub.New(logger, m.Hub)

	dialer := remote.NewIMAPDialer(logger)
	dialer.DialTimeout = cfg.DialTimeout
	dialer.InsecureSkipVerify = cfg.InsecureSkipVerify
	sender := remote.NewSMTPSender(logger)
	sender.DialTimeout = cfg.DialTimeout
	sender.InsecureSkipVerify = cfg.InsecureSkipVerify
	if cfg.InsecureSkipVerify {
		logger.Warn("TLS certificate verification disabled")
	}

	sched := scheduler.New(scheduler.Config{
		PollInterval:      cfg.PollInterval,
		CycleTimeout:      cfg.CycleTimeout,
		IdleWindow:        cfg.IdleWindow,
		SweepInterval:     cfg.SweepInterval,
		MaxActive:         cfg.MaxActiveMailboxes,
		AuthThreshold:     cfg.AuthFailureThreshold,
		FolderConcurrency: cfg.FolderConcurrency,
	}, dialer, c, h, logger, m.Scheduler)
	h.SetObserver(sched)

	svc := service.New(sealer, dialer, sender, c, sched, h, logger)
	apiServer := api.NewServer(svc, logger, m.API, api.Options{
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		RateLimitBurst:     cfg.RateLimitBurst,
	})
	var stopping atomic.Bool
	apiServer.SetReadiness(func() bool { return !stopping.Load() })

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", "error", err)
		}
	}()

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           apiServer,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		stop()
		<-schedDone
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("shutting down")
	stopping.Store(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown http", "error", err)
	}
	<-schedDone
	return nil
}
