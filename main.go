package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dhcgn/household-autoconfirm/action"
	"github.com/dhcgn/household-autoconfirm/browser"
	"github.com/dhcgn/household-autoconfirm/cmd"
	"github.com/dhcgn/household-autoconfirm/config"
	"github.com/dhcgn/household-autoconfirm/imap"
	"github.com/dhcgn/household-autoconfirm/runner"
	"github.com/dhcgn/household-autoconfirm/state"
	"github.com/dhcgn/household-autoconfirm/stats"
	"github.com/dhcgn/household-autoconfirm/watcher"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "household-autoconfirm",
		Short: "Watch an IMAP mailbox and confirm household update requests in a headless browser",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting household-autoconfirm", "host", cfg.IMAPHost, "mailbox", cfg.Mailbox, "sender", cfg.Sender, "headless", cfg.Headless)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(cmd.NewReplayCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	r := runner.New(ctx, logger)
	stats.NewReporter(r, logger)

	if cfg.MetricsAddr != "" {
		if err := serveMetrics(r, cfg.MetricsAddr, logger); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	store, err := newStateStore(cfg)
	if err != nil {
		return fmt.Errorf("state store: %w", err)
	}

	launcher := browser.NewChrome(browser.Options{
		Headless: cfg.Headless,
		ExecPath: cfg.ChromePath,
	}, logger.With("component", "browser"))

	actions := action.New(launcher, store, action.Options{
		StrictPersist: cfg.StrictPersist,
	}, logger.With("component", "action"))

	mailbox, err := imap.New(imap.Options{
		Host:               cfg.IMAPHost,
		Port:               cfg.IMAPPort,
		Username:           cfg.IMAPUser,
		Password:           cfg.IMAPPass,
		UseTLS:             cfg.UseTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Mailbox:            cfg.Mailbox,
	}, logger.With("component", "imap"))
	if err != nil {
		return fmt.Errorf("imap.New: %w", err)
	}

	w := watcher.New(mailbox, actions, r, watcher.Options{
		Sender:              cfg.Sender,
		ActionableSubject:   cfg.ActionableSubject,
		ConfirmationSubject: cfg.ConfirmationSubject,
		LinkPrefix:          cfg.LinkPrefix,
	}, logger.With("component", "watcher"))

	r.AddStage("mailbox", mailbox.Run)
	r.AddStage("watcher", func(ctx context.Context) error {
		return w.Listen(ctx, mailbox.Notifications())
	})
	r.AddStage("actions", w.RunActions)
	r.AddStage("lifecycle", func(ctx context.Context) error {
		return trackLifecycle(ctx, mailbox.Events(), r, logger)
	})

	return r.Start()
}

// trackLifecycle logs connection changes of the mailbox and reports its
// failures on the event stream.
func trackLifecycle(ctx context.Context, events <-chan imap.Event, sink watcher.EventSink, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-events:
			switch evt.Kind {
			case imap.EventReady:
				logger.Info("mailbox ready")
			case imap.EventEnd:
				logger.Info("mailbox connection ended", "err", evt.Err)
			case imap.EventError:
				sink.EmitEvent(stats.Event{
					Stage:  stats.StageMailbox,
					Type:   stats.EventTypeError,
					Err:    evt.Err,
					Detail: "connection",
				})
			}
		}
	}
}

func newStateStore(cfg config.Config) (state.Store, error) {
	if cfg.StateS3.Enabled() {
		return state.NewS3Store(state.S3Options{
			Endpoint:        cfg.StateS3.Endpoint,
			AccessKeyID:     cfg.StateS3.AccessKey,
			SecretAccessKey: cfg.StateS3.SecretKey,
			Bucket:          cfg.StateS3.Bucket,
			Key:             cfg.StateS3.Key,
			UseSSL:          cfg.StateS3.UseSSL,
			Region:          cfg.StateS3.Region,
		})
	}
	return state.NewFileStore(cfg.StatePath)
}

// serveMetrics exposes the event counters on addr for as long as the runner
// is alive.
func serveMetrics(r *runner.Runner, addr string, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	metrics, err := stats.NewMetrics(reg)
	if err != nil {
		return err
	}
	metrics.Subscribe(r)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.AddStage("metrics", func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() {
			logger.Info("serving metrics", "addr", addr)
			errCh <- server.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		}
	})
	return nil
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("household-autoconfirm-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
