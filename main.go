// Package main implements a service that polls a WebUntis timetable and
// posts lesson changes to Discord or another notification sink.
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
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"untis-notifier/config"
	"untis-notifier/notify"
	"untis-notifier/poll"
	"untis-notifier/server"
	"untis-notifier/storage"
	"untis-notifier/untis"
)

const httpTimeout = 30 * time.Second

var version = "dev" // set via ldflags at build time

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "untis-notifier",
		Short: "Watch a WebUntis class timetable and post lesson changes",
		Long: `untis-notifier logs in to WebUntis, fetches the selected class timetable
on a schedule and posts a notification for every lesson whose subjects,
rooms, info text or substitution text changed since it was last seen.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.GetClasses {
				return runClasses(cmd.Context(), cfg, cmd.OutOrStdout())
			}
			return runNotifier(cmd.Context(), cfg, configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "classes",
		Short: "List the classes of the school and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg.GetClasses = true
			return runClasses(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	})
	return root
}

// newLogger builds the process logger. The returned LevelVar allows the level
// to change on config reload.
func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	if l, err := config.ParseLevel(cfg.LogLevel); err == nil {
		level.Set(l)
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), level
	}
	return slog.New(slog.NewJSONHandler(w, opts)), level
}

func newUntisClient(cfg *config.Config, logger *slog.Logger) *untis.Client {
	return untis.New(untis.Config{
		BaseURL:  cfg.BaseURL,
		School:   cfg.School,
		Username: cfg.Username,
		Password: cfg.Password,
	}, &http.Client{Timeout: httpTimeout}, logger)
}

func runNotifier(ctx context.Context, cfg *config.Config, configPath string) error {
	logger, level := newLogger(cfg, os.Stdout)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	store, err := storage.Open(ctx, storage.Config{
		Driver:          cfg.StorageDriver,
		Path:            cfg.DBDir,
		Bucket:          cfg.StorageBucket,
		Prefix:          cfg.StoragePrefix,
		CredentialsJSON: cfg.GoogleCredentialsJSON,
	}, logger)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close snapshot store", "error", err)
		}
	}()
	if n, err := store.Count(ctx); err != nil {
		logger.Warn("Could not count stored lessons", "error", err)
	} else {
		logger.Info("Snapshot store ready", "driver", cfg.StorageDriver, "lessons", n)
	}

	sink, err := newSink(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init notification sink: %w", err)
	}

	monitor := poll.New(newUntisClient(cfg, logger), store, notify.New(sink, logger), poll.Config{
		ClassID:                     cfg.ClassID,
		Schedule:                    cfg.Schedule,
		TickTimeout:                 cfg.TickTimeout,
		LookBehind:                  cfg.LookBehind,
		LookAhead:                   cfg.LookAhead,
		Content:                     cfg.MessageContent,
		Location:                    loc,
		ResetSessionOnDeliveryError: cfg.ResetSessionOnDeliveryError,
	}, logger)

	sd := newSystemdNotifier(logger)
	monitor.SetOnTick(sd.tick)

	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, logger, func(c *config.Config) {
				monitor.SetContent(c.MessageContent)
				if l, err := config.ParseLevel(c.LogLevel); err == nil {
					level.Set(l)
				}
			})
			if err != nil {
				logger.Warn("Config hot reload disabled", "error", err)
			}
		}()
	}

	if cfg.Port != "" {
		srv := server.New(&server.Config{Poller: monitor, Logger: logger})
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.Port); err != nil {
				logger.Error("HTTP server failed", "error", err)
			}
		}()
	}

	sd.ready()
	defer sd.stopping()

	if err := monitor.Run(ctx); err != nil {
		return fmt.Errorf("monitor stopped: %w", err)
	}
	logger.Info("Shutdown complete")
	return nil
}

// newSink builds the notification provider selected by NOTIFY_SINK.
func newSink(ctx context.Context, cfg *config.Config, logger *slog.Logger) (notify.Provider, error) {
	switch cfg.NotifySink {
	case config.SinkDiscord, "":
		return notify.NewDiscordProvider(notify.DiscordConfig{
			WebhookID:    cfg.WebhookID,
			WebhookToken: cfg.WebhookToken,
		}, logger), nil
	case config.SinkTelegram:
		tg, err := notify.NewTelegramProvider(notify.TelegramConfig{
			Token:    cfg.TelegramToken,
			ChatID:   cfg.TelegramChatID,
			ThreadID: cfg.TelegramThreadID,
		}, logger)
		if err != nil {
			return nil, err
		}
		return tg, nil
	case config.SinkGmail:
		svc, err := newGmailService(ctx, cfg.GoogleCredentialsJSON)
		if err != nil {
			return nil, err
		}
		return notify.NewEmailProvider(config.SinkGmail, notify.NewGmailMailer(svc, logger), cfg.EmailTo, logger), nil
	case config.SinkBrevo:
		mailer := notify.NewBrevoMailer(cfg.BrevoAPIKey, cfg.MailFrom, "Timetable notifier", logger)
		return notify.NewEmailProvider(config.SinkBrevo, mailer, cfg.EmailTo, logger), nil
	case config.SinkMock:
		logger.Info("Mock notification mode enabled")
		return notify.NewMockProvider(logger), nil
	default:
		return nil, errors.New("unknown notification sink: " + cfg.NotifySink)
	}
}
