package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/kadin2048/ichat-to-eml/chatlog"
	"github.com/kadin2048/ichat-to-eml/cmd"
	"github.com/kadin2048/ichat-to-eml/config"
	"github.com/kadin2048/ichat-to-eml/filter"
	"github.com/kadin2048/ichat-to-eml/imap"
	"github.com/kadin2048/ichat-to-eml/output"
	"github.com/kadin2048/ichat-to-eml/progress"
	"github.com/kadin2048/ichat-to-eml/runner"
	"github.com/kadin2048/ichat-to-eml/stats"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ichat-to-eml [flags] <chat log or directory>...",
		Short: "Convert legacy iChat .chat and .ichat logs to email messages",
		Args:  cobra.ArbitraryArgs,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(c, args)
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
			logger.Info("starting ichat-to-eml", "inputs", len(cfg.Inputs), "dryRun", cfg.DryRun)

			return run(cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	cmd.Register(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	files, err := chatlog.ListInputs(cfg.Inputs)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no .chat or .ichat files found under the given inputs")
	}
	if cfg.Stdout() && len(files) > 1 {
		return fmt.Errorf("stdout output supports a single input; use --output-dir, --mbox or --imap-host for %d files", len(files))
	}

	r, err := runner.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}

	// The progress bar and stdout output fight over the terminal, so
	// plain stats reporting takes over in that mode.
	var bar *progress.Bar
	if cfg.Stdout() {
		stats.NewReporter(r, logger)
	} else {
		bar = progress.New(len(files), r.Tracker().Snapshot().Converted, cfg.LogLevel)
		progress.NewProgressReporter(r, bar, logger)
		stats.NewReporter(r, logger)
	}

	f, err := filter.New(filter.Options{
		IncludeParticipant: cfg.IncludeParticipant,
		IncludeText:        cfg.IncludeText,
		ExcludeParticipant: cfg.ExcludeParticipant,
		ExcludeText:        cfg.ExcludeText,
	})
	if err != nil {
		return fmt.Errorf("filter.New: %w", err)
	}

	if _, err := chatlog.NewProducer(files, f, r, logger); err != nil {
		return fmt.Errorf("chatlog.NewProducer: %w", err)
	}

	if cfg.IMAPActive() {
		uploaderOpts := imap.Options{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           cfg.IMAPPass,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			TargetFolder:       cfg.TargetFolder,
			DryRun:             cfg.DryRun,
		}
		if _, err := imap.NewUploader(uploaderOpts, r, logger); err != nil {
			return fmt.Errorf("imap.NewUploader: %w", err)
		}
	} else {
		writerOpts := output.Options{
			Dir:      cfg.OutputDir,
			MboxPath: cfg.MboxPath,
			Stdout:   os.Stdout,
			DryRun:   cfg.DryRun,
		}
		if _, err := output.NewWriter(writerOpts, r, logger); err != nil {
			return fmt.Errorf("output.NewWriter: %w", err)
		}
	}

	err = r.Start()
	if bar != nil {
		bar.Stop()
	}
	return err
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

	// Stdout mode reserves standard output for the message itself.
	logOut := os.Stdout
	if cfg.Stdout() {
		logOut = os.Stderr
	}

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("ichat-to-eml-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(logOut, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(logOut, opts)
	return slog.New(handler), cleanup, nil
}
