package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/herald-labs/discord-herald/bot"
	"github.com/herald-labs/discord-herald/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	watch := flag.Bool("watch", false, "reload the schedule when the config file changes")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	runner, err := bot.New(cfg, logger)
	if err != nil {
		logger.Error("Failed to build runner", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *watch {
		go func() {
			// A schedule change needs a restart of the object tree; the
			// watcher just signals the process to exit so the supervisor
			// restarts it with the new file.
			err := config.Watch(ctx, *configPath, logger, func(*config.Config) {
				logger.Info("configuration changed, restarting")
				cancel()
			})
			if err != nil && ctx.Err() == nil {
				logger.Warn("config watcher stopped", slog.Any("error", err))
			}
		}()
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("signal received, shutting down")
		cancel()
	}()

	if err := runner.Run(ctx); err != nil {
		logger.Error("Runner exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Shutdown complete.")
}
