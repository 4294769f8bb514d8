// Command actionflowd serves the plan execution engine over HTTP and websocket
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := LoadConfig(os.Getenv("ACTIONFLOW_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}).Level(level)

	// cancelled on shutdown so in-flight runs stop waiting on interventions
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := newDaemon(ctx, cfg, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize daemon")
	}

	errc := make(chan error, 2)
	if err := d.run(errc); err != nil {
		log.Fatal().Err(err).Msg("Failed to start daemon")
	}

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errc:
		log.Error().Err(err).Msg("Server failed")
	}

	log.Info().Msg("Shutting down server...")
	cancel()
	d.shutdown(5 * time.Second)
	log.Info().Msg("Server stopped")
}
