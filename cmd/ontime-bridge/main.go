package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Lexorius/ontime-ha/internal/api"
	"github.com/Lexorius/ontime-ha/internal/bridge"
	"github.com/Lexorius/ontime-ha/internal/dispatch"
	"github.com/Lexorius/ontime-ha/internal/hub"
	"github.com/Lexorius/ontime-ha/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("bridge exited")
	}
	log.Info().Msg("bridge stopped")
}

func run(ctx context.Context, cfg Config) error {
	clock := clockwork.NewRealClock()

	tcfg := transport.DefaultConfig(cfg.Ontime.Host, cfg.Ontime.Port)
	tcfg.SendTimeout = time.Duration(cfg.Ontime.SendTimeout)
	tcfg.ReconnectMin = time.Duration(cfg.Ontime.ReconnectMin)
	tcfg.ReconnectMax = time.Duration(cfg.Ontime.ReconnectMax)
	tcfg.StabilityWindow = time.Duration(cfg.Ontime.StabilityWindow)

	client := transport.New(tcfg, clock)
	h := hub.New(cfg.Hub.QueueDepth)
	br := bridge.New(client, h, clock)
	dispatcher := dispatch.New(client, br.Current)
	handler := api.NewHandler(br, client, dispatcher)

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("transport client stopped")
		}
		cancel()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := br.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("bridge loop stopped")
		}
		cancel()
	}()

	if cfg.NATS.URL != "" {
		nc, err := bridge.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer nc.Close()

		notifier := bridge.NewNotifier(nc)
		sub := h.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sub.Close()
			if err := notifier.Run(ctx, sub); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("notifier stopped")
			}
		}()
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS notifications enabled")
	}

	srv := &http.Server{
		Addr:    cfg.HTTP.Listen,
		Handler: handler.Router(),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", cfg.HTTP.Listen).Msg("HTTP API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server stopped")
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}
	h.Close()
	wg.Wait()
	return ctx.Err()
}
