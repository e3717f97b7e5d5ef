package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tradewatch/internal/ai"
	"tradewatch/internal/config"
	"tradewatch/internal/engine"
	"tradewatch/internal/hub"
	"tradewatch/internal/market"
	"tradewatch/internal/metrics"
	"tradewatch/internal/notify"
	"tradewatch/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Loading configuration failed")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	store, err := storage.New(storage.ConnectionParams{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		DBName:   cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Connecting to database failed")
	}
	defer store.Close()

	marketClient := market.NewClient(market.ClientOptions{
		APIKey:           cfg.MarketAPIKey,
		BaseURL:          cfg.MarketBaseURL,
		RequestTimeout:   cfg.MarketRequestTimeout,
		RequestsPerSec:   cfg.MarketRequestsPerSec,
		MinInterval:      cfg.MarketMinInterval,
		ProviderCooldown: cfg.ProviderCooldown,
		EndpointCooldown: cfg.EndpointCooldown,
	})

	verdictCache := ai.NewVerdictCache(cfg.RedisAddr, cfg.RedisPassword, 15*time.Minute)
	validator := ai.NewValidator(ai.ValidatorOptions{
		APIKey:  cfg.OpenAIAPIKey,
		Model:   cfg.OpenAIModel,
		Timeout: cfg.AITimeout,
		Cache:   verdictCache,
	})

	broadcastHub := hub.New()
	go broadcastHub.Run()

	var notifier notify.Notifier
	if cfg.TelegramToken != "" {
		tg, err := notify.NewTelegramNotifier(cfg.TelegramToken)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram notifier unavailable, push delivery disabled")
		} else {
			notifier = tg
		}
	}

	recorder := metrics.New()

	alertEngine := engine.New(store, marketClient, validator, broadcastHub, notifier, recorder, engine.Config{
		DuplicateWindow:    cfg.DuplicateWindow,
		MaxAlertsPerDay:    cfg.MaxAlertsPerDay,
		RejectionThreshold: cfg.RejectionThreshold,
		RejectionCooldown:  cfg.RejectionCooldown,
		DiscoverySymbols:   cfg.DiscoverySymbols,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", broadcastHub.ServeWS)
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runLoop(ctx, "scan", cfg.ScanInterval, func() {
		result, err := alertEngine.RunGlobalCycle(ctx, engine.Options{})
		if err != nil {
			log.Error().Err(err).Msg("Global scan cycle failed")
			return
		}
		log.Info().Int("users", result.UsersScanned).Int("alerts", result.AlertsCreated).
			Int("errors", result.Errors).Msg("Scan cycle finished")
	})

	go runLoop(ctx, "outcome", cfg.OutcomeInterval, func() {
		stats, err := alertEngine.RunOutcomeEvaluationCycle(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Outcome evaluation failed")
			return
		}
		log.Info().Int("scanned", stats.Scanned).Int("wins", stats.Wins).
			Int("losses", stats.Losses).Int("errors", stats.Errors).Msg("Outcome cycle finished")
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("Shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown failed")
	}
}

// runLoop runs fn immediately, then on every tick until ctx is done
func runLoop(ctx context.Context, name string, interval time.Duration, fn func()) {
	log.Info().Str("loop", name).Dur("interval", interval).Msg("Loop started")
	fn()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-ctx.Done():
			log.Info().Str("loop", name).Msg("Loop stopped")
			return
		}
	}
}
