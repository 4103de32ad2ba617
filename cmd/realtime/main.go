// Command realtime runs the signalfabric realtime edge: the WebSocket
// session handler and HTTP operational endpoints, plus the metrics
// aggregator consuming the domain-event topic, in one process.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/signalfabric/realtime/internal/aggregator"
	"github.com/signalfabric/realtime/internal/auth"
	"github.com/signalfabric/realtime/internal/broker"
	"github.com/signalfabric/realtime/internal/config"
	"github.com/signalfabric/realtime/internal/logging"
	"github.com/signalfabric/realtime/internal/manager"
	"github.com/signalfabric/realtime/internal/metrics"
	"github.com/signalfabric/realtime/internal/ratelimit"
	"github.com/signalfabric/realtime/internal/realtime"
	"github.com/signalfabric/realtime/internal/store"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		panic(err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting realtime edge")
	cfg.LogFields(logger)

	b, err := broker.New(broker.Config{
		KafkaBrokers:       cfg.KafkaBootstrapServers,
		KafkaConsumerGroup: cfg.KafkaConsumerGroup,
		RedisURL:           cfg.RedisURL,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect broker adapter")
	}

	st, err := store.Open(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect durable store")
	}

	am := auth.NewManager(cfg.SecretKey, cfg.Algorithm, time.Duration(cfg.AccessTokenExpireMinutes)*time.Minute)
	mgr := manager.New(b, logger)
	limiter := ratelimit.New(ratelimit.Config{
		GlobalPerSecond: cfg.MaxUpgradesPerSecond,
		GlobalBurst:     cfg.MaxUpgradeBurst,
		PerIPPerSecond:  cfg.MaxUpgradesPerSecond / 10,
		PerIPBurst:      cfg.MaxUpgradeBurst / 10,
	}, logger)
	m := metrics.New()

	srv := realtime.New(realtime.Config{
		Addr:             cfg.Addr(),
		CORSAllowOrigins: cfg.CORSAllowOrigins,
		MaxMessageBytes:  cfg.MaxMessageBytes,
		PingInterval:     cfg.WSPingInterval,
		PingTimeout:      cfg.WSPingTimeout,
		ReadTimeout:      15 * time.Second,
		WriteTimeout:     15 * time.Second,
	}, am, mgr, b, st, limiter, m, logger)

	analyticsConsumer, err := broker.NewAnalyticsConsumer(cfg.KafkaBootstrapServers, cfg.KafkaConsumerGroupAnalytics, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect analytics consumer")
	}

	agg := aggregator.New(st, cfg.MetricsWindowSeconds, logger)
	aggCtx, aggCancel := context.WithCancel(context.Background())

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.Fatal().Err(err).Msg("realtime endpoint stopped unexpectedly")
		}
	}()

	go func() {
		if err := agg.Run(aggCtx, analyticsConsumer, cfg.KafkaTopicMessages); err != nil {
			logger.Error().Err(err).Msg("metrics aggregator stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down realtime edge")

	aggCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during http shutdown")
	}

	limiter.Close()
	st.Close()
	if err := analyticsConsumer.Close(); err != nil {
		logger.Error().Err(err).Msg("error closing analytics consumer")
	}
	if err := b.Close(); err != nil {
		logger.Error().Err(err).Msg("error closing broker adapter")
	}

	logger.Info().Msg("realtime edge stopped")
}
