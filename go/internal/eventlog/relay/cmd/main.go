package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/quizlive/go/internal/config"
	"github.com/mcdev12/quizlive/go/internal/eventlog/postgres"
	"github.com/mcdev12/quizlive/go/internal/eventlog/relay"
)

func main() {
	// load .env
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	zerolog.SetGlobalLevel(cfg.Level())

	// LISTEN/NOTIFY source
	nCfg := postgres.DefaultNotifierConfig()
	nCfg.DatabaseURL = cfg.DB.DSN()
	notifier, err := postgres.NewNotifier(nCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("create notifier")
	}
	defer notifier.Stop()
	log.Info().
		Str("host", cfg.DB.Host).
		Int("port", cfg.DB.Port).
		Str("database", cfg.DB.Database).
		Msg("connected to database")

	// JetStream publisher
	jsCfg := relay.DefaultJetStreamConfig()
	jsCfg.URL = cfg.Notify.NATSURL
	jsCfg.StreamName = cfg.Notify.StreamName
	jsCfg.SubjectPrefix = cfg.Notify.SubjectPrefix
	publisher, err := relay.NewJetStreamPublisher(jsCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("create JetStream publisher")
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Error().Err(err).Msg("close publisher")
		}
	}()

	r := relay.New(notifier, publisher, relay.DefaultConfig())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return notifier.Start(gctx) })
	g.Go(func() error { return r.Start(gctx) })

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("relay exited unexpectedly")
	}

	forwarded, failed, last := r.Stats()
	log.Info().
		Uint64("forwarded", forwarded).
		Uint64("failed", failed).
		Time("last_forwarded_at", last).
		Msg("relay stopped")
}
