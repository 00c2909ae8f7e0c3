package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/quizlive/go/internal/bots"
	"github.com/mcdev12/quizlive/go/internal/config"
	"github.com/mcdev12/quizlive/go/internal/content"
	contentdb "github.com/mcdev12/quizlive/go/internal/content/postgres"
	"github.com/mcdev12/quizlive/go/internal/countdown"
	"github.com/mcdev12/quizlive/go/internal/eventlog"
	"github.com/mcdev12/quizlive/go/internal/eventlog/postgres"
	"github.com/mcdev12/quizlive/go/internal/eventlog/relay"
	"github.com/mcdev12/quizlive/go/internal/gateway"
	"github.com/mcdev12/quizlive/go/internal/session"
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

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DB.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}

	store := postgres.NewStore(db)
	if err := store.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate event log")
	}

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create pool")
	}
	defer pool.Close()

	g, gctx := errgroup.WithContext(ctx)

	eventLog, closeNotify, err := setupNotifications(gctx, cfg, store, g)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up change notifications")
	}
	defer closeNotify()

	provider, err := setupContent(ctx, cfg, pool)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up content")
	}

	deps := session.Deps{
		Log:     eventLog,
		Content: provider,
		Time:    timeSource(cfg, pool),
	}

	gwCfg := gateway.DefaultConfig()
	gwCfg.AllowedOrigins = cfg.Gateway.AllowedOrigins
	gwCfg.Session = session.Config{
		StartPollInterval:    cfg.Session.StartPollInterval,
		PresencePollInterval: cfg.Session.PresencePollInterval,
		AckPollInterval:      cfg.Session.AckPollInterval,
		BoardPollInterval:    cfg.Session.BoardPollInterval,
		TickInterval:         cfg.Session.TickInterval,
		RaceCap:              cfg.Session.RaceCap,
		Bots:                 bots.NewBots(cfg.Session.BotTiers),
	}
	svc := gateway.NewService(gwCfg, deps, gateway.NewStoreStateProvider(store))
	server := svc.NewServer(cfg.Gateway.Addr)

	log.Info().
		Str("addr", cfg.Gateway.Addr).
		Str("database", cfg.DB.Database).
		Str("notify_mode", cfg.Notify.Mode).
		Str("time_source", cfg.Session.TimeSource).
		Msg("starting session gateway")

	g.Go(func() error { return svc.Start(gctx) })
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("gateway exited unexpectedly")
	}
	log.Info().Msg("session gateway shutdown complete")
}

// setupNotifications pairs the store with LISTEN/NOTIFY directly or with the
// JetStream relay, depending on the notify mode.
func setupNotifications(ctx context.Context, cfg config.Config, store *postgres.Store, g *errgroup.Group) (eventlog.Log, func(), error) {
	if cfg.Notify.Mode == "relay" {
		jsCfg := relay.DefaultJetStreamConfig()
		jsCfg.URL = cfg.Notify.NATSURL
		jsCfg.StreamName = cfg.Notify.StreamName
		jsCfg.SubjectPrefix = cfg.Notify.SubjectPrefix
		sub, err := relay.NewJetStreamSubscriber(jsCfg)
		if err != nil {
			return nil, nil, err
		}
		return eventlog.Join(store, sub), func() {
			if err := sub.Close(); err != nil {
				log.Error().Err(err).Msg("close subscriber")
			}
		}, nil
	}

	nCfg := postgres.DefaultNotifierConfig()
	nCfg.DatabaseURL = cfg.DB.DSN()
	notifier, err := postgres.NewNotifier(nCfg)
	if err != nil {
		return nil, nil, err
	}
	g.Go(func() error { return notifier.Start(ctx) })
	return eventlog.Join(store, notifier), func() { notifier.Stop() }, nil
}

func setupContent(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) (content.Provider, error) {
	if cfg.Gateway.ContentFile != "" {
		log.Info().Str("file", cfg.Gateway.ContentFile).Msg("serving content from file")
		return content.LoadFileProvider(cfg.Gateway.ContentFile)
	}
	p := contentdb.New(pool)
	if err := p.Migrate(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func timeSource(cfg config.Config, pool *pgxpool.Pool) countdown.TimeSource {
	switch cfg.Session.TimeSource {
	case "http":
		return countdown.NewHTTPSource(cfg.Session.TimeURL)
	case "database":
		return countdown.NewDatabaseSource(pool)
	default:
		return nil
	}
}
