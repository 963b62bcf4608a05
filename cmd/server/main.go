package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openscore/darts-live-backend/internal/config"
	"github.com/openscore/darts-live-backend/internal/entitlement"
	"github.com/openscore/darts-live-backend/internal/httpapi"
	"github.com/openscore/darts-live-backend/internal/hub"
	"github.com/openscore/darts-live-backend/internal/moderation"
	"github.com/openscore/darts-live-backend/internal/persist"
	"github.com/openscore/darts-live-backend/internal/store"
	"github.com/openscore/darts-live-backend/internal/tourney"
)

func main() {
	cfg := config.Load()

	logger := buildLogger(cfg.LogDev)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Each process gets a fresh replication identity.
	st := store.New(logger, uuid.NewString())

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	}
	st.Run(ctx, rdb, cfg.RedisChannel)

	var persister hub.Persister
	if cfg.DatabaseURL != "" {
		ps, err := persist.Open(cfg.DatabaseURL, logger)
		if err != nil {
			logger.Fatal("persistence unavailable", zap.Error(err))
		}
		seedTournaments(ps, st, logger)
		persister = ps
	}

	var checker entitlement.Checker = entitlement.Static{}
	if cfg.EntitlementURL != "" {
		checker = entitlement.NewHTTPChecker(cfg.EntitlementURL)
	}

	h := hub.NewHub(ctx, logger, st, checker, moderation.NewWordlist(moderation.DefaultWords), persister)

	// Exactly one worker per deployment runs the evaluator; the notices
	// it emits reach the other workers as broadcast envelopes, which
	// they forward without re-evaluating. Two concurrent evaluators
	// would race the replicated one-shot flags and fire twice.
	if cfg.Evaluator {
		sched, err := tourney.StartScheduler(func() {
			h.Inbox() <- hub.TournamentTick{}
		})
		if err != nil {
			logger.Fatal("scheduler failed to start", zap.Error(err))
		}
		defer func() { _ = sched.Shutdown() }()
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.SetupRoutes(h, logger),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		h.Inbox() <- hub.Shutdown{}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

// seedTournaments warms the replicated cache from the durable source of
// truth before the hub starts taking traffic.
func seedTournaments(ps *persist.Store, st *store.Store, logger *zap.Logger) {
	open, err := ps.LoadOpenTournaments()
	if err != nil {
		logger.Warn("could not load tournaments", zap.Error(err))
		return
	}
	svc := tourney.NewService(st)
	for _, t := range open {
		svc.Put(t)
	}
	logger.Info("tournaments loaded", zap.Int("count", len(open)))
}

func buildLogger(dev bool) *zap.Logger {
	if dev {
		l, _ := zap.NewDevelopment()
		return l
	}
	l, _ := zap.NewProduction()
	return l
}
