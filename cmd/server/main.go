package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/aleks-frontend/ai-hero/internal/ai"
	"github.com/aleks-frontend/ai-hero/internal/chat"
	"github.com/aleks-frontend/ai-hero/internal/config"
	"github.com/aleks-frontend/ai-hero/internal/db"
	"github.com/aleks-frontend/ai-hero/internal/httpapi"
	"github.com/aleks-frontend/ai-hero/internal/httpapi/handlers"
	"github.com/aleks-frontend/ai-hero/internal/logging"
	"github.com/aleks-frontend/ai-hero/internal/quota"
	"github.com/aleks-frontend/ai-hero/internal/search"
	"github.com/aleks-frontend/ai-hero/internal/store/rabbitmq"
	"github.com/aleks-frontend/ai-hero/internal/store/redisstore"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.WithError(err).Fatal("db connect failed")
	}
	if err := db.Migrate(gdb); err != nil {
		log.WithError(err).Fatal("db migration failed")
	}

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()
	if err := rds.Ping(context.Background()); err != nil {
		log.WithError(err).Warn("redis unreachable, search caching degraded")
	}

	var searcher chat.Searcher = search.NewCachedSearcher(
		search.NewClient(cfg.SerperBaseURL, cfg.SerperAPIKey, cfg.SearchResultCount),
		rds, cfg.SearchCacheTTL, log,
	)

	provider := ai.NewOpenRouterProvider(
		cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, cfg.OpenRouterModel,
		cfg.OpenRouterSiteURL, cfg.OpenRouterAppName,
	)

	// turn events are best-effort telemetry, the server runs without them
	var turns chat.TurnPublisher
	if pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue); err != nil {
		log.WithError(err).Warn("rabbitmq unavailable, turn events disabled")
	} else {
		turns = pub
		defer pub.Close()
	}

	store := chat.NewStore(gdb)
	ledger := quota.NewLedger(gdb, cfg.DailyRequestLimit)
	orch := chat.NewOrchestrator(store, provider, searcher, turns, log, cfg.ChatMaxSteps)

	h := handlers.NewHandler(gdb, cfg, log, store, ledger, orch)
	router := httpapi.NewRouter(h, cfg, log)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("shutdown error")
	}
}
