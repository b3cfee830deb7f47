package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/devfolio/internal/config"
	"github.com/devfolio/internal/db"
	"github.com/devfolio/internal/handler"
	"github.com/devfolio/internal/router"
	"github.com/devfolio/internal/service"
	"github.com/devfolio/internal/store"
	"github.com/devfolio/internal/task"
	"github.com/gin-gonic/gin"
)

func main() {
	cfg := config.Load()
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sessions store.SessionStore
	var stats store.StatsStore

	switch cfg.Backend() {
	case config.BackendMongo:
		mongoDB, err := db.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			log.Fatalf("failed to configure mongodb: %v", err)
		}
		defer mongoDB.Disconnect(context.Background())

		s := store.NewMongo(mongoDB)
		bootCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := s.EnsureIndexes(bootCtx); err != nil {
			// The driver reconnects on its own; requests report failures until then.
			log.Printf("[store] mongodb not reachable yet, retrying on demand: %v", err)
		}
		cancel()
		sessions, stats = s, s
	case config.BackendSQLite:
		if err := db.Init(cfg.DatabasePath); err != nil {
			log.Fatalf("failed to initialize database: %v", err)
		}
		s := store.NewGorm(db.DB)
		sessions, stats = s, s
	default:
		log.Printf("[store] no MONGODB_URI or DATABASE_PATH set, serving placeholder stats")
	}

	presence := service.NewPresenceService(sessions, stats).WithStaleAfter(cfg.StaleAfter)

	if presence.Available() {
		scheduler := task.NewScheduler()
		if err := scheduler.Register(cfg.SweepSchedule, task.NewSweepSessionsJob(presence, cfg.StoreTimeout)); err != nil {
			log.Fatalf("failed to schedule session sweep: %v", err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	api := handler.NewAPI(presence, handler.Options{
		StoreTimeout:         cfg.StoreTimeout,
		TrackRatePerMinute:   cfg.TrackRatePerMinute,
		TrackRateBurst:       cfg.TrackRateBurst,
		AllowFallbackSession: cfg.AllowFallbackSession,
	})

	engine, err := router.SetupRouter(cfg.SessionSecret, cfg.TrustedProxies, api)
	if err != nil {
		log.Fatalf("failed to set up router: %v", err)
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: engine,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown: %v", err)
		}
	}()

	log.Printf("listening on %s (backend: %s)", cfg.ListenAddr, cfg.Backend())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("failed to run server: %v", err)
	}
}
