package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"civicpulse.org/internal/analytics"
	"civicpulse.org/internal/auth"
	"civicpulse.org/internal/complaint"
	"civicpulse.org/internal/config"
	"civicpulse.org/internal/httpapi"
	"civicpulse.org/internal/media"
	"civicpulse.org/internal/migrate"
	"civicpulse.org/internal/obs"
	"civicpulse.org/internal/store/pg"
	"civicpulse.org/internal/stream"
	"civicpulse.org/ops/migrations"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()
	defer func() { _ = log.Sync() }()

	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}

	var (
		db     *sql.DB
		users  auth.UserStore  = auth.NewMemoryUserStore()
		stored complaint.Store = complaint.NewInMemory()
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatal("open db", zap.Error(err))
		}
		db = pgStore.DB()
		if cfg.AutoMigrate {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			applied, err := migrate.NewManager(db, migrations.FS, migrations.Dir).Up(ctx)
			cancel()
			if err != nil {
				log.Fatal("apply migrations", zap.Error(err))
			}
			log.Info("migrations applied", zap.Strings("names", applied))
		}
		users, stored = pgStore, pgStore
	} else {
		log.Warn("CIVICPULSE_PG_DSN not set; using in-memory storage")
	}

	tokens, err := auth.NewTokenIssuer(cfg.JWTSecret,
		auth.WithIssuer(cfg.JWTIssuer),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
	)
	if err != nil {
		log.Fatal("token issuer", zap.Error(err))
	}
	authSvc, err := auth.NewService(users, tokens)
	if err != nil {
		log.Fatal("auth service", zap.Error(err))
	}
	mediaStore, err := media.NewStore(cfg.MediaDir, cfg.MaxUploadBytes)
	if err != nil {
		log.Fatal("media store", zap.Error(err))
	}

	live := stream.New()
	stats := analytics.NewCache[analytics.Stats](cfg.StatsTTL)
	engine := complaint.NewEngine(stored, complaint.WithPublisher(complaint.Publishers{live, stats}))

	var clusterer analytics.Clusterer
	if cfg.ClusterURL != "" {
		clusterer = analytics.NewRemoteClusterer(cfg.ClusterURL, cfg.ClusterTimeout)
	} else {
		log.Info("CIVICPULSE_CLUSTER_URL not set; topic clustering disabled")
	}

	api, err := httpapi.New(httpapi.Deps{
		Auth:       authSvc,
		Complaints: engine,
		Media:      mediaStore,
		Stream:     live,
		Analytics:  analytics.NewAggregator(stored),
		Clusters:   analytics.NewClusterService(stored, clusterer),
		Stats:      stats,
		Ready:      httpapi.ReadyProbe{DB: db},
		Version:    version,
	},
		httpapi.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		httpapi.WithCORSOrigins(cfg.CORSOrigins),
		httpapi.WithMaxUploadBytes(cfg.MaxUploadBytes),
	)
	if err != nil {
		log.Fatal("build api", zap.Error(err))
	}

	// No WriteTimeout: the event stream holds responses open.
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Info("starting civicpulse-api", zap.String("version", version), zap.String("addr", srv.Addr))

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
	if db != nil {
		_ = db.Close()
	}
	log.Info("stopped")
}
