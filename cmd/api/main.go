package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tradebook/api/internal/app"
	"tradebook/api/internal/attach"
	"tradebook/api/internal/authpw"
	"tradebook/api/internal/config"
	"tradebook/api/internal/poke"
	"tradebook/api/internal/report"
	"tradebook/api/internal/search"
	"tradebook/api/internal/session"
	"tradebook/api/internal/store"
	syncengine "tradebook/api/internal/sync"
)

func main() {
	cfg := config.Load()
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	engine := syncengine.NewPostgresEngine(dataStore)
	authService := authpw.NewService(dataStore)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
		searchService.ReindexAllFromPG(ctx)
	}

	var attachService *attach.Service
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		attachService, err = attach.New(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("minio connection failed: %v", err)
		}
		if err := attachService.EnsureBucket(ctx); err != nil {
			log.Printf("WARNING: attachment bucket unavailable: %v", err)
		}
	} else {
		log.Printf("MinIO not configured, attachment endpoints disabled")
	}

	reportService := report.NewService(dataStore)

	// Redis backs both refresh-token storage and cross-instance pokes; without
	// it, tokens live in Postgres and pokes stay in-process.
	var broker poke.Broker
	var service *app.Service
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for refresh token storage and pokes")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		redisBroker, err := poke.NewRedisBroker(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis broker failed: %v", err)
		}
		broker = redisBroker
		service = app.NewWithSessionStore(cfg, dataStore, redisStore, engine, broker, authService, searchService, attachService, reportService)
	} else {
		log.Printf("Using PostgreSQL for refresh token storage, in-process pokes")
		broker = poke.NewMemoryBroker()
		service = app.New(cfg, dataStore, engine, broker, authService, searchService, attachService, reportService)
	}
	defer broker.Close()

	service.StartCleanup(ctx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Long write timeout keeps poke streams alive between heartbeats.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Tradebook API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
