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

	"github.com/joho/godotenv"

	"pagewatch/api/internal/app"
	"pagewatch/api/internal/config"
	"pagewatch/api/internal/diffsvc"
	"pagewatch/api/internal/payload"
	"pagewatch/api/internal/pipeline"
	"pagewatch/api/internal/queue"
	"pagewatch/api/internal/search"
	"pagewatch/api/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	fsBackend, err := payload.NewFS(cfg.PayloadDir)
	if err != nil {
		log.Fatalf("payload dir setup failed: %v", err)
	}
	var payloads payload.Store
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		log.Printf("Using MinIO for payload storage")
		minioBackend, err := payload.NewMinIO(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("minio connection failed: %v", err)
		}
		payloads = payload.NewRouter(minioBackend, fsBackend)
	} else {
		log.Printf("Using filesystem for payload storage")
		payloads = payload.NewRouter(fsBackend)
	}

	var workQueue queue.Queue
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for the review queue")
		redisQueue, err := queue.NewRedis(cfg.RedisURL, cfg.ClaimLeaseTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisQueue.Close()
		workQueue = redisQueue
	} else {
		log.Printf("Using in-memory review queue")
		workQueue = queue.NewMemory()
	}

	pgSearch := search.NewPgSearch(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgSearch)
	if meiliClient != nil {
		defer meiliClient.Close()
	}

	comparer := diffsvc.NewClient(cfg.DiffServiceURL, cfg.DiffServiceAPIKey, cfg.DiffServiceTimeout, cfg.DiffServiceRPS)
	pipe := pipeline.New(dataStore, payloads, comparer, workQueue, cfg.DiffSourceType)

	service := app.New(cfg, dataStore, payloads, pipe, workQueue, searchService)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Pagewatch API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
