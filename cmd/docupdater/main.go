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

	"docupdater/internal/app"
	"docupdater/internal/cache"
	"docupdater/internal/config"
	"docupdater/internal/docmanager"
	"docupdater/internal/history"
	"docupdater/internal/metrics"
	"docupdater/internal/ot"
	"docupdater/internal/ranges"
	"docupdater/internal/search"
	"docupdater/internal/store"
	"docupdater/internal/updater"

	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("env file ignored: %v", err)
	}
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

	redisCtx, cancelRedis := context.WithTimeout(ctx, 5*time.Second)
	redisClient, err := cache.Connect(redisCtx, cfg.RedisURL)
	cancelRedis()
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}

	historyQueue := history.NewQueue(redisClient)
	docCache := cache.NewRedisStoreWithClient(redisClient, historyQueue, cache.Options{
		DocOpsMaxLength: cfg.DocOpsMaxLength,
		DocOpsTTL:       cfg.DocOpsTTL,
	})
	defer docCache.Close()
	historyClient := history.NewClient(cfg.ProjectHistoryURL, cfg.HistoryTimeout)
	dataStore := store.NewPostgresStore(db)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
		go searchService.ReindexAllFromPG(ctx)
	}

	registry := metrics.NewRegistry()
	manager := docmanager.New(docmanager.Dependencies{
		Cache:       docCache,
		Persistence: dataStore,
		Updater:     updater.New(docCache, historyQueue),
		Differ:      ot.DiffCodec{},
		Ranges:      ranges.Editor{},
		History:     historyClient,
		Resync:      historyQueue,
		Indexer:     searchService,
		Metrics:     registry,
	}, docmanager.Config{MaxUnflushedAge: cfg.MaxUnflushedAge})

	service := app.NewService(manager, searchService, registry,
		app.HealthCheck{Name: "database", Ping: dataStore.Ping},
		app.HealthCheck{Name: "redis", Ping: docCache.Ping},
	)
	httpServer := app.NewHTTPServer(service)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("docupdater listening on %s", cfg.Addr)
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
	historyClient.Wait()
	searchService.Wait()
}
