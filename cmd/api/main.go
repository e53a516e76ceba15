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

	"github.com/nicksunderland/code-consensus-app/internal/app"
	"github.com/nicksunderland/code-consensus-app/internal/config"
	"github.com/nicksunderland/code-consensus-app/internal/export"
	"github.com/nicksunderland/code-consensus-app/internal/notify"
	"github.com/nicksunderland/code-consensus-app/internal/search"
	"github.com/nicksunderland/code-consensus-app/internal/store"
)

func main() {
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
	catalogue := search.NewPgCatalogue(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, catalogue)
	if meiliClient != nil {
		go searchService.ReindexFromCatalogue(ctx)
	}

	var exportCache *export.Cache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for export caching")
		exportCache, err = export.NewCache(cfg.RedisURL, time.Hour)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer exportCache.Close()
	}

	service := app.NewService(dataStore, searchService, notify.LogNotifier{}, exportCache, app.Options{
		AutoSelect:  cfg.AutoSelect,
		SearchLimit: cfg.SearchLimit,
	})

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
		log.Printf("Consensus API listening on %s", cfg.Addr)
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
