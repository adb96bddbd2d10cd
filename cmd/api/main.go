package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/camptracker/markdown-viewer/internal/app"
	"github.com/camptracker/markdown-viewer/internal/config"
	"github.com/camptracker/markdown-viewer/internal/oauth"
	"github.com/camptracker/markdown-viewer/internal/session"
	"github.com/camptracker/markdown-viewer/internal/store"
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

	sessions, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer sessions.Close()

	var providers []oauth.Provider
	if cfg.GitHubClientID != "" {
		github, err := oauth.NewGitHub(cfg.GitHubClientID, cfg.GitHubClientSecret, cfg.OAuthRedirectBase+"/api/auth/github/callback")
		if err != nil {
			log.Fatalf("github oauth setup failed: %v", err)
		}
		providers = append(providers, github)
	}
	if cfg.GoogleClientID != "" {
		google, err := oauth.NewGoogle(ctx, cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.OAuthRedirectBase+"/api/auth/google/callback")
		if err != nil {
			log.Fatalf("google oauth setup failed: %v", err)
		}
		providers = append(providers, google)
	}
	if len(providers) == 0 {
		log.Printf("no OAuth providers configured; running visitor-only")
	}

	service := app.New(cfg, dataStore, sessions, providers...)

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
		log.Printf("markdown-viewer API listening on %s", cfg.Addr)
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
