package main

import (
	"bufio"
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dynamiq/mcphub/internal/api"
	"github.com/dynamiq/mcphub/internal/auth"
	"github.com/dynamiq/mcphub/internal/config"
	"github.com/dynamiq/mcphub/internal/hub"
	"github.com/dynamiq/mcphub/internal/loader"
	"github.com/dynamiq/mcphub/internal/registry"

	// Built-in modules register themselves with the loader.
	_ "github.com/dynamiq/mcphub/internal/modules/echo"
)

func main() {
	// Load .env if it exists
	loadEnvFile(".env")

	// Load configuration
	cfg := config.Load()

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	// Apply the seed file, skipping ids that already exist
	if cfg.SeedFile != "" {
		added, skipped, err := registry.ImportSeedFile(ctx, store, cfg.SeedFile)
		if err != nil {
			log.Fatalf("Failed to import seed file %s: %v", cfg.SeedFile, err)
		}
		log.Printf("Seed file %s: %d added, %d already present", cfg.SeedFile, added, skipped)
	}

	var tokenManager *auth.TokenManager
	if !cfg.AuthDisabled {
		if cfg.JWTSecret == "" && len(cfg.APITokens) == 0 {
			log.Fatal("JWT_SECRET or API_TOKENS is required (or set AUTH_DISABLED=true)")
		}
		if cfg.JWTSecret != "" && len(cfg.JWTSecret) < 32 {
			log.Fatal("JWT_SECRET must be at least 32 characters")
		}
		tokenManager = auth.NewTokenManager(cfg.JWTSecret, time.Hour, cfg.APITokens)
	} else {
		log.Printf("WARNING: auth is disabled; write endpoints are open")
	}

	// Load every enabled server before accepting traffic
	h := hub.New(store, loader.DefaultSet(), hub.WithLoadTimeout(cfg.LoadTimeout))
	if err := h.Start(ctx); err != nil {
		log.Fatalf("Failed to start hub: %v", err)
	}
	log.Printf("Hub started, %d server(s) mounted", len(h.MountedIDs()))

	// Create handlers and router
	handlers := api.NewHandlers(store, h, tokenManager)
	router := api.NewRouter(handlers)

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: router,
	}

	go func() {
		log.Printf("Server starting on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Printf("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	if err := h.Shutdown(); err != nil {
		log.Printf("Hub shutdown: %v", err)
	}
}

func openStore(cfg *config.Config) (registry.Store, error) {
	if cfg.StoreBackend == "memory" {
		return registry.NewMemoryStore(), nil
	}
	return registry.NewSQLiteStore(cfg.DatabasePath)
}

func loadEnvFile(filename string) {
	file, err := os.Open(filename)
	if err != nil {
		return // File doesn't exist, skip
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Only set if not already set
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
