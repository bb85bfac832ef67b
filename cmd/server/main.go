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

	"github.com/datatalk-ai/datatalk/internal/api"
	"github.com/datatalk-ai/datatalk/internal/config"
)

func main() {
	// Load .env if present. Existing environment wins.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}

	// Load configuration
	cfg := config.Load()

	// Validate required config
	if cfg.LLMAPIKey == "" {
		log.Fatal("LLM_API_KEY is required")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" || cfg.JWTSecret == "default-secret-change-me" {
		log.Fatal("JWT_SECRET must be set to a secure random value")
	}
	if len(cfg.JWTSecret) < 32 {
		log.Fatal("JWT_SECRET must be at least 32 characters")
	}

	// Create handlers
	handlers, err := api.NewHandlers(cfg)
	if err != nil {
		log.Fatalf("Failed to create handlers: %v", err)
	}

	// Create router
	router := api.NewRouter(handlers)

	// Background loops: provider health probing and idle-conversation reaping.
	bg, stopBg := context.WithCancel(context.Background())
	go handlers.Supervisor().Run(bg)
	go reapLoop(bg, handlers, cfg.ConversationMaxIdle)

	// Start server
	addr := ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		log.Printf("Server starting on %s", addr)
		log.Printf("Frontend URL: %s", cfg.FrontendURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")

	stopBg()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}

	handlers.Supervisor().CloseAll()
	if h := handlers.History(); h != nil {
		if err := h.Close(); err != nil {
			log.Printf("History close: %v", err)
		}
	}
	log.Println("Shutdown complete")
}

// reapLoop periodically drops conversations idle past maxIdle from memory.
// Their durable history survives.
func reapLoop(ctx context.Context, handlers *api.Handlers, maxIdle time.Duration) {
	if maxIdle <= 0 {
		return
	}
	ticker := time.NewTicker(maxIdle / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			handlers.Store().ReapIdle(maxIdle)
		}
	}
}
