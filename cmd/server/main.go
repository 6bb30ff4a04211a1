package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/manpreetbhatti/coderoom/internal/api"
	"github.com/manpreetbhatti/coderoom/internal/config"
	"github.com/manpreetbhatti/coderoom/internal/db"
	"github.com/manpreetbhatti/coderoom/internal/execution"
	"github.com/manpreetbhatti/coderoom/internal/retention"
	"github.com/manpreetbhatti/coderoom/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	executor := execution.NewClient(cfg.ExecutorURL,
		execution.WithToken(cfg.ExecutorToken),
		execution.WithTimeout(cfg.ExecTimeout),
	)

	hub := ws.NewHub(executor, database)
	transport := ws.NewTransport(hub, ws.Limits{
		MessagesPerSecond: cfg.MessagesPerSecond,
		MessageBurst:      cfg.MessageBurst,
		ConnectsPerSecond: cfg.ConnectsPerSecond,
		ConnectBurst:      cfg.ConnectBurst,
	})
	defer transport.Close()

	sweeper := retention.New(database, hub, retention.Config{
		Interval:         cfg.RetentionInterval,
		HistoryRetention: cfg.HistoryRetention,
		UnjoinedGrace:    cfg.UnjoinedRoomGrace,
	})
	sweeper.Start()
	defer sweeper.Stop()

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.New(hub, database).Routes(transport),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("💻 Coderoom server starting on %s", cfg.Addr())
	log.Printf("📁 Database: %s", cfg.DBPath)
	log.Printf("⚙️  Executor: %s", cfg.ExecutorURL)
	log.Println("Endpoints:")
	log.Println("  - WebSocket: /ws")
	log.Println("  - Health:    GET /health")
	log.Println("  - Stats:     GET /api/stats")
	log.Println("  - Languages: GET /api/languages")
	log.Println("  - Rooms:     GET /api/rooms")
	log.Println("  - Room:      GET /api/rooms/{id}")
	log.Println("  - Runs:      GET /api/rooms/{id}/runs")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP shutdown: %v", err)
		}
		if err := hub.Shutdown(shutdownCtx); err != nil {
			log.Printf("Waiting for in-flight runs: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("Server error: %v", err)
		os.Exit(1)
	}
	log.Println("👋 Server stopped")
}
