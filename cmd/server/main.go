package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/permitwatch/backend/internal/api"
	"github.com/permitwatch/backend/internal/classify"
	"github.com/permitwatch/backend/internal/config"
	"github.com/permitwatch/backend/internal/geocode"
	"github.com/permitwatch/backend/internal/ingest"
	"github.com/permitwatch/backend/internal/normalize"
	"github.com/permitwatch/backend/internal/store"
)

func main() {
	log.Println("🔥 Starting Permit Ingestion Service...")

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	env, err := config.LoadEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// 1. Storage
	db, err := store.Open(env.DatabaseURL)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.EnsureSchema(ctx); err != nil {
		cancel()
		log.Fatalf("schema: %v", err)
	}
	cancel()
	log.Println("✅ Database ready")

	// 2. Classification rules
	rules, err := config.LoadRoofingRules(env.RulesPath)
	if err != nil {
		log.Fatalf("roofing rules: %v", err)
	}
	norm := normalize.New(classify.New(rules))

	// 3. Geocoder (Redis tier is optional)
	var rdb *redis.Client
	if env.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: env.RedisAddr})
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Printf("⚠️  Redis unreachable (%v), geocode cache runs without it", err)
			rdb = nil
		}
		pingCancel()
	}
	geo := geocode.New(env.GeocoderURL, db, rdb)

	// 4. Orchestrator + continuous sweep
	orch := ingest.New(db, norm, geo, ingest.NewMetrics())
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	sweeper := ingest.NewSweeper(orch)
	go sweeper.Run(sweepCtx)

	// 5. HTTP surface
	server := api.NewServer(db, orch)
	port, err := strconv.Atoi(env.Port)
	if err != nil {
		log.Fatalf("invalid PORT %q", env.Port)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(port) }()

	// Block until a signal or a server fault, then drain.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Printf("server failed: %v", err)
		}
	}

	stopSweep()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("👋 Stopped")
}
