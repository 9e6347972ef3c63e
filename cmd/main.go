package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taxi-service/internal/config"
	"taxi-service/internal/events"
	"taxi-service/internal/observability"
	"taxi-service/internal/presence"
	"taxi-service/internal/rides"
	"taxi-service/internal/storage"
	"taxi-service/internal/sweeper"
	"taxi-service/internal/tracking"
	"taxi-service/migrations"
	"taxi-service/pkg/db"
	"taxi-service/pkg/jwt"
	"taxi-service/pkg/kafka"
	tredis "taxi-service/pkg/redis"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── 1. Configuration ──
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if err := jwt.Init(cfg.JWTSecret); err != nil {
		log.Fatal(err)
	}

	// ── 2. Store: PostgreSQL, or in-memory when no DATABASE_URL is set ──
	var store storage.Store
	if cfg.DatabaseURL != "" {
		database, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal(err)
		}
		defer database.Close()
		if err := database.RunMigrations(ctx, migrations.FS); err != nil {
			log.Fatal("migrations failed:", err)
		}
		store = storage.NewPostgresStore(database.Pool)
	} else {
		log.Println("DATABASE_URL not set; using in-memory store (state is lost on restart)")
		store = storage.NewMemoryStore()
	}

	// ── 3. WebSocket hub, relayed over Redis when available ──
	wsHub := tracking.NewHub()
	var pusher events.Pusher = wsHub
	var heartbeat presence.Heartbeat
	if cfg.RedisAddr != "" {
		redisClient, err := tredis.NewClient(cfg.RedisAddr)
		if err != nil {
			log.Fatal(err)
		}
		defer redisClient.Close()
		pusher = tracking.NewRedisPusher(redisClient)
		tracking.RunRelay(ctx, redisClient, wsHub)
		heartbeat = redisClient
	}

	// ── 4. Kafka event stream (optional) ──
	var bus events.Bus
	if len(cfg.KafkaBrokers) > 0 {
		kafkaClient := kafka.NewClient(cfg.KafkaBrokers)
		if err := kafkaClient.EnsureTopics(ctx, events.TopicRideEvents, events.TopicBidEvents); err != nil {
			log.Fatal(err)
		}
		bus = kafkaClient
	}

	// ── 5. Services ──
	fanout := events.NewFanout(store, pusher, bus)
	rideSvc := rides.NewService(store, fanout, rides.Config{
		CounterOfferCap:    cfg.CounterOfferCap,
		EscalationInterval: cfg.EscalationInterval,
		RideTTL:            cfg.RideTTL,
		PresenceStaleAfter: cfg.PresenceStaleAfter,
	})
	presenceSvc := presence.NewService(store, heartbeat, presence.Config{
		StaleAfter: cfg.PresenceStaleAfter,
	})

	// ── 6. Escalation sweeper ──
	go sweeper.New(rideSvc, cfg.SweepInterval).Run(ctx)

	// ── 7. HTTP router ──
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(observability.Metrics)
	r.Use(jwt.OptionalAuth)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"taxi-service"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	rideHandler := rides.NewHandler(rideSvc)
	r.Mount("/rides", rideHandler.Routes())
	r.Mount("/track", rideHandler.PublicRoutes())
	r.Mount("/captains", presence.NewHandler(presenceSvc).Routes())
	r.Mount("/ws", wsHub.Routes())

	// ── 8. Start server ──
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}

	go func() {
		log.Printf("taxi-service listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	// ── 9. Graceful shutdown ──
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	srv.Shutdown(shutCtx)
	cancel() // stop sweeper and relay
}
