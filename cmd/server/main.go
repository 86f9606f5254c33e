package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/manpreetbhatti/easel/internal/api"
	"github.com/manpreetbhatti/easel/internal/archive"
	"github.com/manpreetbhatti/easel/internal/config"
	"github.com/manpreetbhatti/easel/internal/janitor"
	"github.com/manpreetbhatti/easel/internal/journal"
	"github.com/manpreetbhatti/easel/internal/presence"
	"github.com/manpreetbhatti/easel/internal/ratelimit"
	"github.com/manpreetbhatti/easel/internal/room"
	"github.com/manpreetbhatti/easel/internal/stream"
	"github.com/manpreetbhatti/easel/internal/ws"
)

func main() {
	configFile := flag.String("config", "", "path to easel.yaml")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var sinks []journal.Sink

	var store *archive.Store
	if cfg.Archive.Path != "" {
		store, err = archive.Open(cfg.Archive.Path)
		if err != nil {
			log.Fatalf("Failed to open archive: %v", err)
		}
		defer store.Close()
		sinks = append(sinks, store)
	}

	var mirror *presence.Sink
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.Printf("⚠️ Redis at %s unreachable, presence mirror disabled: %v", cfg.Redis.Addr, err)
			rdb.Close()
		} else {
			defer rdb.Close()
			mirror = presence.NewSink(rdb, cfg.Redis.TTL)
			sinks = append(sinks, mirror)
		}
	}

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := stream.NewProducer(cfg.Kafka.Brokers)
		if err != nil {
			log.Printf("⚠️ Kafka unavailable, event stream disabled: %v", err)
		} else {
			sink := stream.NewSink(producer, cfg.Kafka.Topic)
			defer sink.Close()
			sinks = append(sinks, sink)
		}
	}

	var publisher journal.Publisher = journal.Discard
	if len(sinks) > 0 {
		dispatcher := journal.NewDispatcher(journal.Options{
			QueueSize:   cfg.Journal.QueueSize,
			Workers:     cfg.Journal.Workers,
			MaxRetry:    cfg.Journal.MaxRetry,
			BaseBackoff: cfg.Journal.BaseBackoff,
			MaxBackoff:  cfg.Journal.MaxBackoff,
		}, sinks...)
		// Runs before the sinks above are closed.
		defer dispatcher.Close()
		publisher = dispatcher
	}

	registry := room.NewRegistry(room.Options{
		Hasher:  room.BcryptHasher{Cost: cfg.Rooms.PasswordCost},
		Journal: publisher,
	})

	hub := ws.NewHub()
	go hub.Run()
	defer hub.Stop()

	var pruner janitor.Pruner
	if store != nil {
		pruner = store
	}
	sweeper := janitor.New(registry, pruner, janitor.Config{
		Interval:  cfg.Janitor.Interval,
		Retention: cfg.Archive.Retention,
	})
	if mirror != nil {
		sweeper.SetPresence(mirror)
	}
	sweeper.Start()
	defer sweeper.Stop()

	limiter := ratelimit.NewKeyedLimiters(cfg.API.RequestsPerSecond, cfg.API.Burst)
	defer limiter.Stop()

	apiHandler := api.New(hub, registry, api.Options{
		Archive:  store,
		Presence: mirror,
		Limiter:  limiter,
	})

	wsCfg := ws.DefaultConfig()
	wsCfg.MaxMessageSize = cfg.WS.MaxMessageSize
	wsCfg.MessagesPerSecond = cfg.WS.MessagesPerSecond
	wsCfg.MessageBurst = cfg.WS.MessageBurst
	wsCfg.MaxViolations = cfg.WS.MaxViolations
	wsCfg.SendBuffer = cfg.WS.SendBuffer
	wsCfg.AllowedOrigins = cfg.Server.AllowedOrigins
	wsCfg.DefaultRoom = cfg.Rooms.DefaultRoom

	mux := http.NewServeMux()
	apiHandler.Routes(mux, ws.NewHandler(hub, registry, wsCfg))

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.CORS(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("🎨 Easel server starting on %s", cfg.Addr())
	if store != nil {
		log.Printf("📁 Archive: %s (retention %v)", cfg.Archive.Path, cfg.Archive.Retention)
	}
	log.Printf("📮 Journal sinks: %d", len(sinks))
	log.Println("Endpoints:")
	log.Println("  - WebSocket: /ws")
	log.Println("  - Health:    GET /health")
	log.Println("  - Stats:     GET /api/stats")
	log.Println("  - Rooms:     GET /api/rooms")
	log.Println("  - Room:      GET /api/rooms/{id}")
	log.Println("  - History:   GET /api/rooms/{id}/history")
	log.Println("  - Presence:  GET /api/rooms/{id}/presence")
	log.Println("  - Undo/Redo: POST /api/rooms/{id}/undo, /api/rooms/{id}/redo")
	log.Printf("  Protected rooms need the %s header", api.PasswordHeader)

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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("Server error: %v", err)
		os.Exit(1)
	}
}
