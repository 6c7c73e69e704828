package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/chat-relay/internal/api"
	"github.com/omochice/chat-relay/internal/chat"
	"github.com/omochice/chat-relay/internal/config"
	"github.com/omochice/chat-relay/internal/events"
	"github.com/omochice/chat-relay/internal/logger"
	"github.com/omochice/chat-relay/internal/presence"
	"github.com/omochice/chat-relay/internal/server"
	"github.com/omochice/chat-relay/internal/store"
	"github.com/omochice/chat-relay/internal/store/memstore"
	"github.com/omochice/chat-relay/internal/store/mongostore"
)

func main() {
	cfg := config.FromEnv()

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Address for WebSocket, legacy and health clients (e.g., :8081)")
	flag.StringVar(&cfg.StatusAddr, "status-addr", cfg.StatusAddr, "Address of the status API, empty to disable")
	flag.StringVar(&cfg.StoreBackend, "store", cfg.StoreBackend, "Store backend: memory or mongo")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	flag.BoolVar(&cfg.AllowGuests, "allow-guests", cfg.AllowGuests, "Admit unidentified WebSocket clients as guests")
	seed := flag.String("seed", "", "JSON file with users and groups for the memory store")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	zl, err := logger.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	if err := run(cfg, *seed, zl); err != nil {
		zl.Fatal("relay failed", zap.Error(err))
	}
}

func run(cfg config.Config, seed string, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, seed, log)
	if err != nil {
		return err
	}
	defer closeStore()

	var observers []chat.PresenceObserver
	var mirror *presence.Mirror
	var remote *events.Directory
	if cfg.Redis.Addr != "" {
		rdb, err := presence.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		mirror = presence.NewMirror(rdb, cfg.NodeID, cfg.Redis.PresenceTTL, log)
		observers = append(observers, mirror)
	}
	if cfg.NATS.URL != "" {
		nc, err := events.Connect(cfg.NATS.URL, "chat-relay-"+cfg.NodeID)
		if err != nil {
			return err
		}
		defer nc.Drain()
		observers = append(observers, events.NewPublisher(nc, cfg.NATS.Subject, cfg.NodeID, log))

		remote = events.NewDirectory()
		_, err = events.Subscribe(nc, cfg.NATS.Subject, cfg.NodeID, log, func(e events.Event) {
			log.Debug("remote presence",
				zap.String("user_id", e.UserID),
				zap.String("node_id", e.NodeID),
				zap.String("kind", e.Kind))
			remote.Apply(e)
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to presence events: %w", err)
		}
	}

	hub := chat.NewHub(log, observers...)
	router := chat.NewRouter(hub, st, chat.RouterConfig{
		StoreTimeout: cfg.StoreTimeout,
		TypingScope:  chat.TypingScope(cfg.TypingScope),
		Logger:       log,
	})
	srv := server.New(cfg.Addr, hub, router, st, server.Options{
		HandshakeTimeout: cfg.HandshakeTimeout,
		IdentifyTimeout:  cfg.IdentifyTimeout,
		ReadTimeout:      cfg.ReadTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		StoreTimeout:     cfg.StoreTimeout,
		MaxFrameSize:     cfg.MaxFrameSize,
		AllowGuests:      cfg.AllowGuests,
		RateLimit:        cfg.RateLimit.PerSecond,
		RateBurst:        cfg.RateLimit.Burst,
		Logger:           log,
	})
	if err := srv.Listen(); err != nil {
		return err
	}

	if mirror != nil {
		go mirror.Run(ctx, cfg.Redis.PresenceTTL/2, hub.OnlineUserIDs)
	}

	var status *api.Server
	if cfg.StatusAddr != "" {
		var opts []api.RouterOption
		if remote != nil {
			opts = append(opts, api.WithRemotePresence(remote))
		}
		status = api.NewServer(cfg.StatusAddr, api.NewRouter(hub, publicURL(cfg.Addr), log, opts...), log)
		status.Start()
	}

	errChan := make(chan error, 1)
	go func() { errChan <- srv.Serve() }()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	srv.Stop()
	if status != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := status.Shutdown(shutdownCtx); err != nil {
			log.Warn("status server shutdown failed", zap.Error(err))
		}
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config, seed string, log *zap.Logger) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.StoreMongo:
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		ms, err := mongostore.Connect(connectCtx, cfg.Mongo.URI, cfg.Mongo.Database, log)
		if err != nil {
			return nil, nil, err
		}
		return ms, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := ms.Close(closeCtx); err != nil {
				log.Warn("failed to disconnect from mongo", zap.Error(err))
			}
		}, nil
	default:
		mem := memstore.New()
		if seed != "" {
			f, err := os.Open(seed)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to open seed file: %w", err)
			}
			defer f.Close()
			if err := mem.Load(f); err != nil {
				return nil, nil, err
			}
			log.Info("loaded seed data", zap.String("path", seed))
		}
		return mem, func() {}, nil
	}
}

// publicURL returns the WebSocket URL advertised by the status API.
func publicURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "ws://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "ws://" + net.JoinHostPort(host, port)
}
