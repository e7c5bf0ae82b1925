package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/store"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("roomchat server exited")
	}
}

func run() error {
	cfg, err := server.LoadConfig(".env")
	if err != nil {
		return err
	}
	if err := server.ConfigureLogger(*cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logrus.Info("Starting roomchat server...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messages, users, closeStore, err := openStores(ctx, cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer closeStore()

	var cache *store.CachedMessages
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logrus.WithError(err).WithField("addr", cfg.RedisAddr).Warn("Redis unreachable; history cache will fall through to the database")
		}
		cache = store.NewCachedMessages(messages, rdb, "", cfg.HistoryCacheTTL)
		messages = cache
	}

	tokens, err := auth.NewJWTManager(auth.JWTConfig{
		Secret: cfg.JWTSecret,
		TTL:    cfg.JWTTTL,
		Issuer: cfg.JWTIssuer,
	})
	if err != nil {
		return err
	}

	hub := server.NewHub(*cfg, messages)
	handlers := server.NewHandlers(hub, users, tokens, auth.NewPasswordHasher(0))
	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(handlers))

	server.StartHub(hub)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("Shutdown signal received")

		shutdownErr := server.ShutdownServer(httpServer, cfg.ShutdownTimeout)
		if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
			logrus.WithError(err).Warn("Hub did not drain before timeout")
		}
		if cache != nil {
			stats := cache.Stats()
			logrus.WithFields(logrus.Fields{
				"hits":   stats.Hits,
				"misses": stats.Misses,
				"errors": stats.Errors,
			}).Info("History cache statistics")
		}
		return shutdownErr
	})

	return g.Wait()
}

// openStores opens SQLite at path, or falls back to the in-memory store when
// path is empty.
func openStores(ctx context.Context, path string) (store.MessageStore, store.UserStore, func(), error) {
	if path == "" {
		logrus.Warn("DATABASE_PATH is empty; messages and accounts are kept in memory only")
		mem := store.NewMemory()
		return mem, mem, func() {}, nil
	}

	db, err := store.OpenSQLite(ctx, path)
	if err != nil {
		return nil, nil, nil, err
	}
	logrus.WithField("path", path).Info("Message store ready")

	closeDB := func() {
		if err := db.Close(); err != nil {
			logrus.WithError(err).Warn("Error closing database")
		}
	}
	return db, db, closeDB, nil
}
