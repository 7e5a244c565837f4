package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fjod/go_cart/toycart/internal/auth"
	"github.com/fjod/go_cart/toycart/internal/cartsync"
	"github.com/fjod/go_cart/toycart/internal/config"
	h "github.com/fjod/go_cart/toycart/internal/http"
	"github.com/fjod/go_cart/toycart/internal/localstore"
	"github.com/fjod/go_cart/toycart/internal/logger"
	"github.com/fjod/go_cart/toycart/internal/notify"
	"github.com/fjod/go_cart/toycart/internal/poller"
	"github.com/fjod/go_cart/toycart/internal/repository"
	"github.com/fjod/go_cart/toycart/internal/service"
	"github.com/fjod/go_cart/toycart/internal/storage"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(os.Stdout, cfg.LogLevel)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("toycart stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	local, closeLocal, err := openLocalStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLocal()

	store := localstore.New(local, cfg.ExpiryPolicy(), localstore.WithLogger(log))
	if err := store.Hydrate(ctx); err != nil {
		return fmt.Errorf("failed to load local cart: %w", err)
	}

	remote, closeRemote, err := openRemote(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeRemote()
	repo := repository.NewBreakerRepository(remote, repository.BreakerSettings{Name: "remote-cart"}, log)

	hub := notify.NewHub(log)
	defer hub.Close()
	notifiers := notify.Multi{notify.NewLogNotifier(log), hub}
	if len(cfg.KafkaBrokers) > 0 {
		kn := notify.NewKafkaNotifier(log, cfg.KafkaBrokers...)
		defer kn.Close()
		notifiers = append(notifiers, kn)
	}

	verifier, err := newVerifier(ctx, cfg)
	if err != nil {
		return err
	}
	source := auth.NewChannelSource(16)

	engine := cartsync.New(store, repo, cartsync.Config{
		SyncInterval: cfg.SyncInterval,
		FlushTimeout: cfg.FlushTimeout,
		Policy:       cfg.ExpiryPolicy(),
	}, cartsync.WithLogger(log), cartsync.WithNotifier(notifiers))

	svc := service.NewCartService(store, engine, notifiers, log)

	router := h.NewRouter(h.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
		Cart:           h.NewCartHandler(svc, cfg.RequestTimeout, log),
		Session:        h.NewSessionHandler(verifier, source, engine, log),
		Notifications:  hub,
	})
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx, source.Events())
	})
	g.Go(func() error {
		log.Info("toycart listening", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	if len(cfg.KafkaBrokers) > 0 {
		p := poller.NewPoller(svc, log, cfg.KafkaBrokers...)
		defer p.Close()
		g.Go(func() error {
			p.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.FlushTimeout)
	defer cancel()
	if err := engine.Shutdown(flushCtx); err != nil {
		log.Warn("pending cart changes were not pushed before exit", "error", err)
	}
	log.Info("toycart stopped")
	return runErr
}

func openLocalStorage(ctx context.Context, cfg *config.Config) (storage.Storage, func(), error) {
	switch cfg.LocalStore {
	case config.LocalMemory:
		return storage.NewMemoryStorage(), func() {}, nil
	case config.LocalRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       0,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis connection failed: %w", err)
		}
		return storage.NewRedisStorage(client, cfg.RedisKeyPrefix, cfg.RedisTTL), func() { client.Close() }, nil
	default:
		st, err := storage.NewSQLiteStorage(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		if err := st.RunMigrations(cfg.SQLiteMigrate); err != nil {
			st.Close()
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	}
}

func openRemote(ctx context.Context, cfg *config.Config, log *slog.Logger) (repository.CartRepository, func(), error) {
	switch cfg.RemoteStore {
	case config.RemoteFirestore:
		client, err := repository.NewFirestoreClient(ctx, cfg.FirestoreProjectID, cfg.CredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		log.Info("using firestore remote cart store", "project_id", cfg.FirestoreProjectID)
		return repository.NewFirestoreRepository(client), func() { client.Close() }, nil
	case config.RemotePostgres:
		repo, err := repository.NewPostgresRepository(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := repo.RunMigrations(cfg.PostgresMigrate); err != nil {
			repo.Close()
			return nil, nil, err
		}
		log.Info("using postgres remote cart store")
		return repo, func() { repo.Close() }, nil
	default:
		db, err := repository.ConnectMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName)
		if err != nil {
			return nil, nil, err
		}
		repo := repository.NewMongoRepository(db)
		if err := repo.CreateIndexes(ctx); err != nil {
			log.Warn("failed to create cart indexes", "error", err)
		}
		log.Info("using mongo remote cart store", "database", cfg.MongoDBName)
		return repo, func() { db.Client().Disconnect(context.Background()) }, nil
	}
}

func newVerifier(ctx context.Context, cfg *config.Config) (auth.TokenVerifier, error) {
	if cfg.AuthMode == "insecure" {
		slog.Warn("AUTH_MODE=insecure: bearer tokens are trusted as user ids")
		return auth.InsecureVerifier{}, nil
	}
	return auth.NewFirebaseVerifier(ctx, cfg.FirestoreProjectID, cfg.CredentialsFile)
}
