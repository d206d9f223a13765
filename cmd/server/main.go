package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rentsync/internal/bridge"
	"rentsync/internal/bus"
	"rentsync/internal/chat"
	"rentsync/internal/config"
	"rentsync/internal/db"
	"rentsync/internal/fanout"
	"rentsync/internal/logger"
	myMiddleware "rentsync/internal/middleware"
	"rentsync/internal/user"
	"rentsync/internal/ws"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// 1. Config & Flags
	configPath := flag.String("config", "", "optional config file (yaml, json or toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("instance", cfg.InstanceID))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Database (Platform Layer)
	database, err := db.NewDatabase(cfg.DSN)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	logger.Info("connected to postgres")

	if err := database.AutoMigrate(); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	logger.Info("database schema initialized")

	// 3. Event bus and its cross-instance relay
	relay, closeRelay, err := newRelay(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to set up relay", zap.String("relay", cfg.Relay), zap.Error(err))
	}
	events := bus.New(cfg.InstanceID, relay, logger)
	events.Start(ctx)

	// 4. Users
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret)
	userHandler := user.NewHandler(userService)

	// 5. Gateway, rooms and fan-out
	chatRepo := chat.NewRepository(database.Conn)
	chatHandler := chat.NewHandler(chatRepo)

	gateway := ws.NewGateway(
		ws.NewRegistry(),
		ws.NewRouter(logger),
		events,
		ws.NewTokenAuthenticator(userService, userService),
		logger,
		ws.WithMessageStore(chatRepo),
	)
	unwire := fanout.Wire(events, gateway, fanout.Topics{
		Properties:  cfg.PropertiesTopic,
		Bookings:    cfg.BookingsTopic,
		SharedStore: !cfg.MirrorStores,
	}, logger)
	wsHandler := ws.NewHandler(gateway)

	// 6. Change bridges
	links, closeStore, err := attachBridges(ctx, cfg, database, events, logger)
	if err != nil {
		logger.Fatal("failed to attach bridges", zap.Error(err))
	}
	for _, link := range links {
		go watchLink(ctx, link, stop, logger)
	}

	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 7. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)

	// The gateway authenticates on its own: the token may come in the
	// first frame instead of the handshake.
	r.Get("/ws", gateway.ServeWs)

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)
		r.Get("/api/chats/{chatID}/messages", chatHandler.GetChatHistory)
		r.Post("/api/notifications", wsHandler.Notify)
		r.Post("/api/broadcast", wsHandler.Broadcast)
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: r}
	go func() {
		logger.Info("server starting", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err = srv.Shutdown(shutdownCtx)
	gateway.Close()
	unwire()
	for _, link := range links {
		err = multierr.Append(err, link.Close())
	}
	err = multierr.Combine(err, events.Close(), closeRelay(), closeStore(shutdownCtx), database.Close())
	if err != nil {
		logger.Error("unclean shutdown", zap.Error(err))
		return
	}
	logger.Info("stopped")
}

// newRelay builds the configured relay. The returned close func releases
// the broker client; the relay itself is closed by the bus.
func newRelay(ctx context.Context, cfg *config.Config, logger *zap.Logger) (bus.Relay, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Relay {
	case config.RelayRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, noop, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
		return bus.NewRedisRelay(client, logger), client.Close, nil
	case config.RelayNATS:
		relay, err := bus.DialNATS(cfg.NATSURL, "rentsync-"+cfg.InstanceID, logger)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("connected to nats", zap.String("url", cfg.NATSURL))
		return relay, noop, nil
	default:
		logger.Warn("no relay configured, events stay on this instance")
		return nil, noop, nil
	}
}

// watchLink stops the process when a bridge gives up on its change stream.
func watchLink(ctx context.Context, link *bridge.Link, stop context.CancelFunc, logger *zap.Logger) {
	select {
	case <-link.Done():
	case <-ctx.Done():
		return
	}
	if ctx.Err() != nil {
		return
	}
	logger.Error("bridge stopped, shutting down", zap.String("topic", link.Topic()), zap.Error(link.Err()))
	stop()
}

type mirroredStore interface {
	bridge.Source
	bridge.Applier
}

// attachBridges publishes the properties and bookings collections. MongoDB is
// used when configured, otherwise the sync_records table in Postgres. Remote
// changes are applied back only with mirror_stores, where each instance owns
// its store.
func attachBridges(ctx context.Context, cfg *config.Config, database *db.Database, events *bus.Bus, logger *zap.Logger) ([]*bridge.Link, func(context.Context) error, error) {
	closeStore := func(context.Context) error { return nil }
	var properties, bookings mirroredStore

	if cfg.MongoURI != "" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, closeStore, fmt.Errorf("mongo connect: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			client.Disconnect(context.Background())
			return nil, closeStore, fmt.Errorf("mongo ping: %w", err)
		}
		logger.Info("connected to mongodb", zap.String("database", cfg.MongoDatabase))
		closeStore = client.Disconnect

		mdb := client.Database(cfg.MongoDatabase)
		properties = bridge.NewMongoCollection(mdb.Collection(cfg.PropertiesCollection))
		bookings = bridge.NewMongoCollection(mdb.Collection(cfg.BookingsCollection))
	} else {
		properties = bridge.NewPostgresCollection(database.Conn, cfg.DSN, cfg.PropertiesCollection)
		bookings = bridge.NewPostgresCollection(database.Conn, cfg.DSN, cfg.BookingsCollection)
	}

	br := bridge.New(events, logger, bridge.WithEchoWindow(cfg.EchoSuppressionSize, 0))
	var links []*bridge.Link
	for _, b := range []struct {
		topic string
		store mirroredStore
	}{
		{cfg.PropertiesTopic, properties},
		{cfg.BookingsTopic, bookings},
	} {
		var dst bridge.Applier
		if cfg.MirrorStores {
			dst = b.store
		}
		link, err := br.Attach(ctx, b.store, dst, b.topic)
		if err != nil {
			for _, l := range links {
				l.Close()
			}
			return nil, closeStore, err
		}
		links = append(links, link)
	}
	return links, closeStore, nil
}
