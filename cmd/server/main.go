// Command server starts the messenger HTTP and websocket service.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mllbll/mini-messenger/internal/api"
	"github.com/mllbll/mini-messenger/internal/auth"
	"github.com/mllbll/mini-messenger/internal/chat"
	"github.com/mllbll/mini-messenger/internal/observability/logging"
	"github.com/mllbll/mini-messenger/internal/server"
	"github.com/mllbll/mini-messenger/internal/storage"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	tokenSecret := flag.String("token-secret", "", "HMAC secret for bearer tokens")
	tokenTTL := flag.Duration("token-ttl", 0, "validity window for issued bearer tokens")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	loginLimit := flag.Int("rate-login-limit", 0, "maximum login attempts per window for a single IP")
	loginWindow := flag.Duration("rate-login-window", 0, "window for counting login attempts")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed login throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed login throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis rate limit operations")
	queueDriver := flag.String("queue-driver", "", "chat event queue driver (memory or redis)")
	queueRedisAddr := flag.String("queue-redis-addr", "", "Redis address for the chat event queue")
	queueRedisUsername := flag.String("queue-redis-username", "", "Redis username for the chat event queue")
	queueRedisPassword := flag.String("queue-redis-password", "", "Redis password for the chat event queue")
	queueRedisStream := flag.String("queue-redis-stream", "", "Redis stream key for chat events")
	queueRedisGroup := flag.String("queue-redis-group", "", "Redis consumer group for chat events")
	corsOrigins := flag.String("cors-origins", "", "comma separated browser origins allowed to call the API")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("MINI_MESSENGER_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("MINI_MESSENGER_LOG_FORMAT")),
	})

	listenAddr := firstNonEmpty(*addr, os.Getenv("MINI_MESSENGER_ADDR"), ":8080")

	store, storeCleanup, err := openStore(storeSettings{
		driver:          firstNonEmpty(*storageDriver, os.Getenv("MINI_MESSENGER_STORAGE_DRIVER")),
		dataPath:        firstNonEmpty(*dataPath, os.Getenv("MINI_MESSENGER_DATA")),
		postgresDSN:     resolvePostgresDSN(*postgresDSN),
		maxConns:        resolveInt(*postgresMaxConns, "MINI_MESSENGER_POSTGRES_MAX_CONNS"),
		minConns:        resolveInt(*postgresMinConns, "MINI_MESSENGER_POSTGRES_MIN_CONNS"),
		maxConnLifetime: resolveDuration(*postgresMaxConnLifetime, "MINI_MESSENGER_POSTGRES_MAX_CONN_LIFETIME", 0),
		maxConnIdle:     resolveDuration(*postgresMaxConnIdle, "MINI_MESSENGER_POSTGRES_MAX_CONN_IDLE", 0),
		acquireTimeout:  resolveDuration(*postgresAcquireTimeout, "MINI_MESSENGER_POSTGRES_ACQUIRE_TIMEOUT", 0),
		appName:         firstNonEmpty(*postgresAppName, os.Getenv("MINI_MESSENGER_POSTGRES_APP_NAME")),
	}, logger)
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}
	defer storeCleanup()

	// The signing secret is resolved once here; every verifier in the process
	// shares the resulting manager.
	secret := firstNonEmpty(*tokenSecret, os.Getenv("MINI_MESSENGER_TOKEN_SECRET"))
	if secret == "" {
		secret = randomSecret()
		logger.Warn("no token secret configured, using an ephemeral secret; tokens will not survive restarts")
	}
	var tokenOpts []auth.TokenOption
	if ttl := resolveDuration(*tokenTTL, "MINI_MESSENGER_TOKEN_TTL", 0); ttl > 0 {
		tokenOpts = append(tokenOpts, auth.WithTokenTTL(ttl))
	}
	tokens, err := auth.NewTokenManager(secret, tokenOpts...)
	if err != nil {
		logger.Error("failed to configure token manager", "error", err)
		os.Exit(1)
	}

	queue, err := configureQueue(
		firstNonEmpty(*queueDriver, os.Getenv("MINI_MESSENGER_QUEUE_DRIVER")),
		chat.RedisQueueConfig{
			Addr:     firstNonEmpty(*queueRedisAddr, os.Getenv("MINI_MESSENGER_QUEUE_REDIS_ADDR")),
			Username: firstNonEmpty(*queueRedisUsername, os.Getenv("MINI_MESSENGER_QUEUE_REDIS_USERNAME")),
			Password: firstNonEmpty(*queueRedisPassword, os.Getenv("MINI_MESSENGER_QUEUE_REDIS_PASSWORD")),
			Stream:   firstNonEmpty(*queueRedisStream, os.Getenv("MINI_MESSENGER_QUEUE_REDIS_STREAM")),
			Group:    firstNonEmpty(*queueRedisGroup, os.Getenv("MINI_MESSENGER_QUEUE_REDIS_GROUP")),
		},
		logger,
	)
	if err != nil {
		logger.Error("failed to configure chat queue", "error", err)
		os.Exit(1)
	}

	gateway := chat.NewGateway(chat.GatewayConfig{
		Store:  store,
		Tokens: tokens,
		Queue:  queue,
		Logger: logging.WithComponent(logger, "chat"),
	})
	handler := api.NewHandler(store, tokens, gateway, logging.WithComponent(logger, "api"))

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("MINI_MESSENGER_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("MINI_MESSENGER_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "MINI_MESSENGER_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "MINI_MESSENGER_RATE_GLOBAL_BURST"),
			LoginLimit:    resolveInt(*loginLimit, "MINI_MESSENGER_RATE_LOGIN_LIMIT"),
			LoginWindow:   resolveDuration(*loginWindow, "MINI_MESSENGER_RATE_LOGIN_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("MINI_MESSENGER_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("MINI_MESSENGER_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*rateRedisTimeout, "MINI_MESSENGER_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("MINI_MESSENGER_CORS_ORIGINS"))),
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("messenger listening", "addr", listenAddr)
		return srv.Run(groupCtx)
	})
	group.Go(func() error {
		runEventExporter(groupCtx, queue, logging.WithComponent(logger, "event-exporter"))
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		gateway.Shutdown()
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

type storeSettings struct {
	driver          string
	dataPath        string
	postgresDSN     string
	maxConns        int
	minConns        int
	maxConnLifetime time.Duration
	maxConnIdle     time.Duration
	acquireTimeout  time.Duration
	appName         string
}

func openStore(cfg storeSettings, logger *slog.Logger) (storage.Repository, func(), error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.driver))
	if driver == "" {
		if cfg.postgresDSN != "" {
			driver = "postgres"
		} else {
			driver = "json"
		}
	}
	switch driver {
	case "json":
		path := cfg.dataPath
		if path == "" {
			path = "data/store.json"
		}
		store, err := storage.NewStorage(path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	case "postgres":
		if cfg.postgresDSN == "" {
			return nil, nil, fmt.Errorf("postgres storage selected without DSN")
		}
		var opts []storage.PostgresOption
		if cfg.maxConns > 0 {
			opts = append(opts, storage.WithMaxConnections(int32(cfg.maxConns)))
		}
		if cfg.minConns > 0 {
			opts = append(opts, storage.WithMinConnections(int32(cfg.minConns)))
		}
		if cfg.maxConnLifetime > 0 || cfg.maxConnIdle > 0 {
			opts = append(opts, storage.WithConnLifetimes(cfg.maxConnLifetime, cfg.maxConnIdle))
		}
		if cfg.acquireTimeout > 0 {
			opts = append(opts, storage.WithAcquireTimeout(cfg.acquireTimeout))
		}
		if cfg.appName != "" {
			opts = append(opts, storage.WithApplicationName(cfg.appName))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		repo, err := storage.NewPostgresRepository(ctx, cfg.postgresDSN, opts...)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("postgres datastore ready")
		return repo, repo.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func configureQueue(driver string, cfg chat.RedisQueueConfig, logger *slog.Logger) (chat.Queue, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "redis":
		cfg.Logger = logging.WithComponent(logger, "chat-queue")
		return chat.NewRedisQueue(cfg)
	case "", "memory":
		return chat.NewMemoryQueue(128), nil
	default:
		return nil, fmt.Errorf("unsupported chat queue driver %q", driver)
	}
}

// runEventExporter drains the export subscription so queue consumers always
// have an in-process audit trail, even with the memory driver.
func runEventExporter(ctx context.Context, queue chat.Queue, logger *slog.Logger) {
	if queue == nil {
		return
	}
	sub := queue.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			logger.Debug("chat event",
				"type", event.Type,
				"chatId", event.ChatID,
				"handle", event.Handle)
		}
	}
}

func randomSecret() string {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("ephemeral-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf[:])
}

func resolvePostgresDSN(flagValue string) string {
	return firstNonEmpty(flagValue, os.Getenv("MINI_MESSENGER_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}
