package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"campushub-realtime/internal/call"
	"campushub-realtime/internal/chat"
	"campushub-realtime/internal/database"
	"campushub-realtime/internal/domain"
	wsHandler "campushub-realtime/internal/handler/ws"
	"campushub-realtime/internal/media"
	"campushub-realtime/internal/media/pion"
	"campushub-realtime/internal/middleware"
	"campushub-realtime/internal/notify"
	"campushub-realtime/internal/registry"
	cassandraRepo "campushub-realtime/internal/repository/cassandra"
	cockroachRepo "campushub-realtime/internal/repository/cockroach"
	redisRepo "campushub-realtime/internal/repository/redis"
	"campushub-realtime/internal/signaling"
	"campushub-realtime/internal/store"
	firebasestore "campushub-realtime/internal/store/firebase"
	memorystore "campushub-realtime/internal/store/memory"
	redisstore "campushub-realtime/internal/store/redis"
	"campushub-realtime/pkg/env"
	"campushub-realtime/pkg/jwt"
	"campushub-realtime/pkg/logger"
	"campushub-realtime/pkg/push"
)

func main() {
	// 1. Logging
	if err := logger.Init(&logger.Config{
		Level:  env.GetString("LOG_LEVEL", "info"),
		Format: env.GetString("LOG_FORMAT", "json"),
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// 2. JWT Manager
	jwtSecret := env.GetStringFromFile("JWT_SECRET", "")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
	if len(jwtSecret) < 32 {
		log.Fatal("JWT_SECRET must be at least 32 characters")
	}
	jwtManager := jwt.NewManager(jwtSecret, 15*time.Minute)

	// 3. Realtime store backend
	ctx := context.Background()
	st, redisConn, err := newStore(ctx)
	if err != nil {
		log.Fatalf("Failed to initialize realtime store: %v", err)
	}
	log.Println("✅ Realtime store ready")

	// 4. Conversation registry
	reg := registry.New(domain.UserID(env.GetString("ADVISOR_USER_ID", "")))

	// 5. Call signaling
	channel := signaling.NewChannel(st)

	// 6. Optional call history (CockroachDB)
	var callHistory call.History
	var callLog wsHandler.CallHistory
	if connString := env.GetStringFromFile("COCKROACH_URL", ""); connString != "" {
		db, err := database.NewDB(ctx, connString, nil)
		if err != nil {
			log.Fatalf("Failed to connect to CockroachDB: %v", err)
		}
		defer db.Close()
		repo := cockroachRepo.NewCallRepository(db.Pool)
		callHistory = repo
		callLog = repo
		log.Println("✅ Connected to CockroachDB")
	}

	// 7. Optional message archive (Cassandra)
	var archive chat.Archive
	if hosts := env.GetString("CASSANDRA_HOSTS", ""); hosts != "" {
		cassandraDB, err := database.NewCassandraDB(&database.CassandraConfig{
			Hosts:    strings.Split(hosts, ","),
			Keyspace: env.GetString("CASSANDRA_KEYSPACE", "campushub_realtime"),
			Username: env.GetStringFromFile("CASSANDRA_USER", ""),
			Password: env.GetStringFromFile("CASSANDRA_PASSWORD", ""),
			Timeout:  10 * time.Second,
		})
		if err != nil {
			log.Fatalf("Failed to connect to Cassandra: %v", err)
		}
		defer cassandraDB.Close()
		archive = cassandraRepo.NewMessageRepository(cassandraDB.Session)
		log.Println("✅ Connected to Cassandra")
	}

	// 8. Call session factory
	iceURLs := splitNonEmpty(env.GetString("ICE_SERVER_URLS", ""))
	sessions := func(id domain.Identity) (wsHandler.CallSession, wsHandler.MediaControls, error) {
		devices, transport, err := pion.New(st, string(id.UserID), iceURLs)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build media stack: %w", err)
		}
		manager := media.NewManager(devices, transport)
		controller := call.NewController(id, channel, manager, callHistory)
		return controller, manager, nil
	}

	// 9. Optional push notifications for incoming calls
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	startCallNotifier(rootCtx, channel, redisConn)

	// 10. Gin router
	if env.GetString("ENV", "development") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	_ = router.SetTrustedProxies(nil)

	allowedOrigins := env.GetString("CORS_ALLOWED_ORIGINS", "")
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware(allowedOrigins))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "realtime-service",
			"time":    time.Now().UTC(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	gateway := wsHandler.NewGateway(st, reg, archive, callLog, sessions, allowedOrigins)
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager))
	{
		v1.GET("/ws", gateway.Handle)
	}

	// 11. Serve with graceful shutdown
	port := env.GetString("PORT", "8085")
	server := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		log.Printf("🚀 Realtime Service starting on port %s\n", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-rootCtx.Done()
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	log.Println("Server exited")
}

// newStore builds the realtime store backend selected by STORE_BACKEND.
// The redis client is returned too so optional features can reuse it.
func newStore(ctx context.Context) (store.Store, *goredis.Client, error) {
	switch backend := env.GetString("STORE_BACKEND", "memory"); backend {
	case "redis":
		client, err := database.NewRedisClient(&database.RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
		})
		if err != nil {
			return nil, nil, err
		}
		return redisstore.New(client), client, nil
	case "firebase":
		st, err := firebasestore.New(ctx, &firebasestore.Config{
			DatabaseURL:     env.GetString("FIREBASE_DATABASE_URL", ""),
			CredentialsPath: env.GetString("FIREBASE_CREDENTIALS_PATH", ""),
			PollInterval:    env.GetDuration("FIREBASE_POLL_INTERVAL", 0),
		})
		return st, nil, err
	case "memory":
		return memorystore.New(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_BACKEND %q", backend)
	}
}

func splitNonEmpty(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// startCallNotifier wires incoming-call push delivery when at least one
// provider is configured. Tokens live in Redis, so the redis store backend
// is required for push.
func startCallNotifier(ctx context.Context, channel *signaling.Channel, redisConn *goredis.Client) {
	var providers []push.Provider

	if path := env.GetString("FCM_CREDENTIALS_PATH", ""); path != "" {
		provider, err := push.NewFCMProvider(&push.FCMConfig{
			CredentialsPath: path,
			ProjectID:       env.GetString("FCM_PROJECT_ID", ""),
		})
		if err != nil {
			log.Fatalf("Failed to initialize FCM provider: %v", err)
		}
		providers = append(providers, provider)
	}
	if keyPath := env.GetString("APNS_KEY_PATH", ""); keyPath != "" {
		provider, err := push.NewAPNsProvider(&push.APNsConfig{
			KeyPath:    keyPath,
			KeyID:      env.GetString("APNS_KEY_ID", ""),
			TeamID:     env.GetString("APNS_TEAM_ID", ""),
			BundleID:   env.GetString("APNS_BUNDLE_ID", ""),
			Production: env.GetBool("APNS_PRODUCTION", false),
		})
		if err != nil {
			log.Fatalf("Failed to initialize APNs provider: %v", err)
		}
		providers = append(providers, provider)
	}

	if len(providers) == 0 {
		return
	}
	if redisConn == nil {
		log.Fatal("Push notifications require STORE_BACKEND=redis for token storage")
	}

	tokens := redisRepo.NewPushTokenRepository(redisConn)
	notifier := notify.NewCallNotifier(channel, tokens, providers...)
	go func() {
		if err := notifier.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("Call notifier stopped: %v", err)
		}
	}()
	log.Println("✅ Call push notifier started")
}
