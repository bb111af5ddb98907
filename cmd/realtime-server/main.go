package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/teleconsult/realtime/internal/config"
	"github.com/teleconsult/realtime/internal/platform/auth"
	"github.com/teleconsult/realtime/internal/platform/db"
	"github.com/teleconsult/realtime/internal/platform/heartbeat"
	"github.com/teleconsult/realtime/internal/platform/middleware"
	"github.com/teleconsult/realtime/internal/platform/notification"
	"github.com/teleconsult/realtime/internal/platform/notifybus"
	"github.com/teleconsult/realtime/internal/platform/presence"
	"github.com/teleconsult/realtime/internal/platform/rooms"
	"github.com/teleconsult/realtime/internal/platform/sessionlog"
	"github.com/teleconsult/realtime/internal/platform/telemetry"
	"github.com/teleconsult/realtime/internal/platform/websocket"
	"github.com/teleconsult/realtime/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "realtime-server",
		Short: "Telemedicine presence, consultation room and notification server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(notifyCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the realtime server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run session ledger migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			target, _ := cmd.Flags().GetInt("to")

			pool, err := openPool(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, migrations.FS, schema).UpTo(cmd.Context(), target)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	upCmd.Flags().Int("to", 0, "Apply up to this version (0 applies all)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			pool, err := openPool(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS, schema).Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func notifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Publish a notification to every node over NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			scopeFlag, _ := cmd.Flags().GetString("scope")
			target, _ := cmd.Flags().GetString("target")
			dataFlag, _ := cmd.Flags().GetString("data")

			scope, err := notification.ParseScope(scopeFlag)
			if err != nil {
				return err
			}
			msg, err := notificationFromFlags(cmd, dataFlag)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.NATSURL == "" {
				return fmt.Errorf("NATS_URL is required")
			}
			nc, err := notifybus.Connect(cfg.NATSURL, "realtime-notify", zerolog.Nop())
			if err != nil {
				return err
			}
			defer nc.Close()

			if err := notifybus.NewPublisher(nc, cfg.NATSSubject).Publish(cmd.Context(), scope, target, msg); err != nil {
				return err
			}
			if err := nc.FlushTimeout(5 * time.Second); err != nil {
				return fmt.Errorf("flush nats: %w", err)
			}
			fmt.Printf("Published %s notification to %s %s.\n", msg.Type, scope, target)
			return nil
		},
	}
	cmd.Flags().String("scope", "identity", "Scope kind: identity, role or room")
	cmd.Flags().String("target", "", "Identity id, role name or room id")
	cmd.Flags().String("type", "", "Notification type")
	cmd.Flags().String("title", "", "Notification title")
	cmd.Flags().String("message", "", "Notification body")
	cmd.Flags().String("data", "", "Optional JSON object attached as data")
	return cmd
}

func notificationFromFlags(cmd *cobra.Command, data string) (notification.Message, error) {
	typ, _ := cmd.Flags().GetString("type")
	title, _ := cmd.Flags().GetString("title")
	body, _ := cmd.Flags().GetString("message")
	if typ == "" || title == "" {
		return notification.Message{}, fmt.Errorf("--type and --title are required")
	}

	msg := notification.Message{Type: typ, Title: title, Body: body}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &msg.Data); err != nil {
			return notification.Message{}, fmt.Errorf("--data must be a JSON object: %w", err)
		}
	}
	return msg, nil
}

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return db.NewPool(ctx, poolConfig(cfg))
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "realtime-server/" + cfg.NodeID,
	}
}

func newLogger(dev bool) zerolog.Logger {
	if dev {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// buildVerifier returns the token verifier for sockets and the API. In
// development, dev tokens are accepted and anything else falls through to
// JWT verification when it is configured.
func buildVerifier(ctx context.Context, cfg *config.Config) (auth.Verifier, error) {
	jwtCfg := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
	}
	if cfg.AuthSigningKey != "" {
		jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
	}
	configured := cfg.AuthIssuer != "" || cfg.AuthJWKSURL != "" || cfg.AuthSigningKey != ""

	if cfg.IsDev() {
		if !configured {
			return auth.DevVerifier{}, nil
		}
		v, err := auth.NewJWTVerifier(ctx, jwtCfg)
		if err != nil {
			return nil, err
		}
		return auth.DevVerifier{Next: v}, nil
	}
	return auth.NewJWTVerifier(ctx, jwtCfg)
}

func gatewayConfig(cfg *config.Config) websocket.Config {
	gc := websocket.DefaultConfig()
	gc.Heartbeat = heartbeat.Config{Interval: cfg.HeartbeatInterval, Timeout: cfg.HeartbeatTimeout}
	gc.SendQueueSize = cfg.SendQueueSize
	gc.EventRate = cfg.EventRateLimit
	gc.EventBurst = cfg.EventRateBurst
	gc.BindTimeout = cfg.BindTimeout
	return gc
}

// registerMetrics exposes gateway, dispatcher and pool state on /metrics.
// pool may be nil.
func registerMetrics(tp *telemetry.TelemetryProvider, gw *websocket.Gateway, d *notification.Dispatcher, pool *pgxpool.Pool) {
	tp.RegisterGauge("realtime_sessions", "Live WebSocket sessions on this node.",
		func() int64 { return int64(gw.Stats().Sessions) })
	tp.RegisterGauge("realtime_online_identities", "Identities with a live connection on this node.",
		func() int64 { return int64(gw.Stats().Online) })
	tp.RegisterGauge("realtime_rooms", "Consultation rooms with at least one member.",
		func() int64 { return int64(gw.Stats().Rooms) })

	tp.RegisterCounter("realtime_inbound_events_total", "Inbound client events by name.", "event",
		func() map[string]int64 { return gw.Counters().Events })
	tp.RegisterCounter("realtime_connections_closed_total", "Closed connections by reason.", "reason",
		func() map[string]int64 { return gw.Counters().Closes })
	tp.RegisterCounter("realtime_rate_limited_events_total", "Inbound events dropped by the per-connection limiter.", "",
		func() map[string]int64 { return map[string]int64{"": gw.Counters().RateLimited} })

	scoped := func(pick func(notification.ScopeStats) int) telemetry.CounterFunc {
		return func() map[string]int64 {
			out := make(map[string]int64)
			for scope, s := range d.Stats() {
				out[string(scope)] = int64(pick(s))
			}
			return out
		}
	}
	tp.RegisterCounter("realtime_notifications_sent_total", "Notifications dispatched by scope.", "scope",
		scoped(func(s notification.ScopeStats) int { return s.Sent }))
	tp.RegisterCounter("realtime_notifications_delivered_total", "Notification deliveries to live handles by scope.", "scope",
		scoped(func(s notification.ScopeStats) int { return s.Delivered }))
	tp.RegisterCounter("realtime_notifications_missed_total", "Notifications with no online recipient by scope.", "scope",
		scoped(func(s notification.ScopeStats) int { return s.Missed }))

	if pool == nil {
		return
	}
	tp.RegisterGauge("db_pool_total_connections", "Open database pool connections.",
		func() int64 { return int64(db.GetPoolStats(pool).TotalConns) })
	tp.RegisterGauge("db_pool_idle_connections", "Idle database pool connections.",
		func() int64 { return int64(db.GetPoolStats(pool).IdleConns) })
	tp.RegisterGauge("db_pool_acquired_connections", "Acquired database pool connections.",
		func() int64 { return int64(db.GetPoolStats(pool).AcquiredConns) })
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.IsDev()).With().Str("node_id", cfg.NodeID).Logger()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	verifier, err := buildVerifier(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure token verification")
	}

	// Presence mirror (optional)
	var registryOpts []presence.Option
	registryOpts = append(registryOpts, presence.WithLogger(logger))
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = presence.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		registryOpts = append(registryOpts,
			presence.WithMirror(presence.NewRedisMirror(redisClient, cfg.NodeID, cfg.PresenceTTL), 0))
		logger.Info().Msg("presence mirror enabled")
	}
	registry := presence.NewRegistry(registryOpts...)

	// Session ledger (optional)
	roomOpts := []rooms.Option{rooms.WithLogger(logger)}
	var pool *pgxpool.Pool
	var ledger *sessionlog.Ledger
	if cfg.DatabaseURL != "" {
		pool, err = db.NewPool(ctx, poolConfig(cfg))
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		ledger = sessionlog.NewLedger(pool, cfg.NodeID, logger)
		roomOpts = append(roomOpts, rooms.WithLifecycle(ledger))
		logger.Info().Msg("connected to database")
	}
	roomManager := rooms.NewManager(registry, roomOpts...)

	gateway := websocket.NewGateway(registry, roomManager, gatewayConfig(cfg), logger)
	dispatcher := notification.NewDispatcher(registry, roomManager, logger)

	// Notification bus (optional)
	var nc *nats.Conn
	var subscriber *notifybus.Subscriber
	if cfg.NATSURL != "" {
		nc, err = notifybus.Connect(cfg.NATSURL, "realtime-server-"+cfg.NodeID, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to nats")
		}
		subscriber = notifybus.NewSubscriber(nc, cfg.NATSSubject, dispatcher, logger)
		if err := subscriber.Start(); err != nil {
			logger.Fatal().Err(err).Msg("failed to subscribe to notification bus")
		}
	}

	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceName:    "realtime-server",
		ServiceVersion: version,
		NodeID:         cfg.NodeID,
		Environment:    cfg.Env,
		MetricsEnabled: telemetry.BoolPtr(cfg.MetricsEnabled),
	})
	registerMetrics(tp, gateway, dispatcher, pool)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(tp.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"version": version,
			"node":    cfg.NodeID,
			"gateway": gateway.Stats(),
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	if cfg.MetricsEnabled {
		e.GET("/metrics", tp.PrometheusHandler())
	}

	// WebSocket endpoint authenticates its own sockets.
	websocket.NewHandler(gateway, verifier, cfg.CORSOrigins, logger).RegisterRoutes(e.Group(""))

	// Back-office API
	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware(verifier))
	} else {
		apiV1.Use(auth.JWTMiddleware(verifier))
	}
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	apiV1.Use(middleware.BodyLimit("64K"))
	apiV1.Use(auth.RequireRole("admin", "service"))

	notification.NewNotificationHandler(dispatcher, registry, roomManager).RegisterRoutes(apiV1)
	if ledger != nil {
		sessionlog.NewHandler(ledger).RegisterRoutes(apiV1)
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if subscriber != nil {
		if err := subscriber.Stop(); err != nil {
			logger.Warn().Err(err).Msg("notification bus drain failed")
		}
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	// Hijacked WebSocket connections are not tracked by the HTTP server.
	gateway.Shutdown()
	if nc != nil {
		nc.Close()
	}
	if ledger != nil {
		ledger.Close()
	}
	registry.Close()

	logger.Info().Msg("server stopped")
	return nil
}
