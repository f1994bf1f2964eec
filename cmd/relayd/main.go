package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/driftdoc/relay/internal/v1/auth"
	"github.com/driftdoc/relay/internal/v1/bridge"
	"github.com/driftdoc/relay/internal/v1/bus"
	"github.com/driftdoc/relay/internal/v1/config"
	"github.com/driftdoc/relay/internal/v1/health"
	"github.com/driftdoc/relay/internal/v1/keyring"
	"github.com/driftdoc/relay/internal/v1/logging"
	"github.com/driftdoc/relay/internal/v1/middleware"
	"github.com/driftdoc/relay/internal/v1/ratelimit"
	"github.com/driftdoc/relay/internal/v1/room"
	"github.com/driftdoc/relay/internal/v1/sidecar"
	"github.com/driftdoc/relay/internal/v1/store"
	"github.com/driftdoc/relay/internal/v1/tracing"
	"github.com/driftdoc/relay/internal/v1/transport"
	"github.com/driftdoc/relay/internal/v1/types"
)

// flagEnv maps each CLI flag to the environment variable it overrides. Flags
// are a convenience layer: a set flag is written back into the environment so
// config.ValidateEnv stays the single source of truth for defaults and
// validation.
var flagEnv = map[string]string{
	"listen-address":    "LISTEN_ADDRESS",
	"persistence-dir":   "PERSISTENCE_DIR",
	"relay-base-url":    "RELAY_BASE_URL",
	"outbound-proxy":    "OUTBOUND_PROXY",
	"max-update-bytes":  "MAX_UPDATE_BYTES",
	"idle-room-timeout": "IDLE_ROOM_TIMEOUT",
	"debounce-flush-ms": "DEBOUNCE_FLUSH_MS",
	"flush-ceiling-ms":  "FLUSH_CEILING_MS",
	"room-keys-file":    "ROOM_KEYS_FILE",
	"sidecar-channel":   "SIDECAR_CHANNEL",
}

func main() {
	app := &cli.App{
		Name:  "relayd",
		Usage: "collaborative document relay",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen-address", Usage: "TCP address to bind, host:port"},
			&cli.StringFlag{Name: "persistence-dir", Usage: "directory for encrypted snapshots; empty disables persistence"},
			&cli.StringFlag{Name: "relay-base-url", Usage: "ws:// or wss:// base URL of the upstream relay; empty disables the bridge"},
			&cli.StringFlag{Name: "outbound-proxy", Usage: "socks5://host:port proxy for bridge connections"},
			&cli.IntFlag{Name: "max-update-bytes", Usage: "hard cap on a single document update"},
			&cli.IntFlag{Name: "idle-room-timeout", Usage: "seconds before an empty room is swept"},
			&cli.IntFlag{Name: "debounce-flush-ms", Usage: "quiet period before a dirty room is flushed"},
			&cli.IntFlag{Name: "flush-ceiling-ms", Usage: "maximum time a dirty room may go unflushed"},
			&cli.StringFlag{Name: "room-keys-file", Usage: "JSON file of room keys to load at startup"},
			&cli.BoolFlag{Name: "sidecar-channel", Usage: "serve the local key-delivery channel"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		slog.Error("relayd failed", "error", err)
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	// Load .env file for local development. Try multiple paths to handle
	// different ways of running the daemon.
	envPaths := []string{".env", "../../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		slog.Info("No .env file found, relying on environment variables")
	}

	// Flags override the environment. godotenv never overwrites existing
	// variables, so precedence ends up flag > environment > .env > default.
	for name, env := range flagEnv {
		if cliCtx.IsSet(name) {
			os.Setenv(env, fmt.Sprint(cliCtx.Value(name)))
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		return err
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}
	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	// --- Tracing (Optional) ---
	var tracerProvider *sdktrace.TracerProvider
	if cfg.OTELCollectorAddr != "" {
		tp, err := tracing.InitTracer(context.Background(), "relay", cfg.OTELCollectorAddr)
		if err != nil {
			slog.Error("Failed to initialize tracing, continuing without it", "error", err)
		} else {
			tracerProvider = tp
			slog.Info("✅ Tracing initialized", "collector", cfg.OTELCollectorAddr)
		}
	}

	// --- Room Keys ---
	ring := keyring.New()
	if cfg.RoomKeysFile != "" {
		n, err := ring.LoadFile(cfg.RoomKeysFile)
		if err != nil {
			return fmt.Errorf("loading room keys: %w", err)
		}
		slog.Info("✅ Room keys loaded", "file", cfg.RoomKeysFile, "count", n)
	}

	// --- Redis Bus Initialization (Optional) ---
	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis, running in single-instance mode", "error", err)
			busService = nil // Fallback to single-instance mode
		} else {
			slog.Info("✅ Redis pub/sub initialized for cross-instance fanout", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	// --- Persistence (Optional) ---
	// The store pulls snapshots back out of the registry it serves, so the
	// snapshot closure binds to a registry variable filled in just below.
	var reg *room.Registry
	var st *store.Store
	if cfg.PersistenceEnabled() {
		st, err = store.New(cfg.PersistenceDir, ring, func(name types.RoomNameType) ([]byte, bool) {
			return reg.SnapshotFor(name)
		}, store.Options{Debounce: cfg.DebounceFlush, Ceiling: cfg.FlushCeiling})
		if err != nil {
			return fmt.Errorf("opening snapshot store: %w", err)
		}
		// Documents restore lazily on first join; the scan is an inventory
		// check, surfacing an unreadable volume before clients do.
		persisted, err := st.ListRooms()
		if err != nil {
			return fmt.Errorf("scanning snapshot store: %w", err)
		}
		slog.Info("✅ Encrypted persistence enabled", "dir", cfg.PersistenceDir, "snapshots", len(persisted))
	} else {
		slog.Info("Persistence disabled, documents live in memory only")
	}

	var busForRooms types.BusService
	if busService != nil {
		busForRooms = busService
	}
	reg = room.NewRegistry(room.Config{
		MaxUpdateBytes: cfg.MaxUpdateBytes,
		IdleTimeout:    cfg.IdleRoomTimeout,
	}, st, busForRooms)

	// --- Outbound Bridge (Optional) ---
	var mgr *bridge.Manager
	if cfg.BridgeEnabled() {
		mgr, err = bridge.NewManager(bridge.Config{
			BaseURL:       cfg.RelayBaseURL,
			OutboundProxy: cfg.OutboundProxy,
		}, reg, ring)
		if err != nil {
			return fmt.Errorf("configuring bridge: %w", err)
		}
		reg.OnRoomCreated(mgr.RoomCreated)
		reg.OnRoomDestroyed(mgr.RoomDestroyed)
		mgr.Start(context.Background())
		slog.Info("✅ Outbound bridge enabled", "base_url", cfg.RelayBaseURL)
	}

	// --- WebSocket Hub ---
	rateLimiter, err := ratelimit.NewRateLimiter(cfg, busService.Client())
	if err != nil {
		return fmt.Errorf("configuring rate limiter: %w", err)
	}
	allowedOrigins := auth.ParseOrigins(cfg.AllowedOrigins)
	hub := transport.NewHub(reg, rateLimiter, allowedOrigins, cfg.MaxUpdateBytes)

	// --- Set up Server ---
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if tracerProvider != nil {
		router.Use(otelgin.Middleware("relay"))
	}
	if len(allowedOrigins) > 0 {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowOrigins = allowedOrigins
		router.Use(cors.New(corsCfg))
	}

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(busService, cfg.PersistenceDir)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	// Local key-delivery channel
	if cfg.SidecarChannel {
		var notifier sidecar.BridgeNotifier
		if mgr != nil {
			notifier = mgr
		}
		channel := sidecar.New(ring, reg, notifier)
		router.GET("/sidecar/keys", channel.ServeKeys)
		slog.Info("✅ Sidecar key channel enabled", "path", "/sidecar/keys")
	}

	// Room endpoint last: static routes above win over the parameter.
	router.GET("/:room", hub.ServeWs)

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	reg.StartSweeper(sweepCtx)

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("Relay listening", "addr", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down relay...")

	// The context gives in-flight work 30 seconds to finish.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop the sweeper before the registry shuts down; Shutdown waits for it.
	stopSweeper()

	// Close every room, flushing dirty documents, and drop the clients.
	hub.Shutdown(ctx)

	// Retire bridge links after the rooms are gone.
	if mgr != nil {
		mgr.Shutdown(ctx)
	}

	// Shutdown HTTP server
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	if st != nil {
		if err := st.Close(ctx); err != nil {
			slog.Error("Failed to close snapshot store:", "error", err)
		}
	}

	// Close Redis connection if it was initialized
	if busService != nil {
		if err := busService.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		}
	}

	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(ctx); err != nil {
			slog.Error("Failed to shut down tracer:", "error", err)
		}
	}

	slog.Info("Relay exiting")
	return nil
}
