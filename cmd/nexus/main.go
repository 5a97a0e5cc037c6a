// Package main is the CLI entrypoint for Nexus. It provides subcommands for
// running the server (serve), managing database migrations (migrate), and
// printing version information (version). The serve command loads
// configuration, connects to PostgreSQL and (optionally) NATS, loads the
// instance's federation key pair, mounts the federation/gateway/voice HTTP
// surface, and handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pion/webrtc/v4"

	"github.com/nexus-chat/nexus/internal/auth"
	"github.com/nexus-chat/nexus/internal/config"
	"github.com/nexus-chat/nexus/internal/database"
	"github.com/nexus-chat/nexus/internal/eventbus"
	"github.com/nexus-chat/nexus/internal/federation"
	"github.com/nexus-chat/nexus/internal/gateway"
	"github.com/nexus-chat/nexus/internal/httpserver"
	"github.com/nexus-chat/nexus/internal/relay"
	"github.com/nexus-chat/nexus/internal/sfu"
	"github.com/nexus-chat/nexus/internal/voice"
	"github.com/nexus-chat/nexus/internal/voicestate"
)

// Build-time variables set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "migrate":
		if err := runMigrate(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		runVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// printUsage prints the CLI usage information.
func printUsage() {
	fmt.Println("Nexus — Federated Chat and Voice Platform")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  nexus <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the Nexus server")
	fmt.Println("  migrate   Run database migrations")
	fmt.Println("  version   Print version information")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  nexus.toml (or set NEXUS_CONFIG_PATH)")
	fmt.Println("  Env prefix:   NEXUS_ (e.g. NEXUS_DATABASE_URL)")
}

// runServe starts the full Nexus server: loads config, connects to
// PostgreSQL, loads the federation key pair, mounts the federation, gateway,
// and voice signaling HTTP surfaces, and handles graceful shutdown on
// SIGINT/SIGTERM.
func runServe() error {
	logger := setupLogger("info", "json")
	nodeID := ulid.Make().String()

	logger.Info("starting Nexus",
		slog.String("version", version),
		slog.String("node_id", nodeID),
	)

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger = setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", slog.String("path", cfgPath))

	ctx := context.Background()

	db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := database.MigrateUp(cfg.Database.URL, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	// Federation identity: load or generate this instance's Ed25519 signing
	// key pair.
	keyMgr := federation.NewKeyManager(db.Pool, logger)
	keyPair, err := keyMgr.LoadOrGenerate(ctx)
	if err != nil {
		return fmt.Errorf("loading federation key pair: %w", err)
	}
	logger.Info("federation key pair ready", slog.String("key_id", keyPair.KeyID))

	discovery := federation.NewDiscoveryCache()
	fedClient := federation.NewClient(cfg.Instance.Domain, keyPair, discovery, logger)

	bus := eventbus.New()

	fedIngress := federation.NewIngress(cfg.Instance.Domain, fedClient, db.Pool, bus, logger)
	fedServer := federation.NewServer(cfg.Instance.Domain, keyMgr, keyPair, fedIngress)

	// Optional cluster relay: mirrors the Event Bus across nodes over NATS
	// JetStream when configured. Single-process
	// deployments leave relay.url unset and skip this entirely.
	if cfg.Relay.URL != "" {
		relayBus, err := relay.New(cfg.Relay.URL, logger)
		if err != nil {
			return fmt.Errorf("connecting to relay: %w", err)
		}
		defer relayBus.Close()
		if err := relayBus.EnsureStreams(); err != nil {
			return fmt.Errorf("ensuring relay streams: %w", err)
		}
		bridge := relay.NewBridge(bus, relayBus, nodeID, logger)
		if err := bridge.Start(ctx); err != nil {
			return fmt.Errorf("starting relay bridge: %w", err)
		}
		logger.Info("cluster relay bridge started", slog.String("url", cfg.Relay.URL))
	}

	// Voice: the authoritative state registry and the SFU room manager.
	voiceState := voicestate.New()

	localIP := net.ParseIP(cfg.SFU.LocalIP)
	iceServers := make([]webrtc.ICEServer, 0, len(cfg.SFU.ICEServer))
	for _, url := range cfg.SFU.ICEServer {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}
	sfuMgr := sfu.NewManager(sfu.Config{
		LocalIP:    localIP,
		ICEServers: iceServers,
		Logger:     logger,
	})

	// Optional cross-node session registry: records session_id -> node_id
	// in Redis/DragonflyDB so a multi-node deployment can route
	// session-scoped actions to the node actually holding the connection
	// Single-process deployments leave cache.url
	// unset and the gateway falls back to its in-memory Manager alone.
	var gatewayRegistry *gateway.Registry
	if cfg.Cache.URL != "" {
		gatewayRegistry, err = gateway.NewRegistry(cfg.Cache.URL, nodeID, logger)
		if err != nil {
			return fmt.Errorf("connecting to gateway session registry: %w", err)
		}
		defer gatewayRegistry.Close()
	}

	validator := auth.NewJWTValidator(cfg.Auth.JWTSecret)

	voiceServer := voice.NewServer(voice.Config{
		SFUManager: sfuMgr,
		VoiceState: voiceState,
		Bus:        bus,
		Validator:  validator,
		ICEServers: cfg.SFU.ICEServer,
		Logger:     logger,
	})

	gw := gateway.NewServer(gateway.Config{
		Bus:       bus,
		Validator: validator,
		Logger:    logger,
		Registry:  gatewayRegistry,
	})

	srv := httpserver.New(cfg, logger)
	fedServer.Routes(srv.Router)
	srv.Router.Handle("/gateway", gw)
	srv.Router.Handle("/voice", voiceServer)

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-shutdownCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("Nexus stopped")
	return nil
}

// runMigrate handles the migrate subcommand with up/down/status operations.
func runMigrate() error {
	logger := setupLogger("info", "text")

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	action := "up"
	if len(os.Args) >= 3 {
		action = os.Args[2]
	}

	switch action {
	case "up":
		return database.MigrateUp(cfg.Database.URL, logger)
	case "down":
		return database.MigrateDown(cfg.Database.URL, logger)
	case "status":
		v, dirty, err := database.MigrateStatus(cfg.Database.URL)
		if err != nil {
			return err
		}
		fmt.Printf("Migration version: %d\n", v)
		fmt.Printf("Dirty: %v\n", dirty)
		return nil
	default:
		return fmt.Errorf("unknown migrate action: %s (use: up, down, status)", action)
	}
}

// runVersion prints version information and exits.
func runVersion() {
	fmt.Printf("Nexus %s\n", version)
	fmt.Printf("  commit:     %s\n", commit)
	fmt.Printf("  built:      %s\n", buildDate)
}

// configPath returns the config file path from NEXUS_CONFIG_PATH env var
// or the default "nexus.toml".
func configPath() string {
	if p := os.Getenv("NEXUS_CONFIG_PATH"); p != "" {
		return p
	}
	return "nexus.toml"
}

// setupLogger creates a slog.Logger with the given level and format.
func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
