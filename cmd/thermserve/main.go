// Package main is the entry point for thermserve, the self-hosted
// thermostat cloud backend.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/thermserve/thermserve/internal/authz"
	"github.com/thermserve/thermserve/internal/buildinfo"
	"github.com/thermserve/thermserve/internal/config"
	"github.com/thermserve/thermserve/internal/devicestate"
	"github.com/thermserve/thermserve/internal/integrations"
	"github.com/thermserve/thermserve/internal/mqttbridge"
	"github.com/thermserve/thermserve/internal/objectstore"
	"github.com/thermserve/thermserve/internal/protocol"
	"github.com/thermserve/thermserve/internal/reconciler"
	"github.com/thermserve/thermserve/internal/subscriptions"
	"github.com/thermserve/thermserve/internal/watchdog"
	"github.com/thermserve/thermserve/internal/weathercache"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flag.NArg() == 0 {
		printUsage()
		return
	}

	switch flag.Arg(0) {
	case "serve":
		runServe(logger, *configPath)
	case "status":
		runStatus(logger, *configPath)
	case "version":
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("thermserve - self-hosted thermostat cloud backend")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the device protocol and status servers")
	fmt.Println("  status   Query a running server's /healthz endpoint")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

// runServe wires the full core: object store, authorization reader,
// weather cache, availability watchdog, subscription manager,
// integration bus (MQTT bridge factory), device state service,
// cross-device reconciler, device protocol server, and status server.
func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting thermserve", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded", "path", cfgPath, "listen_port", cfg.Listen.Port, "status_port", cfg.StatusListen.Port)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	store, err := objectstore.Open(cfg.Database.Path, logger)
	if err != nil {
		logger.Error("failed to open object store", "path", cfg.Database.Path, "error", err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("object store opened", "path", cfg.Database.Path)

	az := authz.New(store.DB())
	if err := az.Migrate(); err != nil {
		logger.Error("failed to migrate authz tables", "error", err)
		os.Exit(1)
	}

	weather := weathercache.New(store.DB())
	if err := weather.Migrate(); err != nil {
		logger.Error("failed to migrate weather cache", "error", err)
		os.Exit(1)
	}

	subs := subscriptions.New()

	wd := watchdog.New(
		time.Duration(cfg.Watchdog.TimeoutMS)*time.Millisecond,
		time.Duration(cfg.Watchdog.CheckIntervalMS)*time.Millisecond,
		logger,
		watchdog.WithActiveSerials(subs.GetActiveSerials),
	)

	// state is assigned below, once its own constructor (which needs
	// integ) has run. The factory closure reads it through this
	// variable, not by value, so it only needs to be valid by the time
	// integrations actually start (after state is assigned, below).
	var state *devicestate.Service
	integ := integrations.NewManager(func(userID string) (integrations.Instance, error) {
		return mqttbridge.New(cfg.MQTT, userID, cfg.DataDir, state, az, logger), nil
	}, logger)

	state = devicestate.New(store, wd, subs, integ, az.UsersEntitled, logger)

	recon := reconciler.New(store, az, weather, logger)
	state.SetDeviceChangeHook(func(serial string) {
		if err := recon.OnDeviceChange(serial); err != nil {
			logger.Warn("reconciler failed", "serial", serial, "error", err)
		}
	})

	wd.SetAvailabilityChangeHandler(func(serial string, available bool) {
		users, err := az.UsersEntitled(serial)
		if err != nil {
			logger.Warn("availability dispatch: entitlement lookup failed", "serial", serial, "error", err)
			return
		}
		if available {
			integ.DispatchConnected(serial, users)
		} else {
			integ.DispatchDisconnected(serial, users)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wd.Start(ctx)
	defer wd.Stop()

	startIntegrationsForOwners(ctx, store.DB(), integ, logger)

	deviceServer := protocol.New(cfg.Listen, cfg.RateLimit, state, subs, az,
		time.Duration(cfg.Subscription.DefaultTimeoutMS)*time.Millisecond, logger)

	statusServer := newStatusServer(cfg.StatusListen, wd, integ, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		integ.StopAll(context.Background())
		_ = statusServer.Shutdown(context.Background())
	}()

	go func() {
		if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status server failed", "error", err)
		}
	}()

	if err := deviceServer.Start(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Error("device protocol server failed", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("thermserve stopped")
}

// startIntegrationsForOwners starts an MQTT bridge for every userID
// that owns at least one device. Per-user integration enablement
// administration is out of scope for the core; every owner gets the
// reference integration by default.
func startIntegrationsForOwners(ctx context.Context, db *sql.DB, integ *integrations.Manager, logger *slog.Logger) {
	rows, err := db.Query(`SELECT DISTINCT user_id FROM device_owners`)
	if err != nil {
		logger.Warn("failed to enumerate device owners for integration startup", "error", err)
		return
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			logger.Warn("failed to scan device owner row", "error", err)
			continue
		}
		userIDs = append(userIDs, id)
	}

	for _, userID := range userIDs {
		if err := integ.Start(ctx, userID); err != nil {
			logger.Warn("failed to start integration", "user", userID, "error", err)
		}
	}
}

type healthResponse struct {
	OK             bool     `json:"ok"`
	Version        string   `json:"version"`
	Uptime         string   `json:"uptime"`
	DevicesKnown   int      `json:"devices_known"`
	DevicesOnline  int      `json:"devices_online"`
	IntegrationsUp []string `json:"integrations_active"`
}

func newStatusServer(cfg config.StatusListenConfig, wd *watchdog.Watchdog, integ *integrations.Manager, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		total, available := wd.Counts()
		resp := healthResponse{
			OK:             true,
			Version:        buildinfo.Version,
			Uptime:         buildinfo.Uptime().String(),
			DevicesKnown:   total,
			DevicesOnline:  available,
			IntegrationsUp: integ.ActiveUsers(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Address, cfg.Port)
	logger.Info("status server listening", "addr", addr)
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// runStatus queries a running server's /healthz endpoint and prints
// the result. It does not open the database itself — this is a thin
// client for operators, not an alternate entry into the core.
func runStatus(logger *slog.Logger, configPath string) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	addr := cfg.StatusListen.Address
	if addr == "" {
		addr = "127.0.0.1"
	}
	url := fmt.Sprintf("http://%s:%d/healthz", addr, cfg.StatusListen.Port)

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status request failed: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		fmt.Fprintf(os.Stderr, "failed to decode status response: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("version:        %s\n", health.Version)
	fmt.Printf("uptime:         %s\n", health.Uptime)
	fmt.Printf("devices known:  %d\n", health.DevicesKnown)
	fmt.Printf("devices online: %d\n", health.DevicesOnline)
	fmt.Printf("integrations:   %v\n", health.IntegrationsUp)
}
