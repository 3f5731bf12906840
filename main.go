// Command streamwatch monitors Twitch channels and records their live streams.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Maintains an EventSub WebSocket for live transitions, falling back to
//     periodic reconcile polling when the socket is down.
//   - Launches and supervises streamlink capture processes per live channel.
//   - Exposes an HTTP API with the streamer registry, OAuth login, health
//     probes, /metrics, and WebSocket push for app and console observers.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nazarein/streamwatch/broadcast"
	"github.com/nazarein/streamwatch/capture"
	"github.com/nazarein/streamwatch/config"
	"github.com/nazarein/streamwatch/credstore"
	"github.com/nazarein/streamwatch/db"
	"github.com/nazarein/streamwatch/eventsub"
	"github.com/nazarein/streamwatch/monitor"
	"github.com/nazarein/streamwatch/server"
	"github.com/nazarein/streamwatch/telemetry"
	"github.com/nazarein/streamwatch/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}

	// The observer hub mirrors log lines to console WebSocket sessions; tee
	// the default logger through it before anything starts logging.
	hub := broadcast.NewHub()
	slog.SetDefault(slog.New(broadcast.NewLogHandler(handler, hub)))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("streamwatch", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations (golang-migrate) first; embedded SQL as fallback
	// for deployments predating the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting embedded SQL fallback",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go hub.Run(ctx)

	// Credential store. When TOKEN_REFRESH_URL points at a hosted relay the
	// client secret stays off this box; otherwise refresh directly against
	// the Twitch token endpoint.
	var refreshFn credstore.RefreshFunc = func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		var res *twitchapi.RefreshResult
		var err error
		if cfg.TokenRefreshURL != "" {
			res, err = twitchapi.RefreshViaRelay(rctx, cfg.TokenRefreshURL, refreshToken)
		} else {
			res, err = twitchapi.RefreshToken(rctx, cfg.TokenURL, cfg.TwitchClientID, cfg.TwitchClientSecret, refreshToken)
		}
		if err != nil {
			return "", "", time.Time{}, "", err
		}
		return res.AccessToken, res.RefreshToken, twitchapi.ComputeExpiry(res.ExpiresIn), strings.Join(res.Scope, " "), nil
	}
	cred := credstore.New(database, refreshFn, cfg.TokenRefreshMargin)
	go cred.Run(ctx, cfg.TokenRefreshMargin)

	// EventSub manager over the Helix subscription API, authenticated with
	// the stored user token.
	esAPI := &twitchapi.EventSubClient{
		BaseURL:   cfg.HelixURL,
		ClientID:  cfg.TwitchClientID,
		UserToken: cred,
	}
	subs := eventsub.NewManager(eventsub.Options{
		WSURL:            cfg.EventSubWSURL,
		KeepaliveTimeout: cfg.EventSubKeepaliveTimeout,
		MaxRetries:       cfg.EventSubMaxRetries,
	}, esAPI)
	cred.OnRefresh(subs.HandleTokenRefresh)
	go subs.Run(ctx)

	// Capture orchestrator. The status callback closes over mon, which is
	// created right after; no transition fires before mon.Load runs.
	var mon *monitor.Monitor
	captures := capture.New(capture.Options{
		Command:       cfg.CaptureCommand,
		DataDir:       cfg.DataDir,
		MaxConcurrent: cfg.MaxConcurrentCaptures,
		MaxAttempts:   cfg.CaptureMaxAttempts,
		MinRuntime:    cfg.CaptureMinRuntime,
		StopTimeout:   cfg.CaptureStopTimeout,
		Cooldown:      cfg.CaptureCooldown,
	}, func(streamer string, status capture.Status) {
		mon.OnCaptureStatus(streamer, status)
	})

	mon = monitor.New(monitor.Deps{
		DB:       database,
		Subs:     subs,
		Captures: captures,
		Hub:      hub,
		Channels: &twitchapi.GQLClient{URL: cfg.GQLURL},
		Fallback: &twitchapi.HelixClient{
			BaseURL:   cfg.HelixURL,
			ClientID:  cfg.TwitchClientID,
			UserToken: cred,
			AppTokenSource: &twitchapi.TokenSource{
				ClientID:     cfg.TwitchClientID,
				ClientSecret: cfg.TwitchClientSecret,
				TokenURL:     cfg.TokenURL,
			},
		},
		Tokens:            cred,
		Credentials:       cred,
		Events:            subs.Events(),
		ReconcileInterval: cfg.ReconcileInterval,
	})
	if err := mon.Load(ctx); err != nil {
		slog.Error("registry load failed", slog.Any("err", err))
		os.Exit(1)
	}
	go mon.Run(ctx)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (registry API, OAuth, health, metrics, observer sockets)
	h := server.NewHandlers(database, cfg, mon, hub, cred)
	go func() {
		if err := server.Start(ctx, h, cfg.ListenAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal, then stop captures so partial recordings
	// are flushed before the process exits.
	<-ctx.Done()
	slog.Info("shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.CaptureStopTimeout+5*time.Second)
	defer cancel()
	captures.StopAll(stopCtx)
}
