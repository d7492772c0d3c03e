package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/Iivinh/chat-realtime/pkg/fanout"
	"github.com/Iivinh/chat-realtime/pkg/otelhelper"
	"github.com/Iivinh/chat-realtime/pkg/presence"
	"github.com/Iivinh/chat-realtime/pkg/queue"
	"github.com/Iivinh/chat-realtime/pkg/relay"
	"github.com/Iivinh/chat-realtime/pkg/session"
)

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// browser clients connect from a separate origin; auth happens at the
	// identify step against the external user store
	CheckOrigin: func(r *http.Request) bool { return true },
}

func main() {
	ctx := context.Background()

	// Initialize OpenTelemetry
	otelShutdown, err := otelhelper.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	meter := otel.Meter("gateway-service")
	connectionsGauge, _ := meter.Int64UpDownCounter("gateway_connections",
		metric.WithDescription("Currently open client connections"))
	acceptCounter, _ := meter.Int64Counter("gateway_connections_total",
		metric.WithDescription("Total accepted client connections"))

	natsURL := envOrDefault("NATS_URL", "nats://localhost:4222")
	natsUser := envOrDefault("NATS_USER", "gateway-service")
	natsPass := envOrDefault("NATS_PASS", "gateway-service-secret")
	port := envOrDefault("PORT", "5000")
	presenceBackend := envOrDefault("PRESENCE_BACKEND", "nats")

	slog.Info("Starting Gateway Service", "nats_url", natsURL, "port", port)

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(natsURL,
			nats.UserInfo(natsUser, natsPass),
			nats.Name("gateway-service"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
			}),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	// Presence registry: shared KV store, never a per-process map
	var registry presence.Registry
	switch presenceBackend {
	case "redis":
		redisURL := envOrDefault("REDIS_URL", "redis://localhost:6379")
		registry, err = presence.NewRedisRegistry(ctx, redisURL)
	default:
		var js jetstream.JetStream
		js, err = jetstream.New(nc)
		if err == nil {
			registry, err = presence.NewNATSRegistry(ctx, js)
		}
	}
	if err != nil {
		slog.Error("Failed to initialize presence registry", "backend", presenceBackend, "error", err)
		os.Exit(1)
	}
	slog.Info("Presence registry ready", "backend", presenceBackend)

	// Durable delivery queue (stream created here so the gateway can enqueue
	// before the persist worker has ever started)
	q, err := queue.New(ctx, nc)
	if err != nil {
		slog.Error("Failed to initialize delivery queue", "error", err)
		os.Exit(1)
	}
	slog.Info("JetStream stream ready", "stream", queue.StreamName)

	orchestrator := relay.New(registry, fanout.NewBus(nc), q)
	hub := session.NewHub()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}

		connID := uuid.NewString()
		acceptCounter.Add(r.Context(), 1)
		connectionsGauge.Add(r.Context(), 1)
		slog.Info("Client connected", "conn", connID, "remote", r.RemoteAddr)

		// one goroutine per connection; Run blocks until the transport closes
		s := session.New(connID, registry, orchestrator)
		hub.Add(s)
		go func() {
			defer connectionsGauge.Add(context.Background(), -1)
			defer hub.Remove(connID)
			s.Run(context.Background(), conn, nc)
		}()
	})

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("Gateway listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down gateway service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	// close sessions before draining: unregister still needs the connection
	hub.CloseAll(shutdownCtx)
	nc.Drain()
	slog.Info("Gateway service shutdown complete")
}
