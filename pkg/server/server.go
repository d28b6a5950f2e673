// Package server assembles the relay: the HTTP surface with the WebSocket
// upgrade endpoint, webhook registration, health and metrics routes, plus
// the per-connection read loops and the heartbeat sweep.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/getrelayd/relayd/pkg/auth"
	"github.com/getrelayd/relayd/pkg/config"
	"github.com/getrelayd/relayd/pkg/logging"
	"github.com/getrelayd/relayd/pkg/message"
	"github.com/getrelayd/relayd/pkg/metrics"
	"github.com/getrelayd/relayd/pkg/notification"
	"github.com/getrelayd/relayd/pkg/relay"
	"github.com/getrelayd/relayd/pkg/rpc"
	"github.com/getrelayd/relayd/pkg/socket"
	"github.com/getrelayd/relayd/pkg/storage"
	"github.com/getrelayd/relayd/pkg/subscription"
)

// Version is stamped by the build; the hello route reports it.
var Version = "dev"

// Plain-text notices sent for frames the relay cannot process.
const (
	noticeMissingData    = "Missing or invalid socket data"
	noticeInvalidMessage = "Socket message is invalid"
)

type serverMetrics struct {
	registry          *metrics.Registry
	connectionsTotal  *metrics.Counter
	connectionsActive *metrics.Gauge
	framesReceived    *metrics.Counter
	framesThrottled   *metrics.Counter
	framesInvalid     *metrics.Counter
	helloHits         *metrics.Counter
}

func newServerMetrics() *serverMetrics {
	r := metrics.NewRegistry()
	return &serverMetrics{
		registry:          r,
		connectionsTotal:  r.NewCounter("relayd_connections_total", "Total WebSocket connections accepted"),
		connectionsActive: r.NewGauge("relayd_connections_active", "Currently open WebSocket connections"),
		framesReceived:    r.NewCounter("relayd_frames_received_total", "Inbound WebSocket frames read"),
		framesThrottled:   r.NewCounter("relayd_frames_throttled_total", "Inbound frames dropped by the rate limit"),
		framesInvalid:     r.NewCounter("relayd_frames_invalid_total", "Inbound frames that were not valid payloads"),
		helloHits:         r.NewCounter("relayd_hello_total", "Hits on the hello route"),
	}
}

// Server is the assembled relay service.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	store    storage.Store
	manager  *socket.Manager
	relay    *relay.Relay
	notifier *notification.Registry
	authn    *auth.Authenticator
	metrics  *serverMetrics

	upgrader   websocket.Upgrader
	handler    http.Handler
	httpServer *http.Server

	heartbeatDone chan struct{}
}

// New wires the relay from configuration. With Redis disabled the server
// runs on the in-memory store.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	var store storage.Store
	if cfg.Redis.Enabled {
		redis, err := storage.NewRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		store = redis
	} else {
		store = storage.NewMemory()
	}

	maxTTL := time.Duration(cfg.MaxTTLSeconds) * time.Second
	msgStore := message.NewStore(store, logger, maxTTL)
	manager := socket.NewManager(logger, cfg.Throttle.Limit, time.Duration(cfg.Throttle.WindowSeconds)*time.Second)
	delivery := message.NewDelivery(msgStore, manager, logger)
	subs := subscription.NewRegistry(logger)
	notifier := notification.NewRegistry(store, logger)
	core := relay.New(msgStore, delivery, subs, manager, notifier, logger, maxTTL)

	s := &Server{
		cfg:      cfg,
		logger:   logging.Component(logger, "server"),
		store:    store,
		manager:  manager,
		relay:    core,
		notifier: notifier,
		authn:    auth.NewAuthenticator(logger),
		metrics:  newServerMetrics(),
		upgrader: websocket.Upgrader{
			// Relay clients are native apps and SDKs, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		heartbeatDone: make(chan struct{}),
	}

	manager.SetCloseHandler(func(socketID string) {
		core.HandleClose(socketID)
		s.metrics.connectionsActive.Dec()
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleUpgrade)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /hello", s.handleHello)
	mux.Handle("GET /metrics", s.metrics.registry.Handler())
	mux.HandleFunc("POST /subscribe", s.handleWebhookSubscribe)
	s.handler = mux

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
	}
	return s, nil
}

// Handler exposes the HTTP surface, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start launches the fan-out listener, the heartbeat sweep, and the HTTP
// listener. It returns once the listener is up; ListenAndServe failures are
// reported on the returned channel.
func (s *Server) Start(ctx context.Context) (<-chan error, error) {
	if err := s.relay.Start(ctx); err != nil {
		return nil, err
	}
	go s.heartbeat(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.httpServer.Addr, "version", Version)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh, nil
}

// Shutdown stops the HTTP listener, closes every connection, and releases
// the store.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	close(s.heartbeatDone)
	s.manager.CloseAll()
	s.relay.Stop()
	if cerr := s.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (s *Server) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.HeartbeatSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.manager.Sweep()
		case <-ctx.Done():
			return
		case <-s.heartbeatDone:
			return
		}
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	clientID, err := s.authn.Identify(r)
	if err != nil {
		http.Error(w, "invalid auth token", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug("upgrade failed", "error", err)
		return
	}

	conn := socket.NewConnection(ws, clientID)
	conn.SetPongHandler(func() { s.manager.MarkAlive(conn.ID()) })
	s.manager.Register(conn)
	s.metrics.connectionsTotal.Inc()
	s.metrics.connectionsActive.Inc()

	// The request context dies when the handler returns on a hijacked
	// connection, so the read loop gets a detached one.
	go s.readLoop(context.WithoutCancel(r.Context()), conn)
}

// readLoop drains one connection until it errors out. Every frame is
// throttled before any processing; a frame that is not a JSON-RPC payload
// gets a plain-text notice instead of tearing the connection down.
func (s *Server) readLoop(ctx context.Context, conn *socket.Connection) {
	defer s.manager.Close(conn.ID())

	for {
		data, err := conn.Read()
		if err != nil {
			return
		}
		s.metrics.framesReceived.Inc()

		if err := s.manager.Throttle(conn.ID()); err != nil {
			s.metrics.framesThrottled.Inc()
			continue
		}

		if len(strings.TrimSpace(string(data))) == 0 {
			s.manager.Send(conn.ID(), noticeMissingData)
			continue
		}

		if err := s.relay.OnPayload(ctx, conn.ID(), data); err != nil {
			if errors.Is(err, rpc.ErrInvalidPayload) {
				s.metrics.framesInvalid.Inc()
				s.manager.Send(conn.ID(), noticeInvalidMessage)
				continue
			}
			s.logger.Warn("processing payload", "socketId", conn.ID(), "error", err)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHello(w http.ResponseWriter, _ *http.Request) {
	s.metrics.helloHits.Inc()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Hello World, this is relayd %s", Version)
}

type webhookSubscribeBody struct {
	Topic   string `json:"topic"`
	Webhook string `json:"webhook"`
}

func (s *Server) handleWebhookSubscribe(w http.ResponseWriter, r *http.Request) {
	var body webhookSubscribeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Topic == "" || body.Webhook == "" {
		http.Error(w, "topic and webhook are required", http.StatusBadRequest)
		return
	}

	if err := s.notifier.Register(r.Context(), body.Topic, body.Webhook); err != nil {
		s.logger.Error("registering webhook", "topic", body.Topic, "error", err)
		http.Error(w, "failed to register webhook", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"success": true})
}
