package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/devicestore"
	"github.com/nerrad567/gray-logic-ble/internal/gateway"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// ModuleSource reports the running modules. *gateway.Registry implements it.
type ModuleSource interface {
	Metrics() []gateway.ModuleMetrics
}

// BusStatus reports message bus connectivity. *mqtt.Client implements it.
type BusStatus interface {
	IsConnected() bool
}

// HealthChecker is an infrastructure dependency probed by /health.
// *database.DB and *influxdb.Client implement it.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	Logger  *logging.Logger
	Modules ModuleSource

	// Devices enables the /devices endpoints. Optional.
	Devices devicestore.Store

	// MQTT is reported by /health. Optional.
	MQTT BusStatus

	// Checks are run by /health, keyed by the name reported. Optional.
	Checks map[string]HealthChecker

	// Hub streams telemetry to WebSocket clients. When nil the server
	// creates one; attach it to the broker to feed it.
	Hub *Hub

	GatewayID string
	Version   string
}

// Server is the gateway management API.
//
// It exposes module metrics, the device document store and a WebSocket
// telemetry stream.
type Server struct {
	cfg       config.APIConfig
	logger    *logging.Logger
	modules   ModuleSource
	devices   devicestore.Store
	mqtt      BusStatus
	checks    map[string]HealthChecker
	hub       *Hub
	gatewayID string
	version   string
	secret    []byte
	started   time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

// New creates a new API server with the given dependencies.
// The server is not started until Start is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, ErrNilLogger
	}
	if deps.Modules == nil {
		return nil, ErrNilModules
	}

	hub := deps.Hub
	if hub == nil {
		hub = NewHub(deps.Config.WebSocket, deps.Logger)
	}

	s := &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		modules:   deps.Modules,
		devices:   deps.Devices,
		mqtt:      deps.MQTT,
		checks:    deps.Checks,
		hub:       hub,
		gatewayID: deps.GatewayID,
		version:   deps.Version,
	}
	if deps.Config.JWTSecret != "" {
		s.secret = []byte(deps.Config.JWTSecret)
	}
	return s, nil
}

// Hub returns the telemetry hub served on /api/v1/ws.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start binds the listener and serves in the background.
// Bind errors are returned directly.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("api: listening on %s: %w", s.cfg.Address(), err)
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.started = time.Now()
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.ReadTimeout(),
		ReadHeaderTimeout: s.cfg.ReadTimeout(),
		WriteTimeout:      s.cfg.WriteTimeout(),
		IdleTimeout:       s.cfg.IdleTimeout(),
	}

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server listening",
		"address", ln.Addr().String(),
		"auth", s.secret != nil,
		"device_store", s.devices != nil,
	)
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server, waiting up to 10 seconds for
// in-flight requests.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	cancel := s.cancel
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	ctx, done := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer done()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return ErrNotStarted
	}
	return nil
}
