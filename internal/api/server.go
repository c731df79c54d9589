package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/wemos-relay/internal/audit"
	"github.com/nerrad567/wemos-relay/internal/gateway"
	"github.com/nerrad567/wemos-relay/internal/infrastructure/config"
	"github.com/nerrad567/wemos-relay/internal/infrastructure/database"
	"github.com/nerrad567/wemos-relay/internal/infrastructure/influxdb"
	"github.com/nerrad567/wemos-relay/internal/infrastructure/logging"
	"github.com/nerrad567/wemos-relay/internal/metrics"
)

// gracefulShutdownTimeout bounds how long Close waits for in-flight requests.
const gracefulShutdownTimeout = 10 * time.Second

// ConnectionChecker reports whether an optional backend link is up.
// *mqtt.Client satisfies it.
type ConnectionChecker interface {
	IsConnected() bool
}

// TelemetryStats reports the telemetry sink's counters. *influxdb.Client
// satisfies it.
type TelemetryStats interface {
	Stats() influxdb.Stats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Gateway  *gateway.Gateway

	// Optional.
	Audit    audit.Repository
	Commands CommandRecorders
	Metrics  *metrics.Metrics
	MQTT     ConnectionChecker
	Influx   TelemetryStats
	DB       *database.DB
	Version  string
}

// Server is the HTTP and WebSocket server.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	gateway   *gateway.Gateway
	auditRepo audit.Repository
	commands  CommandRecorders
	metrics   *metrics.Metrics
	mqtt      ConnectionChecker
	influx    TelemetryStats
	db        *database.DB
	version   string
	startTime time.Time

	upgrader websocket.Upgrader
	handler  http.Handler
	server   *http.Server

	// baseCtx outlives individual requests; WebSocket sessions and
	// controller commands run under it.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a server. It is not listening until Start is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		gateway:   deps.Gateway,
		auditRepo: deps.Audit,
		commands:  deps.Commands,
		metrics:   deps.Metrics,
		mqtt:      deps.MQTT,
		influx:    deps.Influx,
		db:        deps.DB,
		version:   deps.Version,
		startTime: time.Now(),
		baseCtx:   context.Background(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.isAllowedOrigin(origin)
		},
	}
	s.handler = s.buildRouter()

	return s, nil
}

// Handler returns the fully wired router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close stops accepting connections and waits for in-flight HTTP requests.
// Hijacked WebSocket connections are not tracked by net/http; the gateway
// closes those on Shutdown.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	err := s.server.Shutdown(ctx)
	if s.cancel != nil {
		s.cancel()
	}
	if err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck reports whether the server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
