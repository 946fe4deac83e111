package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/twinline-core/internal/alerts"
	"github.com/nerrad567/twinline-core/internal/audit"
	"github.com/nerrad567/twinline-core/internal/auth"
	"github.com/nerrad567/twinline-core/internal/command"
	"github.com/nerrad567/twinline-core/internal/fleet"
	"github.com/nerrad567/twinline-core/internal/infrastructure/config"
	"github.com/nerrad567/twinline-core/internal/infrastructure/logging"
	"github.com/nerrad567/twinline-core/internal/twin"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Fleet is the device lifecycle surface the API drives. *fleet.Manager
// satisfies it.
type Fleet interface {
	Start(name string) error
	Stop(ctx context.Context, name string) error
	State(name string) (fleet.DeviceStatus, error)
	All() []fleet.DeviceStatus
	Running() []fleet.DeviceStatus
	Stopped() []fleet.DeviceStatus
	OnChange(fn func(fleet.Event))
}

// DeadLetters lists dead-lettered alerts. *alerts.SQLiteDeadLetters
// satisfies it.
type DeadLetters interface {
	List(ctx context.Context, limit int) ([]alerts.DeadLetter, error)
}

// HealthChecker is a dependency probed by the health endpoint.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server. Invoker,
// DeadLetters, Audit, Gatherer and Health are optional.
type Deps struct {
	Config      config.APIConfig
	WS          config.WebSocketConfig
	Security    config.SecurityConfig
	Logger      *logging.Logger
	Fleet       Fleet
	Twins       twin.Store
	Operators   *auth.Directory
	Invoker     command.Invoker
	DeadLetters DeadLetters
	Audit       audit.Store
	Gatherer    prometheus.Gatherer
	Health      map[string]HealthChecker
	Version     string
}

// Server is the admin HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	secCfg      config.SecurityConfig
	logger      *logging.Logger
	fleet       Fleet
	twins       twin.Store
	operators   *auth.Directory
	invoker     command.Invoker
	deadLetters DeadLetters
	audit       audit.Store
	auditCh     chan *audit.Entry
	gatherer    prometheus.Gatherer
	health      map[string]HealthChecker
	version     string
	startTime   time.Time

	hub     *Hub
	tickets *ticketStore

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, fleet, twins, operators)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Fleet == nil {
		return nil, fmt.Errorf("fleet is required")
	}
	if deps.Twins == nil {
		return nil, fmt.Errorf("twin store is required")
	}
	if deps.Operators == nil {
		return nil, fmt.Errorf("operator directory is required")
	}

	s := &Server{
		cfg:         deps.Config,
		wsCfg:       deps.WS,
		secCfg:      deps.Security,
		logger:      deps.Logger,
		fleet:       deps.Fleet,
		twins:       deps.Twins,
		operators:   deps.Operators,
		invoker:     deps.Invoker,
		deadLetters: deps.DeadLetters,
		audit:       deps.Audit,
		gatherer:    deps.Gatherer,
		health:      deps.Health,
		version:     deps.Version,
		startTime:   time.Now(),
		tickets:     newTicketStore(ticketTTL),
	}
	s.hub = NewHub(s.wsCfg, s.logger)
	if s.audit != nil {
		s.auditCh = make(chan *audit.Entry, auditChanSize)
	}

	// Fleet transitions are relayed to WebSocket subscribers.
	s.fleet.OnChange(func(ev fleet.Event) {
		s.hub.Broadcast(ChannelFleet, ev)
	})

	return s, nil
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, ticket cleanup and audit writer, binds the listener and
// serves in a background goroutine. The server can be stopped with Close().
//
// Parameters:
//   - ctx: Parent context for background goroutines
//
// Returns:
//   - error: If the listener cannot be bound (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	srvCtx, cancel := context.WithCancel(ctx)

	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port)))
	if err != nil {
		cancel()
		return fmt.Errorf("binding API listener: %w", err)
	}

	go s.hub.Run(srvCtx)
	go s.tickets.run(srvCtx)
	if s.auditCh != nil {
		go s.drainAudit(srvCtx)
	}

	srv := &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", ln.Addr().String(),
				"cert", s.cfg.TLS.CertFile,
			)
			err = srv.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

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

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	s.mu.Lock()
	srv, cancel := s.server, s.cancel
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	// Stops the hub, ticket cleanup and audit writer.
	cancel()

	ctx, stop := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer stop()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
