package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/xuxu777xu/CodePilot-sub000/internal/agent"
	"github.com/xuxu777xu/CodePilot-sub000/internal/event"
	"github.com/xuxu777xu/CodePilot-sub000/internal/logging"
	"github.com/xuxu777xu/CodePilot-sub000/internal/permission"
	"github.com/xuxu777xu/CodePilot-sub000/internal/storage"
	"github.com/xuxu777xu/CodePilot-sub000/internal/stream"
	"github.com/xuxu777xu/CodePilot-sub000/pkg/mcpserver/approval"
	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

// Config holds server configuration.
type Config struct {
	Hostname     string
	Port         int
	Directory    string
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Hostname:     "127.0.0.1",
		Port:         4096,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No write timeout for streaming responses
	}
}

// Deps are the collaborators a Server is built from.
type Deps struct {
	// Agent answers /chat. When nil it is built from the agent configuration
	// once the server address is known.
	Agent agent.Agent
	// Agents builds Agent. Defaults to the built-in agents.
	Agents *agent.Registry
	// Audit records permission outcomes. Defaults to no audit.
	Audit storage.AuditStore
	// Notes carries notifications. A private bus is created when nil.
	Notes *event.Bus
}

// Server is the HTTP server.
type Server struct {
	config    *Config
	router    *chi.Mux
	httpSrv   *http.Server
	appConfig *types.Config

	agents      *agent.Registry
	audit       storage.AuditStore
	notes       *event.Bus
	ownNotes    bool
	permissions *permission.Coordinator
	transport   *stream.HTTPTransport
	registry    *stream.Registry
	turns       *turnHub
	mcp         http.Handler

	mu      sync.RWMutex
	agent   agent.Agent
	baseURL string
}

// New creates a new Server instance.
func New(cfg *Config, appConfig *types.Config, deps Deps) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if appConfig == nil {
		appConfig = &types.Config{}
	}
	if deps.Agents == nil {
		deps.Agents = agent.NewRegistry()
	}
	if deps.Audit == nil {
		deps.Audit = storage.NopAudit{}
	}

	s := &Server{
		config:    cfg,
		router:    chi.NewRouter(),
		appConfig: appConfig,
		agents:    deps.Agents,
		audit:     deps.Audit,
		notes:     deps.Notes,
		agent:     deps.Agent,
		turns:     newTurnHub(),
	}
	if s.notes == nil {
		s.notes = event.NewBus()
		s.ownNotes = true
	}

	policy, err := permission.NewPolicy(appConfig.Permission.Allow, appConfig.Permission.Deny, cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("permission rules: %w", err)
	}
	s.permissions = permission.NewCoordinator(permission.Config{
		Timeout:    appConfig.Permission.Timeout.Std(),
		Policy:     policy,
		Audit:      s.audit,
		OnResolved: s.permissionResolved,
	})

	s.transport = stream.NewHTTPTransport("")
	s.registry = stream.NewRegistry(stream.RegistryConfig{
		Transport: s.transport,
		Responder: s.transport,
		Options:   stream.OptionsFromConfig(appConfig.Stream),
		Notes:     s.notes,
	})
	s.mcp = approval.NewHTTPHandler(approval.ApproverFunc(s.approve))

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// Recover expires permission requests left pending by a previous process.
func (s *Server) Recover(ctx context.Context) error {
	return s.permissions.Recover(ctx)
}

func (s *Server) permissionResolved(r permission.Resolution) {
	s.notes.Notify(event.PermissionResolved, r.Request.SessionID, event.PermissionResolvedData{
		ID:       r.Request.ID,
		ToolName: r.Request.ToolName,
		Behavior: r.Decision.Behavior,
		Status:   r.Status,
		Message:  r.Decision.Message,
	})
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	// Request ID
	s.router.Use(middleware.RequestID)

	// Logging
	s.router.Use(requestLogger)

	// Recover from panics
	s.router.Use(middleware.Recoverer)

	// Real IP
	s.router.Use(middleware.RealIP)

	// CORS
	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", approval.SessionHeader, "Mcp-Session-Id"},
			ExposedHeaders:   []string{"X-Request-ID", "Mcp-Session-Id"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// requestLogger logs each request through zerolog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("requestID", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// Bind records the address the server is reachable at. The stream registry
// and the agent's MCP configuration use it.
func (s *Server) Bind(baseURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.baseURL = baseURL
	s.transport.BaseURL = baseURL
	if s.agent != nil {
		return nil
	}
	a, err := s.agents.New(s.appConfig.Agent, agent.Env{
		MCPURL:  baseURL + "/mcp",
		WorkDir: s.config.Directory,
	})
	if err != nil {
		return err
	}
	s.agent = a
	logging.Info().Str("agent", a.Name()).Str("url", baseURL).Msg("Agent ready")
	return nil
}

func (s *Server) currentAgent() agent.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agent
}

// Listen binds the configured address.
func (s *Server) Listen() (net.Listener, error) {
	addr := net.JoinHostPort(s.config.Hostname, fmt.Sprint(s.config.Port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	host := s.config.Hostname
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := s.Bind(fmt.Sprintf("http://%s", net.JoinHostPort(host, fmt.Sprint(port)))); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// Serve serves HTTP on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.httpSrv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	err := s.httpSrv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Start listens on the configured address and serves.
func (s *Server) Start() error {
	l, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// URL returns the address passed to Bind.
func (s *Server) URL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseURL
}

// Registry returns the UI-facing stream registry.
func (s *Server) Registry() *stream.Registry { return s.registry }

// Notes returns the notification bus.
func (s *Server) Notes() *event.Bus { return s.notes }

// Shutdown stops background turns, denies pending permission requests and
// shuts the HTTP server down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.registry.Close()
	s.permissions.Close()

	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	if s.ownNotes {
		s.notes.Close()
	}
	return err
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
