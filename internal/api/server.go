package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/tag-gateway/internal/audit"
	"github.com/nerrad567/tag-gateway/internal/device"
	"github.com/nerrad567/tag-gateway/internal/infrastructure/config"
	"github.com/nerrad567/tag-gateway/internal/infrastructure/database"
	"github.com/nerrad567/tag-gateway/internal/infrastructure/logging"
	"github.com/nerrad567/tag-gateway/internal/live"
	"github.com/nerrad567/tag-gateway/internal/metrics"
	"github.com/nerrad567/tag-gateway/internal/registration"
	"github.com/nerrad567/tag-gateway/internal/telemetry"
)

// gracefulShutdownTimeout bounds how long Close waits for in-flight requests.
const gracefulShutdownTimeout = 10 * time.Second

// TelemetryIngester accepts decoded readings. telemetry.Path satisfies it.
type TelemetryIngester interface {
	Accept(ctx context.Context, r telemetry.Reading) (telemetry.Report, error)
}

// RegistrationSubmitter starts registration attempts.
// registration.Orchestrator satisfies it.
type RegistrationSubmitter interface {
	Submit(req registration.Request) (string, error)
}

// DeviceAdmin is the store surface behind the administrative endpoints.
// device.SQLiteRepository satisfies it.
type DeviceAdmin interface {
	GetDevice(ctx context.Context, id string) (*device.DeviceRecord, error)
	GetGateway(ctx context.Context, id string) (*device.GatewayRecord, error)
	CreateDevice(ctx context.Context, id string) error
	CreateGateway(ctx context.Context, id, name string) error
	ListDevicesByGateway(ctx context.Context, gatewayID string) ([]string, error)
}

// ReadingLister serves recent readings. telemetry.SQLiteStore satisfies it.
type ReadingLister interface {
	ListByDevice(ctx context.Context, deviceID string, limit int) ([]telemetry.Reading, error)
}

// AttemptLister serves registration attempt history.
// audit.SQLiteRepository satisfies it.
type AttemptLister interface {
	List(ctx context.Context, filter audit.Filter) (*audit.ListResult, error)
}

// ConnectionStatus reports a transport's connection state.
type ConnectionStatus interface {
	IsConnected() bool
}

// Deps wires the server. Logger, Telemetry, Registrations and Router are
// required.
type Deps struct {
	Config        config.APIConfig
	WS            config.WebSocketConfig
	Security      config.SecurityConfig
	Logger        *logging.Logger
	Telemetry     TelemetryIngester
	Registrations RegistrationSubmitter
	Router        *live.Router
	Devices       DeviceAdmin   // administrative endpoints are mounted only with this
	Readings      ReadingLister // set when telemetry is stored in SQLite
	Attempts      AttemptLister
	DB            *database.DB // health and pool statistics
	MQTT          ConnectionStatus
	Metrics       *metrics.Metrics
	Version       string
}

// ErrMissingDependency is returned by New when a required Deps field is nil.
var ErrMissingDependency = errors.New("api: missing dependency")

func (d Deps) validate() error {
	var missing []string
	for name, ok := range map[string]bool{
		"Logger":        d.Logger != nil,
		"Telemetry":     d.Telemetry != nil,
		"Registrations": d.Registrations != nil,
		"Router":        d.Router != nil,
	} {
		if !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	slices.Sort(missing)
	return fmt.Errorf("%w: %s", ErrMissingDependency, strings.Join(missing, ", "))
}

// Server serves the relay webhook, the live-view socket, the admin API and
// /metrics.
type Server struct {
	cfg           config.APIConfig
	wsCfg         config.WebSocketConfig
	secCfg        config.SecurityConfig
	logger        *logging.Logger
	telemetry     TelemetryIngester
	registrations RegistrationSubmitter
	router        *live.Router
	devices       DeviceAdmin
	readings      ReadingLister
	attempts      AttemptLister
	db            *database.DB
	mqtt          ConnectionStatus
	metrics       *metrics.Metrics
	version       string
	startTime     time.Time
	hub           *Hub

	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc // stops the hub
}

// New builds a server and its WebSocket hub. Nothing listens until Start.
func New(deps Deps) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:           deps.Config,
		wsCfg:         deps.WS,
		secCfg:        deps.Security,
		logger:        deps.Logger,
		telemetry:     deps.Telemetry,
		registrations: deps.Registrations,
		router:        deps.Router,
		devices:       deps.Devices,
		readings:      deps.Readings,
		attempts:      deps.Attempts,
		db:            deps.DB,
		mqtt:          deps.MQTT,
		metrics:       deps.Metrics,
		version:       deps.Version,
		startTime:     time.Now(),
	}
	s.hub = NewHub(s.wsCfg, s.logger, s.router)
	s.router.SetPusher(s.hub)
	return s, nil
}

// Hub returns the server's WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start binds the listen address and serves in the background. A bind
// failure is returned here rather than logged later.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln

	var hubCtx context.Context
	hubCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(hubCtx)

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       config.Seconds(s.cfg.Timeouts.Read),
		ReadHeaderTimeout: config.Seconds(s.cfg.Timeouts.Read),
		WriteTimeout:      config.Seconds(s.cfg.Timeouts.Write),
		IdleTimeout:       config.Seconds(s.cfg.Timeouts.Idle),
	}

	tls := s.cfg.TLS
	s.logger.Info("API server starting", "address", ln.Addr().String(), "tls", tls.Enabled)
	go func() {
		var err error
		if tls.Enabled {
			err = s.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops the hub and waits up to gracefulShutdownTimeout for
// in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck fails until Start has bound the listener.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	if s.server == nil {
		return errors.New("api server not started")
	}
	return nil
}
