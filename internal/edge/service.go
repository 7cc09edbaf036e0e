package edge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/edgepub/internal/admin"
	"github.com/danmuck/edgepub/internal/auth"
	"github.com/danmuck/edgepub/internal/grant"
	"github.com/danmuck/edgepub/internal/hashing"
	"github.com/danmuck/edgepub/internal/protocol/reliability"
	"github.com/danmuck/edgepub/internal/region"
	"github.com/danmuck/edgepub/internal/usage"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	ErrHTTPAddrRequired   = errors.New("edge: http listen address required")
	ErrAdminTokenRequired = errors.New("edge: admin token required when admin surfaces are enabled")
)

// ServiceConfig configures a standalone edge node.
type ServiceConfig struct {
	NodeID   string
	Region   string
	HTTPAddr string
	// AdminAddr enables the TCP JSON-line control endpoint.
	AdminAddr  string
	AdminToken string

	GrantSecret   string
	AllowUnsigned bool

	RateLimit float64
	RateBurst int
	SendQueue int

	CORSOrigins    []string
	OriginPatterns []string
	// Endpoints maps region codes to public websocket endpoints.
	Endpoints map[string]string

	// NATSURL enables the shared admin stream and the usage sink.
	NATSURL     string
	Projects    []string
	UsageBuffer int

	Transport       reliability.Config
	ShutdownTimeout time.Duration
}

// DefaultServiceConfig returns defaults for a single development node.
func DefaultServiceConfig() ServiceConfig {
	srv := DefaultServerConfig()
	return ServiceConfig{
		NodeID:          srv.NodeID,
		Region:          string(region.WNAM),
		HTTPAddr:        ":8080",
		AllowUnsigned:   false,
		RateLimit:       float64(srv.RateLimit),
		RateBurst:       srv.RateBurst,
		SendQueue:       srv.SendQueue,
		UsageBuffer:     1024,
		Transport:       reliability.DefaultConfig(),
		ShutdownTimeout: 10 * time.Second,
	}
}

// Service runs one edge node: the http surface, the optional control
// endpoint, and the optional nats admin stream and usage sink.
type Service struct {
	cfg      ServiceConfig
	log      zerolog.Logger
	registry *admin.Registry
	server   *Server
	handler  http.Handler
	control  *admin.ControlServer

	nc     *nats.Conn
	stream *admin.Stream
	usage  *usage.Async
}

// NewService wires a node from cfg. A NATS connection is opened here so
// misconfiguration fails before anything listens.
func NewService(cfg ServiceConfig, logger zerolog.Logger) (*Service, error) {
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		return nil, ErrHTTPAddrRequired
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultServiceConfig().ShutdownTimeout
	}
	cfg.Transport = cfg.Transport.WithDefaults()
	if err := cfg.Transport.ValidateServerTransport(); err != nil {
		return nil, err
	}
	code, err := region.ParseCode(cfg.Region)
	if err != nil {
		return nil, err
	}
	adminEnabled := strings.TrimSpace(cfg.AdminAddr) != ""
	if adminEnabled && strings.TrimSpace(cfg.AdminToken) == "" {
		return nil, ErrAdminTokenRequired
	}

	var signer *grant.Signer
	if strings.TrimSpace(cfg.GrantSecret) != "" {
		signer, err = grant.NewSigner([]byte(cfg.GrantSecret))
		if err != nil {
			return nil, err
		}
	}

	s := &Service{
		cfg:      cfg,
		log:      logger.With().Str("component", "edge.service").Str("node", cfg.NodeID).Logger(),
		registry: admin.NewRegistry(),
	}

	var reporter usage.Reporter = usage.Nop{}
	commands := ApplyLocally(s.registry)
	if strings.TrimSpace(cfg.NATSURL) != "" {
		s.nc, err = admin.ConnectNATS(cfg.NATSURL, cfg.NodeID, logger)
		if err != nil {
			return nil, fmt.Errorf("edge: connect nats: %w", err)
		}
		s.stream = admin.NewStream(admin.StreamConfig{
			Registry:   s.registry,
			Subscriber: s.nc,
			Publisher:  s.nc,
			Logger:     logger,
		})
		s.usage = usage.NewAsync(usage.AsyncConfig{
			Sink:   usage.NATSSink{Conn: s.nc},
			Buffer: cfg.UsageBuffer,
			Logger: logger,
		})
		reporter = s.usage
		commands = PublishToStream(s.stream)
	}

	s.server, err = NewServer(ServerConfig{
		NodeID:           cfg.NodeID,
		Region:           code,
		Signer:           signer,
		AllowUnsigned:    cfg.AllowUnsigned,
		Registry:         s.registry,
		Usage:            reporter,
		Hasher:           hashing.NewBlake3(hashing.SessionDomain, 8),
		RateLimit:        rate.Limit(cfg.RateLimit),
		RateBurst:        cfg.RateBurst,
		SendQueue:        cfg.SendQueue,
		HandshakeTimeout: cfg.Transport.HandshakeTimeout,
		PingInterval:     cfg.Transport.PingInterval,
		Logger:           logger,
	})
	if err != nil {
		s.closeNATS()
		return nil, err
	}

	var validator auth.Validator
	if strings.TrimSpace(cfg.AdminToken) != "" {
		validator = auth.StaticToken{Token: cfg.AdminToken}
	}
	endpoints, err := buildRouter(cfg.Endpoints)
	if err != nil {
		s.closeNATS()
		return nil, err
	}
	s.handler = NewRouter(s.server, RouterConfig{
		Logger:         logger,
		CORSOrigins:    cfg.CORSOrigins,
		OriginPatterns: cfg.OriginPatterns,
		WriteTimeout:   cfg.Transport.WriteTimeout,
		Endpoints:      endpoints,
		Admin:          validator,
		Commands:       commands,
	})
	if adminEnabled {
		s.control = admin.NewControlServer(admin.ControlConfig{
			Registry:  s.registry,
			Validator: validator,
			Logger:    logger,
		})
	}
	return s, nil
}

func buildRouter(raw map[string]string) (region.Router, error) {
	r := region.Router{Endpoints: make(map[region.Code]string, len(raw))}
	for k, endpoint := range raw {
		code, err := region.ParseCode(k)
		if err != nil {
			return region.Router{}, err
		}
		r.Endpoints[code] = endpoint
	}
	return r, nil
}

func (s *Service) Server() *Server           { return s.server }
func (s *Service) Handler() http.Handler     { return s.handler }
func (s *Service) Registry() *admin.Registry { return s.registry }

// Run serves until ctx ends or a component fails, then shuts everything
// down within ShutdownTimeout.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("edge: listen %s: %w", s.cfg.HTTPAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	tlsCfg, err := s.cfg.Transport.ServerTLSConfig()
	if err != nil {
		_ = ln.Close()
		return err
	}
	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         tlsCfg,
	}

	if s.stream != nil {
		if err := s.stream.Start(s.cfg.Projects...); err != nil {
			_ = ln.Close()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info().
			Str("addr", ln.Addr().String()).
			Str("region", string(s.server.Region())).
			Bool("tls", tlsCfg != nil).
			Msg("edge listening")
		var err error
		if tlsCfg != nil {
			err = httpServer.ServeTLS(ln, "", "")
		} else {
			err = httpServer.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	if s.control != nil {
		g.Go(func() error {
			return s.control.Serve(gctx, s.cfg.AdminAddr)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		s.server.Close()
		err := httpServer.Shutdown(shutdownCtx)
		s.shutdownAux(shutdownCtx)
		return err
	})

	err = g.Wait()
	s.log.Info().Err(err).Msg("edge stopped")
	return err
}

func (s *Service) shutdownAux(ctx context.Context) {
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			s.log.Warn().Err(err).Msg("admin stream close failed")
		}
	}
	if s.usage != nil {
		if err := s.usage.Close(ctx); err != nil {
			s.log.Warn().Err(err).Msg("usage flush incomplete")
		}
	}
	s.closeNATS()
}

func (s *Service) closeNATS() {
	if s.nc == nil {
		return
	}
	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
	}
}
