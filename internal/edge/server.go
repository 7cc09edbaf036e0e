package edge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgepub/internal/admin"
	"github.com/danmuck/edgepub/internal/grant"
	"github.com/danmuck/edgepub/internal/hashing"
	"github.com/danmuck/edgepub/internal/observability"
	"github.com/danmuck/edgepub/internal/protocol"
	"github.com/danmuck/edgepub/internal/region"
	"github.com/danmuck/edgepub/internal/transport"
	"github.com/danmuck/edgepub/internal/usage"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	ErrGrantVerifierRequired = errors.New("edge: signer required unless unsigned hellos are allowed")
	ErrHandshake             = errors.New("edge: handshake failed")
	ErrServerClosed          = errors.New("edge: server closed")
)

// Ack reasons for rejected messages that are not auth reasons.
const (
	ReasonChannelMismatch = "channel_mismatch"
	ReasonRateLimited     = "rate_limited"
	ReasonSlowConsumer    = "slow_consumer"
)

// unsignedGrantTTL bounds grants synthesized from unsigned hellos.
const unsignedGrantTTL = 24 * time.Hour

// ServerConfig wires one edge node. Signer is required unless
// AllowUnsigned is set.
type ServerConfig struct {
	NodeID string
	Region region.Code

	Signer        *grant.Signer
	AllowUnsigned bool

	Registry *admin.Registry
	Usage    usage.Reporter
	// Hasher fingerprints grant tokens for logs.
	Hasher hashing.Hasher

	RateLimit rate.Limit
	RateBurst int
	SendQueue int

	HandshakeTimeout time.Duration
	PingInterval     time.Duration

	Logger zerolog.Logger
	Now    func() time.Time
}

// DefaultServerConfig returns edge defaults for a development node.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		NodeID:           "edge.local",
		RateLimit:        50,
		RateBurst:        100,
		SendQueue:        256,
		HandshakeTimeout: 5 * time.Second,
		PingInterval:     20 * time.Second,
	}
}

// Server accepts connections and routes frames between them.
type Server struct {
	cfg      ServerConfig
	registry *admin.Registry
	usage    usage.Reporter
	hasher   hashing.Hasher
	log      zerolog.Logger
	now      func() time.Time
	started  time.Time

	stopAdmin func()

	mu     sync.RWMutex
	closed bool
	peers  map[*peer]struct{}
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Signer == nil && !cfg.AllowUnsigned {
		return nil, ErrGrantVerifierRequired
	}
	def := DefaultServerConfig()
	if strings.TrimSpace(cfg.NodeID) == "" {
		cfg.NodeID = def.NodeID
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = def.RateBurst
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = def.SendQueue
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.Registry == nil {
		cfg.Registry = admin.NewRegistry()
	}
	if cfg.Usage == nil {
		cfg.Usage = usage.Nop{}
	}
	if cfg.Hasher == nil {
		cfg.Hasher = hashing.NewBlake3(hashing.SessionDomain, 8)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Server{
		cfg:      cfg,
		registry: cfg.Registry,
		usage:    cfg.Usage,
		hasher:   cfg.Hasher,
		log:      cfg.Logger.With().Str("component", "edge").Str("node", cfg.NodeID).Logger(),
		now:      cfg.Now,
		started:  cfg.Now(),
		peers:    make(map[*peer]struct{}),
	}
	s.stopAdmin = s.registry.Subscribe(s.broadcastAdmin)
	return s, nil
}

func (s *Server) NodeID() string            { return s.cfg.NodeID }
func (s *Server) Region() region.Code       { return s.cfg.Region }
func (s *Server) Registry() *admin.Registry { return s.registry }
func (s *Server) Uptime() time.Duration     { return s.now().Sub(s.started) }

func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Close disconnects every peer and stops admin fan-out. ServeConn calls
// made afterwards fail with ErrServerClosed.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	s.stopAdmin()
	for _, p := range peers {
		p.cancel()
	}
}

// ServeConn runs one connection to completion: handshake, then the read
// loop on the calling goroutine and a writer goroutine draining the send
// queue. conn is always closed on return.
func (s *Server) ServeConn(ctx context.Context, conn transport.Conn) error {
	defer conn.Close()

	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	f, err := conn.Recv(hctx)
	cancel()
	if err != nil {
		observability.RecordHandshake(s.cfg.NodeID, "error")
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if f.Type != protocol.FrameHello {
		observability.RecordHandshake(s.cfg.NodeID, "error")
		return fmt.Errorf("%w: expected hello, got %s", ErrHandshake, f.Type)
	}

	g, err := s.authenticate(*f.Hello)
	if err != nil {
		s.reject(ctx, conn, err)
		return err
	}

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()
	sessionID := ulid.Make().String()
	p := newPeer(sessionID, g, s.cfg.SendQueue, s.cfg.RateLimit, s.cfg.RateBurst, connCancel)
	if err := s.register(p); err != nil {
		return err
	}
	defer s.unregister(p)

	log := s.log.With().
		Str("session_id", sessionID).
		Str("user_id", g.UserID).
		Str("project_id", g.ProjectID).
		Str("channel", g.Channel).
		Logger()
	if g.Token != "" {
		log = log.With().Str("grant", s.hasher.Sum([]byte(g.Token))).Logger()
	}
	log.Info().Strs("topics", g.Topics).Msg("session accepted")
	observability.RecordHandshake(s.cfg.NodeID, "accepted")
	s.report(g.ProjectID, protocol.UsageConnect, -1)

	go s.writeLoop(connCtx, p, conn, log)
	transport.KeepAlive(connCtx, conn, s.cfg.PingInterval)

	err = s.readLoop(connCtx, p, conn)
	if connCtx.Err() != nil {
		err = nil
	}
	log.Info().Err(err).Msg("session closed")
	return err
}

// authenticate turns a hello into a trusted grant or an AuthError.
func (s *Server) authenticate(h protocol.Hello) (grant.Grant, error) {
	now := s.now()
	var g grant.Grant
	if token := strings.TrimSpace(h.Token); token != "" {
		if s.cfg.Signer == nil {
			return grant.Grant{}, protocol.NewAuthError(protocol.ReasonInvalidGrant, "signed grants are not accepted by this edge")
		}
		parsed, err := s.cfg.Signer.Parse(token)
		if err != nil {
			return grant.Grant{}, err
		}
		g = parsed
		if err := g.Validate(); err != nil {
			return grant.Grant{}, err
		}
		if h.UserID != "" && h.UserID != g.UserID {
			return grant.Grant{}, protocol.NewAuthError(protocol.ReasonInvalidGrant, "hello user does not match grant")
		}
		if h.ProjectID != "" && h.ProjectID != g.ProjectID {
			return grant.Grant{}, protocol.NewAuthError(protocol.ReasonInvalidGrant, "hello project does not match grant")
		}
		if h.Channel != g.Channel {
			return grant.Grant{}, protocol.NewAuthError(protocol.ReasonInvalidGrant, "hello channel does not match grant")
		}
	} else {
		if !s.cfg.AllowUnsigned {
			return grant.Grant{}, protocol.NewAuthError(protocol.ReasonInvalidGrant, "grant token required")
		}
		g = grant.Grant{
			UserID:    strings.TrimSpace(h.UserID),
			ProjectID: strings.TrimSpace(h.ProjectID),
			Channel:   strings.TrimSpace(h.Channel),
			Topics:    h.Topics,
			IssuedAt:  now,
			ExpiresAt: now.Add(unsignedGrantTTL),
		}
		if err := g.Validate(); err != nil {
			return grant.Grant{}, err
		}
		g = g.Clone()
	}
	if g.Expired(now) {
		return grant.Grant{}, protocol.NewAuthError(protocol.ReasonExpiredGrant, "grant expired at %s", g.ExpiresAt.UTC().Format(time.RFC3339))
	}
	for _, topic := range h.Topics {
		if !g.Authorizes(topic) {
			return grant.Grant{}, protocol.NewAuthError(protocol.ReasonUnauthorizedTopic, "topic %q is not granted", topic)
		}
	}
	return g, nil
}

func (s *Server) reject(ctx context.Context, conn transport.Conn, err error) {
	ack := protocol.HelloAck{
		Status:      protocol.AckStatusRejected,
		Reason:      protocol.ReasonInvalidGrant,
		Message:     err.Error(),
		Region:      string(s.cfg.Region),
		TimestampMS: uint64(s.now().UnixMilli()),
	}
	var authErr *protocol.AuthError
	if errors.As(err, &authErr) {
		ack.Reason = authErr.Reason
		ack.Message = authErr.Message
	}
	observability.RecordHandshake(s.cfg.NodeID, "rejected_"+string(ack.Reason))
	s.log.Warn().Str("reason", string(ack.Reason)).Msg("session rejected")

	sctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	_ = conn.Send(sctx, protocol.HelloAckFrame(ack))
}

// register adds p and queues the project's current pauses followed by the
// accepted hello.ack. Holding s.mu across the snapshot keeps it ordered
// against concurrent admin broadcasts. The send queue grows to hold the
// whole snapshot since the writer has not started yet.
func (s *Server) register(p *peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	var frames []protocol.Frame
	for _, key := range s.registry.Snapshot() {
		if key.ProjectID != p.grant.ProjectID {
			continue
		}
		frames = append(frames, protocol.AdminFrame(protocol.AdminCommand{
			Command:   protocol.CommandPause,
			ProjectID: key.ProjectID,
			Channel:   key.Channel,
		}))
	}
	frames = append(frames, protocol.HelloAckFrame(protocol.HelloAck{
		Status:      protocol.AckStatusAccepted,
		SessionID:   p.sessionID,
		Region:      string(s.cfg.Region),
		TimestampMS: uint64(s.now().UnixMilli()),
	}))
	if need := len(frames) + s.cfg.SendQueue; cap(p.send) < need {
		p.send = make(chan protocol.Frame, need)
	}
	for _, f := range frames {
		if !p.enqueue(f) {
			return fmt.Errorf("%w: send queue full during registration", ErrHandshake)
		}
	}
	s.peers[p] = struct{}{}
	observability.AddConnections(s.cfg.NodeID, 1)
	return nil
}

func (s *Server) unregister(p *peer) {
	s.mu.Lock()
	_, ok := s.peers[p]
	delete(s.peers, p)
	s.mu.Unlock()
	if ok {
		observability.AddConnections(s.cfg.NodeID, -1)
	}
}

func (s *Server) writeLoop(ctx context.Context, p *peer, conn transport.Conn, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-p.send:
			if err := conn.Send(ctx, f); err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Msg("send failed")
				}
				p.cancel()
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, p *peer, conn transport.Conn) error {
	for {
		f, err := conn.Recv(ctx)
		if err != nil {
			return err
		}
		switch f.Type {
		case protocol.FrameSubscribe:
			s.handleSubscribe(p, *f.Subscribe)
		case protocol.FrameMessage:
			s.handleMessage(p, *f.Message)
		default:
			s.log.Debug().Str("session_id", p.sessionID).Str("type", string(f.Type)).Msg("unexpected frame ignored")
		}
	}
}

func (s *Server) handleSubscribe(p *peer, sub protocol.Subscribe) {
	ack := protocol.SubscribeAck{RequestID: sub.RequestID, Topic: sub.Topic, Status: protocol.AckStatusAccepted}
	switch {
	case !p.grant.Authorizes(sub.Topic):
		ack.Status = protocol.AckStatusRejected
		ack.Reason = protocol.ReasonUnauthorizedTopic
	case s.registry.Paused(p.grant.ProjectID, p.grant.Channel):
		ack.Status = protocol.AckStatusRejected
		ack.Reason = protocol.RejectPaused
	default:
		p.subscribe(sub.Topic)
		s.report(p.grant.ProjectID, protocol.UsageSubscribe, -1)
	}
	s.deliver(p, protocol.SubscribeAckFrame(ack))
}

func (s *Server) handleMessage(p *peer, env protocol.Envelope) {
	ack := protocol.Ack{ClientMsgID: env.ClientMsgID, Status: protocol.DeliveryError}
	switch {
	case env.Channel != p.grant.Channel:
		ack.Reason = ReasonChannelMismatch
	case !p.grant.Authorizes(env.Topic):
		ack.Reason = string(protocol.ReasonUnauthorizedTopic)
	case s.registry.Paused(p.grant.ProjectID, env.Channel):
		ack.Reason = string(protocol.RejectPaused)
	case !p.limiter.Allow():
		ack.Reason = ReasonRateLimited
	}
	if ack.Reason != "" {
		observability.RecordMessage(s.cfg.NodeID, ack.Status, ack.Reason, -1)
		s.deliver(p, protocol.AckFrame(ack))
		return
	}

	ack.Status = protocol.DeliverySent
	ack.ServerID = ulid.Make().String()
	env.ServerID = ack.ServerID
	env.TimestampMS = uint64(s.now().UnixMilli())
	// Ack before fan-out so the sender sees its own outcome first.
	s.deliver(p, protocol.AckFrame(ack))
	n := s.fanout(p, env)
	observability.RecordMessage(s.cfg.NodeID, ack.Status, "", n)
	s.report(p.grant.ProjectID, protocol.UsageMessage, len(env.Payload))
}

// fanout delivers env to every other peer subscribed to its topic in the
// sender's project and channel.
func (s *Server) fanout(from *peer, env protocol.Envelope) int {
	frame := protocol.MessageFrame(env)
	s.mu.RLock()
	targets := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		if p != from && p.matches(from.grant.ProjectID, env) {
			targets = append(targets, p)
		}
	}
	s.mu.RUnlock()

	delivered := 0
	for _, p := range targets {
		if s.deliver(p, frame) {
			delivered++
		}
	}
	return delivered
}

// deliver queues f on p, dropping p when its queue is full.
func (s *Server) deliver(p *peer, f protocol.Frame) bool {
	if p.enqueue(f) {
		return true
	}
	observability.RecordSlowConsumer(s.cfg.NodeID)
	s.log.Warn().Str("session_id", p.sessionID).Str("reason", ReasonSlowConsumer).Msg("peer dropped")
	p.cancel()
	return false
}

// broadcastAdmin forwards applied admin changes to the project's peers.
func (s *Server) broadcastAdmin(change admin.Change) {
	observability.RecordAdminCommand(s.cfg.NodeID, change.Command.Command, change.Changed)
	if !change.Changed {
		return
	}
	frame := protocol.AdminFrame(change.Command)
	s.mu.RLock()
	targets := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		if p.grant.ProjectID == change.Command.ProjectID {
			targets = append(targets, p)
		}
	}
	s.mu.RUnlock()
	for _, p := range targets {
		s.deliver(p, frame)
	}
	s.log.Info().
		Str("command", change.Command.Command).
		Str("target_project", change.Command.ProjectID).
		Str("target_channel", change.Command.Channel).
		Int("peers", len(targets)).
		Msg("admin command broadcast")
}

func (s *Server) report(projectID, event string, payloadLen int) {
	if strings.TrimSpace(projectID) == "" {
		return
	}
	ev := usage.Event(projectID, event, s.now())
	if payloadLen >= 0 {
		ev = usage.WithPayload(ev, payloadLen)
	}
	s.usage.Report(ev)
}
