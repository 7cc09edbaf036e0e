package client

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgepub/internal/admin"
	"github.com/danmuck/edgepub/internal/grant"
	"github.com/danmuck/edgepub/internal/hashing"
	"github.com/danmuck/edgepub/internal/protocol"
	"github.com/danmuck/edgepub/internal/protocol/reliability"
	"github.com/danmuck/edgepub/internal/region"
	"github.com/danmuck/edgepub/internal/status"
	"github.com/danmuck/edgepub/internal/transport"
	"github.com/danmuck/edgepub/internal/usage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is the connection lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
	StateFailed       State = "failed"
)

var (
	ErrClientClosed    = errors.New("client: closed")
	ErrSessionRequired = errors.New("client: session required")
	ErrDialerRequired  = errors.New("client: session has no dialer")
)

// Config wires a client. Session and one Router endpoint are required.
type Config struct {
	Session *grant.Session
	Router  region.Router
	// Continent and Location feed region selection.
	Continent string
	Location  region.Point

	Reliability reliability.Config
	// Registry may be shared between clients of one process.
	Registry *admin.Registry
	Usage    usage.Reporter
	// Hasher fingerprints APIKey for usage events.
	Hasher hashing.Hasher
	APIKey string

	Logger zerolog.Logger
	Now    func() time.Time
	NewID  func() string

	OnStateChange func(from, to State)
	OnStatus      func(tr status.Transition)
	OnMessage     func(env protocol.Envelope)
}

type subscribeWaiter struct {
	topic string
	ch    chan error
}

// Client is a single-connection publish/subscribe client. All methods are
// safe for concurrent use.
type Client struct {
	session   *grant.Session
	router    region.Router
	continent string
	location  region.Point
	rel       reliability.Config
	registry  *admin.Registry
	usage     usage.Reporter
	apiKeyID  string
	log       zerolog.Logger
	now       func() time.Time
	newID     func() string

	onStateChange func(from, to State)
	onStatus      func(tr status.Transition)
	onMessage     func(env protocol.Envelope)

	outbox  *reliability.Outbox
	tracker *status.Tracker

	rootCtx    context.Context
	rootCancel context.CancelFunc
	sweepOnce  sync.Once
	done       chan struct{}
	doneOnce   sync.Once

	mu         sync.Mutex
	state      State
	err        error
	gen        uint64
	conn       transport.Conn
	connCancel context.CancelFunc
	wake       chan struct{}
	region     region.Code
	endpoint   string
	sessionID  string
	subscribed map[string]bool
	waiters    map[string]subscribeWaiter
}

func New(cfg Config) (*Client, error) {
	if cfg.Session == nil {
		return nil, ErrSessionRequired
	}
	if cfg.Session.Dialer() == nil {
		return nil, ErrDialerRequired
	}
	if len(cfg.Router.Endpoints) == 0 && strings.TrimSpace(cfg.Router.Default) == "" {
		return nil, region.ErrNoEndpoint
	}
	if cfg.Registry == nil {
		cfg.Registry = admin.NewRegistry()
	}
	if cfg.Usage == nil {
		cfg.Usage = usage.Nop{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	rel := cfg.Reliability.WithDefaults()
	rootCtx, rootCancel := context.WithCancel(context.Background())

	c := &Client{
		session:       cfg.Session,
		router:        cfg.Router,
		continent:     cfg.Continent,
		location:      cfg.Location,
		rel:           rel,
		registry:      cfg.Registry,
		usage:         cfg.Usage,
		apiKeyID:      usage.APIKeyID(cfg.Hasher, cfg.APIKey),
		now:           cfg.Now,
		newID:         cfg.NewID,
		onStateChange: cfg.OnStateChange,
		onStatus:      cfg.OnStatus,
		onMessage:     cfg.OnMessage,
		outbox:        reliability.NewOutbox(rel.QueueCapacity),
		tracker:       status.NewTracker(),
		rootCtx:       rootCtx,
		rootCancel:    rootCancel,
		done:          make(chan struct{}),
		state:         StateIdle,
		subscribed:    make(map[string]bool),
		waiters:       make(map[string]subscribeWaiter),
	}
	c.log = cfg.Logger.With().
		Str("component", "client").
		Str("user_id", cfg.Session.UserID()).
		Str("project_id", cfg.Session.ProjectID()).
		Str("channel", cfg.Session.Channel()).
		Logger()
	return c, nil
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the client reaches closed or failed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error after failed, otherwise nil.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Region returns the region and endpoint of the current connection.
func (c *Client) Region() (region.Code, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.region, c.endpoint
}

func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Subscriptions returns acknowledged topics, sorted.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscribed))
	for topic := range c.subscribed {
		out = append(out, topic)
	}
	slices.Sort(out)
	return out
}

func (c *Client) Message(id string) (status.Message, bool) {
	return c.tracker.Get(id)
}

// Messages returns every tracked message in publish order.
func (c *Client) Messages() []status.Message {
	return c.tracker.Snapshot()
}

// Pending returns the number of unacknowledged queued messages.
func (c *Client) Pending() int {
	return c.outbox.Len()
}

// Registry returns the pause registry this client honors.
func (c *Client) Registry() *admin.Registry {
	return c.registry
}

// SyncStatuses reconciles externally reported statuses keyed by client
// message id. Re-running it with the same batch has no effect.
func (c *Client) SyncStatuses(updates map[string]status.Update) []status.Transition {
	transitions := c.tracker.ApplyBatch(updates)
	for _, tr := range transitions {
		c.outbox.Remove(tr.ID)
	}
	c.emitTransitions(transitions)
	return transitions
}

func (c *Client) setStateLocked(to State) (State, bool) {
	from := c.state
	if from == to {
		return from, false
	}
	c.state = to
	return from, true
}

// notifyState runs outside c.mu so callbacks may call back into the client.
func (c *Client) notifyState(from, to State, changed bool) {
	if !changed {
		return
	}
	c.log.Info().Str("from", string(from)).Str("to", string(to)).Msg("client state changed")
	if c.onStateChange != nil {
		c.onStateChange(from, to)
	}
}

func (c *Client) emitTransitions(transitions []status.Transition) {
	if c.onStatus == nil {
		return
	}
	for _, tr := range transitions {
		c.onStatus(tr)
	}
}

func (c *Client) report(event string, payloadLen int) {
	ev := usage.Event(c.session.ProjectID(), event, c.now())
	ev.APIKeyID = c.apiKeyID
	if payloadLen >= 0 {
		ev = usage.WithPayload(ev, payloadLen)
	}
	c.usage.Report(ev)
}

func newTicker(d time.Duration) *time.Ticker {
	if d <= 0 {
		d = reliability.DefaultConfig().SweepInterval
	}
	return time.NewTicker(d)
}
