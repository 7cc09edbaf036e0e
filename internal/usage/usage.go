package usage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgepub/internal/hashing"
	"github.com/danmuck/edgepub/internal/protocol"
	"github.com/rs/zerolog"
)

// Reporter accepts usage events without blocking.
type Reporter interface {
	Report(ev protocol.UsageEvent)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Report(protocol.UsageEvent) {}

// Func adapts a function into a Reporter.
type Func func(ev protocol.UsageEvent)

func (f Func) Report(ev protocol.UsageEvent) { f(ev) }

// Event builds a usage event stamped at now.
func Event(projectID, event string, now time.Time) protocol.UsageEvent {
	return protocol.UsageEvent{
		ProjectID:   projectID,
		Event:       event,
		TimestampMS: uint64(now.UnixMilli()),
	}
}

// WithPayload sets the optional payload length.
func WithPayload(ev protocol.UsageEvent, n int) protocol.UsageEvent {
	ev.PayloadLength = &n
	return ev
}

// APIKeyID fingerprints a raw api key so it can be reported without
// leaking the key itself.
func APIKeyID(h hashing.Hasher, apiKey string) string {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" || h == nil {
		return ""
	}
	return "key_" + h.Sum([]byte(apiKey))
}

// Sink delivers one event; it may block.
type Sink interface {
	Send(ctx context.Context, ev protocol.UsageEvent) error
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(ctx context.Context, ev protocol.UsageEvent) error

func (f SinkFunc) Send(ctx context.Context, ev protocol.UsageEvent) error { return f(ctx, ev) }

var ErrReporterClosed = errors.New("usage: reporter closed")

type AsyncConfig struct {
	Sink        Sink
	Buffer      int
	SendTimeout time.Duration
	Logger      zerolog.Logger
}

// Async queues events for a single background sender. When the queue is
// full the event is dropped and counted.
type Async struct {
	sink        Sink
	queue       chan protocol.UsageEvent
	sendTimeout time.Duration
	log         zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Uint64
	failed  atomic.Uint64
	sent    atomic.Uint64
}

func NewAsync(cfg AsyncConfig) *Async {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Second
	}
	a := &Async{
		sink:        cfg.Sink,
		queue:       make(chan protocol.UsageEvent, cfg.Buffer),
		sendTimeout: cfg.SendTimeout,
		log:         cfg.Logger.With().Str("component", "usage").Logger(),
		done:        make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Report(ev protocol.UsageEvent) {
	if err := ev.Validate(); err != nil {
		a.log.Debug().Err(err).Msg("usage event rejected")
		a.dropped.Add(1)
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.queue <- ev:
	default:
		a.dropped.Add(1)
	}
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.queue {
		if a.sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), a.sendTimeout)
		err := a.sink.Send(ctx, ev)
		cancel()
		if err != nil {
			a.failed.Add(1)
			a.log.Warn().Err(err).Str("project_id", ev.ProjectID).Str("event", ev.Event).Msg("usage send failed")
			continue
		}
		a.sent.Add(1)
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to end.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports sent, failed and dropped counts.
func (a *Async) Stats() (sent, failed, dropped uint64) {
	return a.sent.Load(), a.failed.Load(), a.dropped.Load()
}

// marshal is shared by sinks that ship JSON.
func marshal(ev protocol.UsageEvent) ([]byte, error) {
	return json.Marshal(ev)
}
