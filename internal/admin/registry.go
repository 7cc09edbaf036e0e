package admin

import (
	"slices"
	"strings"
	"sync"

	"github.com/danmuck/edgepub/internal/protocol"
)

// Key names one paused scope. An empty Channel covers the whole project.
type Key struct {
	ProjectID string `json:"project_id"`
	Channel   string `json:"channel,omitempty"`
}

// Change is delivered to listeners for every applied command, in receipt order.
type Change struct {
	Seq     uint64
	Command protocol.AdminCommand
	Changed bool
}

// Registry tracks paused project channels. Safe for concurrent use.
type Registry struct {
	// applyMu serializes Apply including listener delivery.
	applyMu sync.Mutex

	mu        sync.RWMutex
	paused    map[Key]struct{}
	seq       uint64
	listeners map[int]func(Change)
	nextID    int
}

func NewRegistry() *Registry {
	return &Registry{
		paused:    make(map[Key]struct{}),
		listeners: make(map[int]func(Change)),
	}
}

// Apply validates and applies cmd. Repeating a command is a no-op that
// reports changed=false. Unpausing with an empty channel clears every
// pause held for the project. Listeners run synchronously and must not
// call Apply.
func (r *Registry) Apply(cmd protocol.AdminCommand) (bool, error) {
	cmd.ProjectID = strings.TrimSpace(cmd.ProjectID)
	cmd.Channel = strings.TrimSpace(cmd.Channel)
	if err := cmd.Validate(); err != nil {
		return false, err
	}

	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	r.mu.Lock()
	key := Key{ProjectID: cmd.ProjectID, Channel: cmd.Channel}
	changed := false
	switch cmd.Command {
	case protocol.CommandPause:
		if _, ok := r.paused[key]; !ok {
			r.paused[key] = struct{}{}
			changed = true
		}
	case protocol.CommandUnpause:
		for k := range r.paused {
			if k.ProjectID != key.ProjectID {
				continue
			}
			if key.Channel == "" || k.Channel == key.Channel {
				delete(r.paused, k)
				changed = true
			}
		}
	}
	r.seq++
	change := Change{Seq: r.seq, Command: cmd, Changed: changed}
	listeners := make([]func(Change), 0, len(r.listeners))
	ids := make([]int, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		listeners = append(listeners, r.listeners[id])
	}
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(change)
	}
	return changed, nil
}

// Paused reports whether channel, or its whole project, is paused.
func (r *Registry) Paused(projectID, channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.paused[Key{ProjectID: projectID}]; ok {
		return true
	}
	if channel == "" {
		return false
	}
	_, ok := r.paused[Key{ProjectID: projectID, Channel: channel}]
	return ok
}

// Check returns a PausedError when Paused would report true.
func (r *Registry) Check(projectID, channel string) error {
	if r.Paused(projectID, channel) {
		return &protocol.PausedError{ProjectID: projectID, Channel: channel}
	}
	return nil
}

// Snapshot returns paused keys sorted by project then channel.
func (r *Registry) Snapshot() []Key {
	r.mu.RLock()
	out := make([]Key, 0, len(r.paused))
	for k := range r.paused {
		out = append(out, k)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Key) int {
		if c := strings.Compare(a.ProjectID, b.ProjectID); c != 0 {
			return c
		}
		return strings.Compare(a.Channel, b.Channel)
	})
	return out
}

// Subscribe registers fn for future changes and returns its cancel func.
func (r *Registry) Subscribe(fn func(Change)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}
