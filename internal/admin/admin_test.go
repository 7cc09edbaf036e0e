package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgepub/internal/auth"
	"github.com/danmuck/edgepub/internal/protocol"
	"github.com/danmuck/edgepub/internal/testutil/testlog"
	"github.com/nats-io/nats.go"
)

func pause(project, channel string) protocol.AdminCommand {
	return protocol.AdminCommand{Command: protocol.CommandPause, ProjectID: project, Channel: channel}
}

func unpause(project, channel string) protocol.AdminCommand {
	return protocol.AdminCommand{Command: protocol.CommandUnpause, ProjectID: project, Channel: channel}
}

func TestRegistryPauseUnpauseRestores(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()

	if r.Paused("p1", "lobby") {
		t.Fatalf("fresh registry must not be paused")
	}
	changed, err := r.Apply(pause("p1", "lobby"))
	if err != nil || !changed {
		t.Fatalf("expected pause to change state, changed=%v err=%v", changed, err)
	}
	if err := r.Check("p1", "lobby"); !errors.Is(err, protocol.ErrPaused) {
		t.Fatalf("expected paused error, got %v", err)
	}
	if r.Paused("p1", "other") || r.Paused("p2", "lobby") {
		t.Fatalf("pause leaked to another channel or project")
	}

	changed, err = r.Apply(unpause("p1", "lobby"))
	if err != nil || !changed {
		t.Fatalf("expected unpause to change state, changed=%v err=%v", changed, err)
	}
	if r.Check("p1", "lobby") != nil {
		t.Fatalf("unpause must restore normal behavior")
	}
}

func TestRegistryIdempotent(t *testing.T) {
	testlog.Start(t)
	once := NewRegistry()
	twice := NewRegistry()
	_, _ = once.Apply(pause("p1", ""))
	_, _ = twice.Apply(pause("p1", ""))
	changed, err := twice.Apply(pause("p1", ""))
	if err != nil || changed {
		t.Fatalf("second pause must be a no-op, changed=%v err=%v", changed, err)
	}
	if len(once.Snapshot()) != len(twice.Snapshot()) {
		t.Fatalf("pause twice differs from once: %v vs %v", once.Snapshot(), twice.Snapshot())
	}
	if changed, _ := twice.Apply(unpause("p1", "")); !changed {
		t.Fatalf("expected unpause to change state")
	}
	if changed, _ := twice.Apply(unpause("p1", "")); changed {
		t.Fatalf("second unpause must be a no-op")
	}
}

func TestRegistryProjectWidePause(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	_, _ = r.Apply(pause("p1", ""))
	_, _ = r.Apply(pause("p1", "lobby"))
	if !r.Paused("p1", "anything") {
		t.Fatalf("project pause must cover every channel")
	}
	_, _ = r.Apply(unpause("p1", ""))
	if r.Paused("p1", "lobby") || len(r.Snapshot()) != 0 {
		t.Fatalf("project unpause must clear channel pauses, got %v", r.Snapshot())
	}
}

func TestRegistryRejectsInvalidCommands(t *testing.T) {
	r := NewRegistry()
	for _, cmd := range []protocol.AdminCommand{
		{Command: "drop_project", ProjectID: "p1"},
		{Command: protocol.CommandPause, ProjectID: "  "},
	} {
		if _, err := r.Apply(cmd); !errors.Is(err, protocol.ErrInvalidCommand) {
			t.Fatalf("expected invalid command for %+v, got %v", cmd, err)
		}
	}
}

func TestRegistryListenersSeeReceiptOrder(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	var seen []Change
	cancel := r.Subscribe(func(c Change) { seen = append(seen, c) })

	_, _ = r.Apply(pause("p1", "a"))
	_, _ = r.Apply(pause("p1", "a"))
	_, _ = r.Apply(unpause("p1", "a"))
	cancel()
	_, _ = r.Apply(pause("p1", "b"))

	if len(seen) != 3 {
		t.Fatalf("expected 3 changes, got %d", len(seen))
	}
	wantChanged := []bool{true, false, true}
	for i, c := range seen {
		if c.Seq != uint64(i+1) || c.Changed != wantChanged[i] {
			t.Fatalf("change %d unexpected: %+v", i, c)
		}
	}
}

func TestControlServerHandle(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	s := NewControlServer(ControlConfig{Registry: r, Validator: auth.StaticToken{Token: "secret"}, Logger: testlog.Logger(t)})

	if resp := s.Handle(ControlRequest{Action: ActionPause, ProjectID: "p1"}); resp.OK {
		t.Fatalf("expected missing token to be rejected")
	}
	resp := s.Handle(ControlRequest{Action: ActionPause, Token: "secret", ProjectID: "p1", Channel: "lobby"})
	if !resp.OK {
		t.Fatalf("pause failed: %s", resp.Error)
	}
	var applied ApplyResult
	if err := json.Unmarshal(resp.Data, &applied); err != nil {
		t.Fatalf("decode apply result: %v", err)
	}
	if !applied.Changed || applied.Command.Command != protocol.CommandPause {
		t.Fatalf("unexpected apply result %+v", applied)
	}
	if !r.Paused("p1", "lobby") {
		t.Fatalf("expected registry to be paused")
	}
	if resp := s.Handle(ControlRequest{Action: "drop", Token: "secret"}); resp.OK {
		t.Fatalf("expected unknown action failure")
	}
	if resp := s.Handle(ControlRequest{Action: ActionPaused, Token: "secret"}); resp.OK {
		t.Fatalf("expected paused query without project to fail")
	}
}

func TestControlServerOverTCP(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	s := NewControlServer(ControlConfig{Registry: r, Validator: auth.StaticToken{Token: "secret"}, Logger: testlog.Logger(t)})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ServeListener(ctx, ln) }()

	client := NewControlClient(ln.Addr().String(), "secret")
	defer client.Close()

	if _, err := client.Pause("p1", ""); err != nil {
		t.Fatalf("pause: %v", err)
	}
	paused, err := client.Paused("p1", "lobby")
	if err != nil || !paused {
		t.Fatalf("expected paused=true, got %v err=%v", paused, err)
	}
	keys, err := client.Status()
	if err != nil || len(keys) != 1 || keys[0].ProjectID != "p1" {
		t.Fatalf("unexpected status %v err=%v", keys, err)
	}
	res, err := client.Unpause("p1", "")
	if err != nil || !res.Changed {
		t.Fatalf("unpause: %+v err=%v", res, err)
	}

	bad := NewControlClient(ln.Addr().String(), "wrong")
	defer bad.Close()
	if _, err := bad.Pause("p1", ""); err == nil {
		t.Fatalf("expected wrong token to fail")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not stop")
	}
}

type fakeNATS struct {
	mu        sync.Mutex
	handlers  map[string]nats.MsgHandler
	published []*nats.Msg
}

func (f *fakeNATS) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[string]nats.MsgHandler)
	}
	f.handlers[subj] = cb
	return nil, nil
}

func (f *fakeNATS) Publish(subj string, data []byte) error {
	f.mu.Lock()
	f.published = append(f.published, &nats.Msg{Subject: subj, Data: data})
	handler := f.handlers[subj]
	if handler == nil {
		handler = f.handlers[SubjectPrefix+".*"]
	}
	f.mu.Unlock()
	if handler != nil {
		handler(&nats.Msg{Subject: subj, Data: data})
	}
	return nil
}

func TestStreamAppliesInArrivalOrder(t *testing.T) {
	testlog.Start(t)
	bus := &fakeNATS{}
	r := NewRegistry()
	s := NewStream(StreamConfig{Registry: r, Subscriber: bus, Publisher: bus, Logger: testlog.Logger(t)})
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	if err := s.Publish(pause("p1", "lobby")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !r.Paused("p1", "lobby") {
		t.Fatalf("expected pause from stream")
	}
	_ = s.Publish(unpause("p1", "lobby"))
	_ = s.Publish(pause("p2", ""))
	if r.Paused("p1", "lobby") || !r.Paused("p2", "x") {
		t.Fatalf("unexpected registry %v", r.Snapshot())
	}
	if got := bus.published[0].Subject; got != "edgepub.admin.p1" {
		t.Fatalf("unexpected subject %q", got)
	}
}

func TestStreamApplyRejectsMismatchedSubject(t *testing.T) {
	s := NewStream(StreamConfig{})
	data, _ := json.Marshal(pause("p1", ""))
	if _, err := s.Apply(Subject("p2"), data); !errors.Is(err, protocol.ErrInvalidCommand) {
		t.Fatalf("expected mismatch rejection, got %v", err)
	}
	if _, err := s.Apply(Subject("p1"), []byte("{")); !errors.Is(err, protocol.ErrInvalidCommand) {
		t.Fatalf("expected decode rejection, got %v", err)
	}
	if changed, err := s.Apply(Subject("p1"), data); err != nil || !changed {
		t.Fatalf("expected apply, changed=%v err=%v", changed, err)
	}
}
