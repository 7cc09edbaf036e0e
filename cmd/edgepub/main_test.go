package main

import (
	"bytes"
	"context"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgepub/internal/admin"
	"github.com/danmuck/edgepub/internal/auth"
	"github.com/danmuck/edgepub/internal/config"
	"github.com/danmuck/edgepub/internal/edge"
	"github.com/danmuck/edgepub/internal/grant"
	"github.com/danmuck/edgepub/internal/region"
	"github.com/danmuck/edgepub/internal/testutil/testlog"
)

const testSecret = "cli-test-secret"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "edgepub.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	full := append([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}, args...)
	err := run(ctx, full, &out)
	return out.String(), err
}

func TestLoadClientConfig(t *testing.T) {
	testlog.Start(t)
	t.Setenv(config.EnvGrantSecret, "env-secret")
	path := writeConfig(t, `
user_id = "alice"
channel = "room"
topics = ["chat", " ", "alerts"]
continent = "EU"
lat = 48.8
lon = 2.3

[endpoints]
weur = " wss://weur.example/ws "

[reliability]
queue_capacity = 8
initial_backoff = "100ms"

[reliability.tls]
enabled = true
ca_file = "ca.pem"
`)
	cfg, err := loadClientConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.UserID != "alice" || cfg.Channel != "room" || cfg.ProjectID != "proj-1" {
		t.Fatalf("unexpected identity: %+v", cfg)
	}
	if len(cfg.Topics) != 2 || cfg.Topics[1] != "alerts" {
		t.Fatalf("unexpected topics: %+v", cfg.Topics)
	}
	if cfg.Router.Endpoints[region.WEUR] != "wss://weur.example/ws" {
		t.Fatalf("unexpected endpoints: %+v", cfg.Router.Endpoints)
	}
	if cfg.Reliability.QueueCapacity != 8 || cfg.Reliability.Backoff.InitialDelay != 100*time.Millisecond {
		t.Fatalf("unexpected reliability: %+v", cfg.Reliability)
	}
	if cfg.Reliability.Backoff.MaxDelay != 5*time.Second {
		t.Fatalf("max backoff should keep default, got %v", cfg.Reliability.Backoff.MaxDelay)
	}
	if !cfg.Reliability.TLS.Enabled || cfg.Reliability.TLS.CAFile != "ca.pem" {
		t.Fatalf("unexpected tls: %+v", cfg.Reliability.TLS)
	}
	if cfg.GrantSecret != "env-secret" {
		t.Fatalf("expected grant secret from env, got %q", cfg.GrantSecret)
	}
}

func TestLoadClientConfigErrors(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"bad region":   "[endpoints]\natlantis = \"ws://x\"\n",
		"bad duration": "[reliability]\nmax_backoff = \"soon\"\n",
		"bad capacity": "[reliability]\nqueue_capacity = 0\n",
		"unknown key":  "nickname = \"al\"\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := loadClientConfig(writeConfig(t, content)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestClientTemplateLoads(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "client.toml")
	out, err := runCLI(t, "init", path)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(out, "wrote client config") {
		t.Fatalf("unexpected output %q", out)
	}
	if _, err := loadClientConfig(path); err != nil {
		t.Fatalf("template does not load: %v", err)
	}
	if _, err := runCLI(t, "init", path); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
}

func TestRunUsageErrors(t *testing.T) {
	testlog.Start(t)
	if _, err := runCLI(t); err == nil {
		t.Fatalf("expected usage error")
	}
	if _, err := runCLI(t, "launch"); err == nil {
		t.Fatalf("expected unknown command error")
	}
}

func TestRunGrantPrintsVerifiableToken(t *testing.T) {
	testlog.Start(t)
	t.Setenv(config.EnvGrantSecret, "")
	if _, err := runCLI(t, "grant"); err == nil {
		t.Fatalf("expected missing secret error")
	}

	t.Setenv(config.EnvGrantSecret, testSecret)
	out, err := runCLI(t, "grant", "--user", "bob", "--topics", "chat,alerts", "--ttl", "10m")
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	signer, err := grant.NewSigner([]byte(testSecret))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	g, err := signer.Parse(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if g.UserID != "bob" || !g.Authorizes("alerts") {
		t.Fatalf("unexpected grant: %+v", g)
	}
	if g.ExpiresAt.Sub(g.IssuedAt) != 10*time.Minute {
		t.Fatalf("unexpected ttl: %v", g.ExpiresAt.Sub(g.IssuedAt))
	}
}

func TestRunRegion(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, "[endpoints]\nweur = \"wss://weur.example/ws\"\n")
	out, err := runCLI(t, "--config", path, "region", "--continent", "SA", "--lat", "0", "--lon", "0")
	if err != nil {
		t.Fatalf("region: %v", err)
	}
	if !strings.Contains(out, "city=\"São Paulo\"") {
		t.Fatalf("expected sa region, got %q", out)
	}
	if !strings.Contains(out, "endpoint=wss://weur.example/ws via=weur") {
		t.Fatalf("expected weur fallback, got %q", out)
	}
}

func startEdge(t *testing.T) string {
	t.Helper()
	signer, err := grant.NewSigner([]byte(testSecret))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	srv, err := edge.NewServer(edge.ServerConfig{
		NodeID: "edge-cli",
		Region: region.WEUR,
		Signer: signer,
		Logger: testlog.Logger(t),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(srv.Close)
	ts := httptest.NewServer(edge.NewRouter(srv, edge.RouterConfig{Logger: testlog.Logger(t)}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func TestRunPublishAndSubscribeAgainstEdge(t *testing.T) {
	testlog.Start(t)
	t.Setenv(config.EnvGrantSecret, testSecret)
	endpoint := startEdge(t)
	path := writeConfig(t, "default_endpoint = \""+endpoint+"\"\n")

	type result struct {
		out string
		err error
	}
	subDone := make(chan result, 1)
	go func() {
		out, err := runCLI(t, "--config", path, "subscribe", "--user", "bob", "--count", "1", "chat")
		subDone <- result{out, err}
	}()

	// Publish until the subscriber has joined and received one message.
	deadline := time.After(8 * time.Second)
	for {
		out, err := runCLI(t, "--config", path, "publish", "--user", "alice", "chat", "hello", "edge")
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		if !strings.Contains(out, "status=sent") {
			t.Fatalf("unexpected publish output %q", out)
		}
		select {
		case r := <-subDone:
			if r.err != nil {
				t.Fatalf("subscribe: %v", r.err)
			}
			if !strings.Contains(r.out, "hello edge") {
				t.Fatalf("unexpected subscribe output %q", r.out)
			}
			return
		case <-deadline:
			t.Fatalf("subscriber never received a message")
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func TestRunPublishRejectedTopic(t *testing.T) {
	testlog.Start(t)
	t.Setenv(config.EnvGrantSecret, testSecret)
	path := writeConfig(t, "default_endpoint = \""+startEdge(t)+"\"\n")
	if _, err := runCLI(t, "--config", path, "publish", "billing", "x"); err == nil {
		t.Fatalf("expected unauthorized topic error")
	}
}

func TestRunAdminAgainstControlServer(t *testing.T) {
	testlog.Start(t)
	reg := admin.NewRegistry()
	cs := admin.NewControlServer(admin.ControlConfig{
		Registry:  reg,
		Validator: auth.StaticToken{Token: "ops"},
		Logger:    testlog.Logger(t),
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cs.ServeListener(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	t.Setenv(config.EnvAdminToken, "ops")
	addr := ln.Addr().String()
	out, err := runCLI(t, "admin", "--addr", addr, "--channel", "lobby", "pause")
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !strings.Contains(out, "changed=true") || !reg.Paused("proj-1", "lobby") {
		t.Fatalf("pause not applied: %q", out)
	}
	out, err = runCLI(t, "admin", "--addr", addr, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "channel=\"lobby\"") {
		t.Fatalf("unexpected status output %q", out)
	}
	out, err = runCLI(t, "admin", "--addr", addr, "--channel", "lobby", "unpause")
	if err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if reg.Paused("proj-1", "lobby") {
		t.Fatalf("unpause not applied: %q", out)
	}

	t.Setenv(config.EnvAdminToken, "wrong")
	if _, err := runCLI(t, "admin", "--addr", addr, "status"); err == nil {
		t.Fatalf("expected auth failure")
	}
}
