package edge

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/danmuck/edgepub/internal/client"
	"github.com/danmuck/edgepub/internal/grant"
	"github.com/danmuck/edgepub/internal/protocol/reliability"
	"github.com/danmuck/edgepub/internal/region"
	"github.com/danmuck/edgepub/internal/testutil/testlog"
	"github.com/danmuck/edgepub/internal/testutil/tlstest"
	"github.com/danmuck/edgepub/internal/transport"
	"github.com/stretchr/testify/require"
)

func TestNewServiceValidation(t *testing.T) {
	testlog.Start(t)
	logger := testlog.Logger(t)

	cfg := DefaultServiceConfig()
	cfg.HTTPAddr = ""
	_, err := NewService(cfg, logger)
	require.ErrorIs(t, err, ErrHTTPAddrRequired)

	cfg = DefaultServiceConfig()
	cfg.Region = "mars"
	_, err = NewService(cfg, logger)
	require.ErrorIs(t, err, region.ErrUnknownCode)

	cfg = DefaultServiceConfig()
	cfg.GrantSecret = "secret"
	cfg.AdminAddr = "127.0.0.1:0"
	_, err = NewService(cfg, logger)
	require.ErrorIs(t, err, ErrAdminTokenRequired)

	cfg = DefaultServiceConfig()
	_, err = NewService(cfg, logger)
	require.ErrorIs(t, err, ErrGrantVerifierRequired)

	cfg = DefaultServiceConfig()
	cfg.GrantSecret = "secret"
	cfg.Transport.SecurityMode = reliability.SecurityModeProduction
	_, err = NewService(cfg, logger)
	require.ErrorIs(t, err, reliability.ErrTLSRequired)

	cfg = DefaultServiceConfig()
	cfg.GrantSecret = "secret"
	cfg.Endpoints = map[string]string{"atlantis": "ws://x"}
	_, err = NewService(cfg, logger)
	require.ErrorIs(t, err, region.ErrUnknownCode)
}

func serve(t *testing.T, svc *Service, ln net.Listener) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()
	return func() {
		stop()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatalf("service did not stop")
		}
	}
}

func TestServiceServesAndShutsDown(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServiceConfig()
	cfg.GrantSecret = string(testSecret)
	cfg.Region = "eeur"
	cfg.ShutdownTimeout = time.Second
	svc, err := NewService(cfg, testlog.Logger(t))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	stop := serve(t, svc, ln)

	base := "http://" + ln.Addr().String()
	var ready map[string]any
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, http.StatusOK, getJSON(t, base+"/ready", &ready))
	require.Equal(t, "eeur", ready["region"])

	signer, err := grant.NewSigner(testSecret)
	require.NoError(t, err)
	sess, err := grant.NewSession(issue(t, signer, "alice", "lobby", "chat"), transport.WebsocketDialer{})
	require.NoError(t, err)
	c, err := client.New(client.Config{
		Session: sess,
		Router:  region.Single("ws://" + ln.Addr().String() + "/ws"),
		Logger:  testlog.Logger(t),
	})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	require.NotEmpty(t, c.SessionID())

	stop()
	// Closing the service drops the session; the client starts recovering.
	require.Eventually(t, func() bool { return c.State() != client.StateConnected }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Close())
}

func TestServiceServesWSS(t *testing.T) {
	testlog.Start(t)
	bundle := tlstest.New(t)

	cfg := DefaultServiceConfig()
	cfg.GrantSecret = string(testSecret)
	cfg.ShutdownTimeout = time.Second
	cfg.Transport.SecurityMode = reliability.SecurityModeProduction
	cfg.Transport.TLS = reliability.TLSConfig{Enabled: true, CertFile: bundle.ServerCert, KeyFile: bundle.ServerKey}
	svc, err := NewService(cfg, testlog.Logger(t))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	stop := serve(t, svc, ln)
	defer stop()

	httpClient := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: bundle.Pool()}}}
	require.Eventually(t, func() bool {
		resp, err := httpClient.Get("https://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	clientCfg := reliability.DefaultConfig()
	clientCfg.SecurityMode = reliability.SecurityModeProduction
	clientCfg.TLS = reliability.TLSConfig{Enabled: true, CAFile: bundle.CAFile}
	signer, err := grant.NewSigner(testSecret)
	require.NoError(t, err)
	sess, err := grant.NewSession(issue(t, signer, "alice", "lobby", "chat"), transport.WebsocketDialer{Config: clientCfg})
	require.NoError(t, err)
	c, err := client.New(client.Config{
		Session:     sess,
		Router:      region.Single("wss://" + ln.Addr().String() + "/ws"),
		Reliability: clientCfg,
		Logger:      testlog.Logger(t),
	})
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, client.StateConnected, c.State())
}
