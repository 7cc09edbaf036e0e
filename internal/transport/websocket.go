package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danmuck/edgepub/internal/protocol"
	"github.com/danmuck/edgepub/internal/protocol/reliability"
	"nhooyr.io/websocket"
)

// WebsocketDialer dials ws:// or wss:// edge endpoints.
type WebsocketDialer struct {
	Config reliability.Config
	// Codec selects the requested subprotocol; nil means JSON.
	Codec  protocol.Codec
	Header http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, ErrEndpointRequired
	}
	cfg := d.Config.WithDefaults()
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("transport: parse endpoint: %w", err)
	}
	if cfg.TLS.Enabled && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: endpoint %q is not wss", reliability.ErrTLSRequired, endpoint)
	}
	tlsCfg, err := cfg.ClientTLSConfig(u.Hostname())
	if err != nil {
		return nil, err
	}
	httpTransport := http.DefaultTransport.(*http.Transport).Clone()
	httpTransport.TLSClientConfig = tlsCfg

	codec := d.Codec
	if codec == nil {
		codec = protocol.JSON
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{
		HTTPClient:   &http.Client{Transport: httpTransport},
		HTTPHeader:   d.Header,
		Subprotocols: []string{codec.Name()},
	})
	if err != nil {
		return nil, err
	}
	negotiated, err := protocol.CodecFor(ws.Subprotocol())
	if err != nil {
		_ = ws.Close(websocket.StatusProtocolError, "unsupported subprotocol")
		return nil, err
	}
	return NewWebsocketConn(ws, negotiated, cfg.WriteTimeout), nil
}

// AcceptOptions configures server-side upgrades.
type AcceptOptions struct {
	OriginPatterns []string
	WriteTimeout   time.Duration
}

// Accept upgrades an http request into a Conn, negotiating json or cbor.
func Accept(w http.ResponseWriter, r *http.Request, opts AcceptOptions) (Conn, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{protocol.SubprotocolJSON, protocol.SubprotocolCBOR},
		OriginPatterns: opts.OriginPatterns,
	})
	if err != nil {
		return nil, err
	}
	codec, err := protocol.CodecFor(ws.Subprotocol())
	if err != nil {
		_ = ws.Close(websocket.StatusProtocolError, "unsupported subprotocol")
		return nil, err
	}
	return NewWebsocketConn(ws, codec, opts.WriteTimeout), nil
}

type websocketConn struct {
	ws           *websocket.Conn
	codec        protocol.Codec
	writeTimeout time.Duration
}

func NewWebsocketConn(ws *websocket.Conn, codec protocol.Codec, writeTimeout time.Duration) Conn {
	if writeTimeout <= 0 {
		writeTimeout = 15 * time.Second
	}
	ws.SetReadLimit(protocol.MaxFrameBytes)
	return &websocketConn{ws: ws, codec: codec, writeTimeout: writeTimeout}
}

func (c *websocketConn) Send(ctx context.Context, f protocol.Frame) error {
	data, err := c.codec.Marshal(f)
	if err != nil {
		return err
	}
	typ := websocket.MessageText
	if c.codec.Binary() {
		typ = websocket.MessageBinary
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return mapCloseErr(c.ws.Write(writeCtx, typ, data))
}

func (c *websocketConn) Recv(ctx context.Context) (protocol.Frame, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return protocol.Frame{}, mapCloseErr(err)
	}
	return c.codec.Unmarshal(data)
}

func (c *websocketConn) Close() error {
	err := c.ws.Close(websocket.StatusNormalClosure, "")
	if err != nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// KeepAlive pings ws-backed conns every interval until ctx ends. Other
// Conn implementations are ignored.
func KeepAlive(ctx context.Context, conn Conn, interval time.Duration) {
	wc, ok := conn.(*websocketConn)
	if !ok || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, interval/2)
				_ = wc.ws.Ping(pingCtx)
				cancel()
			}
		}
	}()
}

func mapCloseErr(err error) error {
	if err == nil {
		return nil
	}
	if websocket.CloseStatus(err) != -1 {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}
