package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgepub/internal/auth"
	"github.com/danmuck/edgepub/internal/protocol"
	"github.com/rs/zerolog"
)

const (
	ActionPause   = "pause"
	ActionUnpause = "unpause"
	ActionStatus  = "status"
	ActionPaused  = "paused"
)

// ControlRequest is one admin action envelope, one JSON object per line.
type ControlRequest struct {
	Action    string `json:"action"`
	Token     string `json:"token,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	Channel   string `json:"channel,omitempty"`
}

// ControlResponse is one admin action result envelope.
type ControlResponse struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ApplyResult is the data body for pause/unpause.
type ApplyResult struct {
	Command protocol.AdminCommand `json:"command"`
	Changed bool                  `json:"changed"`
}

// PausedResult is the data body for the paused query.
type PausedResult struct {
	ProjectID string `json:"project_id"`
	Channel   string `json:"channel,omitempty"`
	Paused    bool   `json:"paused"`
}

// ControlServer exposes the registry over a TCP JSON-line endpoint.
type ControlServer struct {
	registry    *Registry
	validator   auth.Validator
	log         zerolog.Logger
	readTimeout time.Duration
	clients     atomic.Int64
}

type ControlConfig struct {
	Registry  *Registry
	Validator auth.Validator
	Logger    zerolog.Logger
	// ReadTimeout closes idle admin connections.
	ReadTimeout time.Duration
}

func NewControlServer(cfg ControlConfig) *ControlServer {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Validator == nil {
		cfg.Validator = auth.StaticToken{}
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	return &ControlServer{
		registry:    cfg.Registry,
		validator:   cfg.Validator,
		log:         cfg.Logger.With().Str("component", "admin.control").Logger(),
		readTimeout: cfg.ReadTimeout,
	}
}

// Serve listens on addr until ctx ends.
func (s *ControlServer) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", strings.TrimSpace(addr))
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

func (s *ControlServer) ServeListener(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("admin control listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

// handleConn decodes one request per line and writes one response per line.
func (s *ControlServer) handleConn(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	active := s.clients.Add(1)
	s.log.Info().Str("remote", remote).Int64("active_clients", active).Msg("admin client connected")
	defer func() {
		remaining := s.clients.Add(-1)
		s.log.Info().Str("remote", remote).Int64("active_clients", remaining).Msg("admin client disconnected")
	}()

	reader := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				s.log.Warn().Err(err).Str("remote", remote).Msg("admin read failed")
			}
			return
		}
		var req ControlRequest
		if err := json.Unmarshal(line, &req); err != nil {
			_ = writeControlResponse(conn, failure(err))
			continue
		}
		resp := s.Handle(req)
		if err := writeControlResponse(conn, resp); err != nil {
			s.log.Warn().Err(err).Str("remote", remote).Msg("admin write failed")
			return
		}
	}
}

// Handle authenticates and dispatches one request.
func (s *ControlServer) Handle(req ControlRequest) ControlResponse {
	if err := s.validator.Validate(req.Token); err != nil {
		return failure(err)
	}
	switch req.Action {
	case ActionPause, ActionUnpause:
		cmd := protocol.AdminCommand{
			Command:   protocol.CommandPause,
			ProjectID: req.ProjectID,
			Channel:   req.Channel,
		}
		if req.Action == ActionUnpause {
			cmd.Command = protocol.CommandUnpause
		}
		changed, err := s.registry.Apply(cmd)
		if err != nil {
			return failure(err)
		}
		s.log.Info().
			Str("command", cmd.Command).
			Str("project_id", cmd.ProjectID).
			Str("channel", cmd.Channel).
			Bool("changed", changed).
			Msg("admin command applied")
		return success(ApplyResult{Command: cmd, Changed: changed})
	case ActionStatus:
		return success(s.registry.Snapshot())
	case ActionPaused:
		if strings.TrimSpace(req.ProjectID) == "" {
			return failure(fmt.Errorf("%w: missing project_id", protocol.ErrInvalidCommand))
		}
		return success(PausedResult{
			ProjectID: req.ProjectID,
			Channel:   req.Channel,
			Paused:    s.registry.Paused(req.ProjectID, req.Channel),
		})
	default:
		return failure(fmt.Errorf("unknown action: %s", req.Action))
	}
}

func success(data any) ControlResponse {
	raw, err := json.Marshal(data)
	if err != nil {
		return failure(err)
	}
	return ControlResponse{OK: true, Data: raw}
}

func failure(err error) ControlResponse {
	return ControlResponse{OK: false, Error: err.Error()}
}

func writeControlResponse(w io.Writer, resp ControlResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}

// ControlClient is a persistent connection to a ControlServer.
type ControlClient struct {
	addr    string
	token   string
	timeout time.Duration
	conn    net.Conn
	r       *bufio.Reader
}

func NewControlClient(addr, token string) *ControlClient {
	return &ControlClient{addr: strings.TrimSpace(addr), token: token, timeout: 5 * time.Second}
}

func (c *ControlClient) Pause(projectID, channel string) (ApplyResult, error) {
	var out ApplyResult
	err := c.Call(ControlRequest{Action: ActionPause, ProjectID: projectID, Channel: channel}, &out)
	return out, err
}

func (c *ControlClient) Unpause(projectID, channel string) (ApplyResult, error) {
	var out ApplyResult
	err := c.Call(ControlRequest{Action: ActionUnpause, ProjectID: projectID, Channel: channel}, &out)
	return out, err
}

func (c *ControlClient) Status() ([]Key, error) {
	var out []Key
	err := c.Call(ControlRequest{Action: ActionStatus}, &out)
	return out, err
}

func (c *ControlClient) Paused(projectID, channel string) (bool, error) {
	var out PausedResult
	if err := c.Call(ControlRequest{Action: ActionPaused, ProjectID: projectID, Channel: channel}, &out); err != nil {
		return false, err
	}
	return out.Paused, nil
}

// Call sends one request and decodes the response data into out.
func (c *ControlClient) Call(req ControlRequest, out any) error {
	if err := c.ensureConn(); err != nil {
		return err
	}
	if req.Token == "" {
		req.Token = c.token
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	payload = append(payload, '\n')
	if _, err := c.conn.Write(payload); err != nil {
		c.resetConn()
		return err
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		c.resetConn()
		return err
	}
	var resp ControlResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return errors.New(resp.Error)
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Data, out)
}

func (c *ControlClient) ensureConn() error {
	if c.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", c.addr, 3*time.Second)
	if err != nil {
		return err
	}
	c.conn = conn
	c.r = bufio.NewReader(conn)
	return nil
}

func (c *ControlClient) resetConn() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.r = nil
}

// Close terminates the persistent connection.
func (c *ControlClient) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.r = nil
	return err
}
