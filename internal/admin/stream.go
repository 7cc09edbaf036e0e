package admin

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgepub/internal/protocol"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// SubjectPrefix roots the per-project admin subjects.
const SubjectPrefix = "edgepub.admin"

// Subject returns the admin subject for one project.
func Subject(projectID string) string {
	return SubjectPrefix + "." + strings.TrimSpace(projectID)
}

// Subscriber is the subscribe half of *nats.Conn.
type Subscriber interface {
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Publisher is the publish half of *nats.Conn.
type Publisher interface {
	Publish(subj string, data []byte) error
}

type StreamConfig struct {
	Registry   *Registry
	Subscriber Subscriber
	Publisher  Publisher
	Logger     zerolog.Logger
}

// Stream applies admin commands received over NATS to a Registry.
// NATS delivers one subscription's messages sequentially, which keeps
// receipt order per project.
type Stream struct {
	registry *Registry
	sub      Subscriber
	pub      Publisher
	log      zerolog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewStream(cfg StreamConfig) *Stream {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	return &Stream{
		registry: cfg.Registry,
		sub:      cfg.Subscriber,
		pub:      cfg.Publisher,
		log:      cfg.Logger.With().Str("component", "admin.stream").Logger(),
	}
}

// Start subscribes to the given projects, or to every project when none
// are named.
func (s *Stream) Start(projects ...string) error {
	if s.sub == nil {
		return fmt.Errorf("admin: stream has no subscriber")
	}
	subjects := make([]string, 0, len(projects))
	for _, p := range projects {
		if strings.TrimSpace(p) != "" {
			subjects = append(subjects, Subject(p))
		}
	}
	if len(subjects) == 0 {
		subjects = append(subjects, SubjectPrefix+".*")
	}
	for _, subject := range subjects {
		sub, err := s.sub.Subscribe(subject, s.HandleMsg)
		if err != nil {
			_ = s.Close()
			return fmt.Errorf("admin: subscribe %s: %w", subject, err)
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
		s.log.Info().Str("subject", subject).Msg("admin stream subscribed")
	}
	return nil
}

// HandleMsg decodes and applies one command. Malformed commands and
// commands whose project does not match the subject are dropped.
func (s *Stream) HandleMsg(msg *nats.Msg) {
	if _, err := s.Apply(msg.Subject, msg.Data); err != nil {
		s.log.Warn().Err(err).Str("subject", msg.Subject).Msg("admin command dropped")
	}
}

// Apply is HandleMsg without the nats envelope.
func (s *Stream) Apply(subject string, data []byte) (bool, error) {
	var cmd protocol.AdminCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return false, fmt.Errorf("%w: %v", protocol.ErrInvalidCommand, err)
	}
	if subject != "" && subject != Subject(cmd.ProjectID) {
		return false, fmt.Errorf("%w: project %q on subject %q", protocol.ErrInvalidCommand, cmd.ProjectID, subject)
	}
	changed, err := s.registry.Apply(cmd)
	if err != nil {
		return false, err
	}
	s.log.Debug().
		Str("command", cmd.Command).
		Str("project_id", cmd.ProjectID).
		Str("channel", cmd.Channel).
		Bool("changed", changed).
		Msg("admin stream applied")
	return changed, nil
}

// Publish broadcasts cmd to every node following the project.
func (s *Stream) Publish(cmd protocol.AdminCommand) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if s.pub == nil {
		return fmt.Errorf("admin: stream has no publisher")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return s.pub.Publish(Subject(cmd.ProjectID), data)
}

func (s *Stream) Close() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	var firstErr error
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ConnectNATS dials a NATS server with reconnect logging.
func ConnectNATS(url, name string, logger zerolog.Logger) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.Timeout(5*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
}
