package usage

import (
	"context"
	"strings"

	"github.com/danmuck/edgepub/internal/protocol"
)

// SubjectPrefix roots the per-project usage subjects.
const SubjectPrefix = "edgepub.usage"

func Subject(projectID string) string {
	return SubjectPrefix + "." + strings.TrimSpace(projectID)
}

// Publisher is the publish half of *nats.Conn.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NATSSink publishes each event as JSON on edgepub.usage.<project>.
type NATSSink struct {
	Conn Publisher
}

func (s NATSSink) Send(ctx context.Context, ev protocol.UsageEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := marshal(ev)
	if err != nil {
		return err
	}
	return s.Conn.Publish(Subject(ev.ProjectID), data)
}
