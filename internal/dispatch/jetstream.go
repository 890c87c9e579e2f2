package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// ActionStream is the JetStream work-queue stream for actions.
const ActionStream = "MISSIONS_ACTIONS"

// JetStream publishes actions to a work-queue stream; each action is consumed
// by exactly one worker.
type JetStream struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewJetStream connects to url and ensures the action stream exists.
func NewJetStream(url string) (*JetStream, error) {
	nc, err := nats.Connect(url, nats.Name("missionsd-actions"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	if _, err := js.StreamInfo(ActionStream); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:       ActionStream,
			Subjects:   []string{"missions.actions.>"},
			Retention:  nats.WorkQueuePolicy,
			Storage:    nats.FileStorage,
			MaxAge:     72 * time.Hour,
			Duplicates: 10 * time.Minute,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create %s stream: %w", ActionStream, err)
		}
	}
	return &JetStream{nc: nc, js: js}, nil
}

// Subject returns the subject an action type is published on.
func Subject(actionType string) string {
	return "missions.actions." + actionType
}

// Enqueue implements Dispatcher. The burn ID doubles as the message ID, so a
// retried enqueue is deduplicated by the stream.
func (j *JetStream) Enqueue(ctx context.Context, a Action) error {
	body, err := encode(a)
	if err != nil {
		return fmt.Errorf("failed to marshal action: %w", err)
	}
	if _, err := j.js.Publish(Subject(a.Type), body, nats.MsgId(a.BurnID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish action: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (j *JetStream) Close() error {
	j.nc.Close()
	return nil
}
