// internal/event/nats.go
// Package event publishes domain events for downstream consumers over NATS JetStream.
// Events cover mission creation and acceptance, submission status changes and
// burn records.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/RegistryAccord/registryaccord-missions-go/internal/model"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Event types. Each is also the JetStream subject.
const (
	TypeMissionCreated      = "missions.events.mission.created"
	TypeMissionAccepted     = "missions.events.mission.accepted"
	TypeMissionDeactivated  = "missions.events.mission.deactivated"
	TypeSubmissionCreated   = "missions.events.submission.created"
	TypeSubmissionStatus    = "missions.events.submission.status_changed"
	TypeSubmissionModerated = "missions.events.submission.moderated"
	TypeBurnRecorded        = "missions.events.burn.recorded"
)

// StreamName is the JetStream stream holding domain events.
const StreamName = "MISSIONS_EVENTS"

// Publisher interface defines the event publishing operations required by the missions service.
type Publisher interface {
	PublishMissionCreated(ctx context.Context, mission model.Mission) error
	PublishMissionAccepted(ctx context.Context, acceptance model.Acceptance, mission model.Mission) error
	PublishMissionDeactivated(ctx context.Context, mission model.Mission) error
	PublishSubmissionCreated(ctx context.Context, sub model.Submission) error
	PublishSubmissionModerated(ctx context.Context, sub model.Submission) error
	PublishSubmissionStatusChanged(ctx context.Context, sub model.Submission) error
	PublishBurnRecorded(ctx context.Context, record model.BurnRecord) error

	// Close closes the publisher connection
	Close() error
}

// EventEnvelope represents the standard event envelope structure.
// All events published to NATS are wrapped in this envelope for consistency.
type EventEnvelope struct {
	ID            string    `json:"id"`            // Unique event ID, also the JetStream dedup ID
	Type          string    `json:"type"`          // Event type identifier
	Version       string    `json:"version"`       // Event schema version
	OccurredAt    time.Time `json:"occurredAt"`    // When the event occurred
	CorrelationID string    `json:"correlationId"` // Correlation ID for tracing
	Payload       any       `json:"payload"`       // Event-specific data
}

type correlationKey struct{}

// ContextWithCorrelationID attaches the request correlation ID to ctx so events
// published while serving the request carry it.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation ID carried by ctx, or a fresh one.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// newEnvelope builds an envelope. dedupKey identifies the domain change, so a
// retried publish of the same change is dropped by JetStream.
func newEnvelope(ctx context.Context, eventType, dedupKey string, payload any) EventEnvelope {
	return EventEnvelope{
		ID:            eventType + ":" + dedupKey,
		Type:          eventType,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: CorrelationID(ctx),
		Payload:       payload,
	}
}

// noop is a no-op implementation of Publisher for when NATS is not configured.
type noop struct{}

// NewNoop returns a Publisher that drops every event.
func NewNoop() Publisher { return noop{} }

func (noop) PublishMissionCreated(context.Context, model.Mission) error { return nil }
func (noop) PublishMissionAccepted(context.Context, model.Acceptance, model.Mission) error {
	return nil
}
func (noop) PublishMissionDeactivated(context.Context, model.Mission) error         { return nil }
func (noop) PublishSubmissionCreated(context.Context, model.Submission) error       { return nil }
func (noop) PublishSubmissionModerated(context.Context, model.Submission) error     { return nil }
func (noop) PublishSubmissionStatusChanged(context.Context, model.Submission) error { return nil }
func (noop) PublishBurnRecorded(context.Context, model.BurnRecord) error            { return nil }
func (noop) Close() error                                                           { return nil }

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc *nats.Conn            // NATS connection
	js nats.JetStreamContext // JetStream context for stream operations
}

// NewPublisher connects to url and ensures the event stream exists.
// An empty url, or any connection failure, yields a no-op publisher so the
// service keeps running without event streaming.
func NewPublisher(url string) Publisher {
	if url == "" {
		return noop{}
	}

	nc, err := nats.Connect(url, nats.Name("missionsd-events"))
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return noop{}
	}

	if err := initStream(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return noop{}
	}

	return &natsPub{nc: nc, js: js}
}

// initStream creates the MISSIONS_EVENTS stream when it does not exist yet.
func initStream(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(StreamName); err == nil {
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{"missions.events.>"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Discard:    nats.DiscardOld,
		Storage:    nats.FileStorage,
		Duplicates: 2 * time.Minute, // JetStream drops repeated Nats-Msg-Id within this window
	})
	if err != nil {
		return fmt.Errorf("failed to create %s stream: %w", StreamName, err)
	}
	return nil
}

// Close closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

func (p *natsPub) publish(ctx context.Context, env EventEnvelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", env.Type, err)
	}
	if _, err := p.js.Publish(env.Type, b, nats.MsgId(env.ID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", env.Type, err)
	}
	return nil
}

func (p *natsPub) PublishMissionCreated(ctx context.Context, m model.Mission) error {
	return p.publish(ctx, newEnvelope(ctx, TypeMissionCreated, m.ID, m))
}

func (p *natsPub) PublishMissionAccepted(ctx context.Context, a model.Acceptance, m model.Mission) error {
	payload := map[string]any{
		"missionId":           a.MissionID,
		"userId":              a.UserID,
		"acceptedAt":          a.AcceptedAt,
		"currentParticipants": m.CurrentParticipants,
	}
	return p.publish(ctx, newEnvelope(ctx, TypeMissionAccepted, a.MissionID+":"+a.UserID, payload))
}

func (p *natsPub) PublishMissionDeactivated(ctx context.Context, m model.Mission) error {
	return p.publish(ctx, newEnvelope(ctx, TypeMissionDeactivated, m.ID, map[string]string{"missionId": m.ID}))
}

func (p *natsPub) PublishSubmissionCreated(ctx context.Context, s model.Submission) error {
	return p.publish(ctx, newEnvelope(ctx, TypeSubmissionCreated, s.ID, s))
}

func (p *natsPub) PublishSubmissionModerated(ctx context.Context, s model.Submission) error {
	return p.publish(ctx, newEnvelope(ctx, TypeSubmissionModerated, s.ID, map[string]any{
		"submissionId": s.ID,
		"missionId":    s.MissionID,
		"moderation":   s.Moderation,
	}))
}

func (p *natsPub) PublishSubmissionStatusChanged(ctx context.Context, s model.Submission) error {
	return p.publish(ctx, newEnvelope(ctx, TypeSubmissionStatus, s.ID+":"+string(s.Status), map[string]any{
		"submissionId": s.ID,
		"missionId":    s.MissionID,
		"status":       s.Status,
		"reason":       s.StatusReason,
	}))
}

func (p *natsPub) PublishBurnRecorded(ctx context.Context, r model.BurnRecord) error {
	return p.publish(ctx, newEnvelope(ctx, TypeBurnRecorded, r.ID, r))
}
