package event

import (
	"context"
	"sync"

	"github.com/RegistryAccord/registryaccord-missions-go/internal/model"
)

// Recorder keeps published envelopes in memory. Tests use it to assert on
// emitted events.
type Recorder struct {
	mu     sync.Mutex
	events []EventEnvelope
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) add(env EventEnvelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, env)
	return nil
}

// Events returns a snapshot of recorded envelopes in publish order.
func (r *Recorder) Events() []EventEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventEnvelope(nil), r.events...)
}

// Types returns the recorded event types in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.events))
	for _, e := range r.events {
		types = append(types, e.Type)
	}
	return types
}

func (r *Recorder) PublishMissionCreated(ctx context.Context, m model.Mission) error {
	return r.add(newEnvelope(ctx, TypeMissionCreated, m.ID, m))
}

func (r *Recorder) PublishMissionAccepted(ctx context.Context, a model.Acceptance, m model.Mission) error {
	return r.add(newEnvelope(ctx, TypeMissionAccepted, a.MissionID+":"+a.UserID, a))
}

func (r *Recorder) PublishMissionDeactivated(ctx context.Context, m model.Mission) error {
	return r.add(newEnvelope(ctx, TypeMissionDeactivated, m.ID, m))
}

func (r *Recorder) PublishSubmissionCreated(ctx context.Context, s model.Submission) error {
	return r.add(newEnvelope(ctx, TypeSubmissionCreated, s.ID, s))
}

func (r *Recorder) PublishSubmissionModerated(ctx context.Context, s model.Submission) error {
	return r.add(newEnvelope(ctx, TypeSubmissionModerated, s.ID, s))
}

func (r *Recorder) PublishSubmissionStatusChanged(ctx context.Context, s model.Submission) error {
	return r.add(newEnvelope(ctx, TypeSubmissionStatus, s.ID+":"+string(s.Status), s))
}

func (r *Recorder) PublishBurnRecorded(ctx context.Context, rec model.BurnRecord) error {
	return r.add(newEnvelope(ctx, TypeBurnRecorded, rec.ID, rec))
}

// Close implements Publisher.
func (r *Recorder) Close() error { return nil }
