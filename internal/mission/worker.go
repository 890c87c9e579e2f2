package mission

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/RegistryAccord/registryaccord-missions-go/internal/event"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/model"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/storage"
)

// enqueueModeration hands id to the workers without blocking the request.
// When the queue is full the submission stays approved and is logged.
func (m *Manager) enqueueModeration(ctx context.Context, id string) {
	select {
	case <-m.stop:
		slog.WarnContext(ctx, "moderation stopped, submission not queued", "submission_id", id)
	case m.queue <- id:
		m.metrics.ModerationQueueDepth.Inc()
	default:
		slog.WarnContext(ctx, "moderation queue full, submission not queued", "submission_id", id)
	}
}

func (m *Manager) moderationWorker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case id := <-m.queue:
			m.metrics.ModerationQueueDepth.Dec()
			itemCtx, cancel := context.WithTimeout(ctx, moderationTimeout)
			if _, err := m.Moderate(itemCtx, id); err != nil {
				slog.Error("moderation failed", "submission_id", id, "error", err)
			}
			cancel()
		}
	}
}

// Moderate evaluates one submission against its mission's criteria, stores
// the verdict and applies it: reject removes the submission, review flags it.
// A submission already moved by an administrator keeps its status.
func (m *Manager) Moderate(ctx context.Context, id string) (*model.ModerationResult, error) {
	sub, err := m.GetSubmission(ctx, id)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	mission, err := m.store.GetMission(ctx, sub.MissionID)
	m.metrics.ObserveStorage("get_mission", start, err)
	if err != nil {
		return nil, storeErr("mission", err)
	}

	result := m.evaluator.EvaluateQuality(*sub, mission.QualityCriteria)
	m.metrics.ModerationVerdictTotal.WithLabelValues(string(result.Suggestion)).Inc()

	start = time.Now()
	err = m.store.SetModeration(ctx, id, result)
	m.metrics.ObserveStorage("set_moderation", start, err)
	if err != nil {
		return nil, storeErr("submission", err)
	}
	sub.Moderation = &result

	var next model.SubmissionStatus
	switch result.Suggestion {
	case model.SuggestReject:
		next = model.StatusRemoved
	case model.SuggestReview:
		next = model.StatusFlagged
	}
	if next != "" {
		start = time.Now()
		moved, err := m.store.TransitionSubmission(ctx, id, next, "moderation: "+string(result.Suggestion), m.now().UTC())
		m.metrics.ObserveStorage("transition_submission", start, err)
		switch {
		case err == nil:
			sub = moved
			m.publish(ctx, event.TypeSubmissionStatus, func() error {
				return m.events.PublishSubmissionStatusChanged(ctx, *sub)
			})
		case stderrors.Is(err, storage.ErrStatusConflict):
			slog.InfoContext(ctx, "submission already moved, keeping status", "submission_id", id, "suggestion", result.Suggestion)
		default:
			return nil, storeErr("submission", err)
		}
	}

	slog.InfoContext(ctx, "submission moderated",
		"submission_id", id,
		"suggestion", result.Suggestion,
		"violations", len(result.Violations),
		"confidence", result.Confidence)
	m.publish(ctx, event.TypeSubmissionModerated, func() error {
		return m.events.PublishSubmissionModerated(ctx, *sub)
	})
	return &result, nil
}
