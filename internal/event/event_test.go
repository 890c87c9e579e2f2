package event

import (
	"context"
	"testing"

	"github.com/RegistryAccord/registryaccord-missions-go/internal/model"
)

func TestCorrelationID_FromContext(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "corr-1")
	if got := CorrelationID(ctx); got != "corr-1" {
		t.Fatalf("expected corr-1, got %s", got)
	}
	if got := CorrelationID(context.Background()); got == "" {
		t.Fatal("expected a generated correlation ID")
	}
}

func TestNewEnvelope_DedupIDIsStable(t *testing.T) {
	ctx := context.Background()
	a := newEnvelope(ctx, TypeSubmissionStatus, "sub-1:flagged", nil)
	b := newEnvelope(ctx, TypeSubmissionStatus, "sub-1:flagged", nil)
	if a.ID != b.ID {
		t.Fatalf("expected identical dedup IDs, got %s and %s", a.ID, b.ID)
	}
	c := newEnvelope(ctx, TypeSubmissionStatus, "sub-1:removed", nil)
	if a.ID == c.ID {
		t.Fatal("different changes must not share a dedup ID")
	}
}

func TestNewPublisher_WithoutURLIsNoop(t *testing.T) {
	p := NewPublisher("")
	if _, ok := p.(noop); !ok {
		t.Fatalf("expected noop publisher, got %T", p)
	}
	if err := p.PublishMissionCreated(context.Background(), model.Mission{ID: "m"}); err != nil {
		t.Fatalf("noop publish failed: %v", err)
	}
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	ctx := ContextWithCorrelationID(context.Background(), "c")
	_ = r.PublishMissionCreated(ctx, model.Mission{ID: "m"})
	_ = r.PublishSubmissionStatusChanged(ctx, model.Submission{ID: "s", Status: model.StatusFlagged})

	types := r.Types()
	if len(types) != 2 || types[0] != TypeMissionCreated || types[1] != TypeSubmissionStatus {
		t.Fatalf("unexpected types %v", types)
	}
	if r.Events()[1].CorrelationID != "c" {
		t.Fatal("correlation ID not propagated")
	}
}
