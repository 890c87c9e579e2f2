// Package dispatch hands paid feature actions (video export, NFT mint, ...) to
// the workers that perform them. From the ledger's point of view delivery is
// fire-and-forget.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Action is one paid feature request, identified by its burn record.
type Action struct {
	BurnID      string            `json:"burnId"`
	Type        string            `json:"actionType"`
	UserAddress string            `json:"userAddress"`
	RecordingID string            `json:"recordingId"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	RequestedAt time.Time         `json:"requestedAt"`
}

// Dispatcher delivers actions to their workers.
type Dispatcher interface {
	Enqueue(ctx context.Context, action Action) error
	Close() error
}

func encode(a Action) ([]byte, error) {
	return json.Marshal(a)
}

// logDispatcher only logs. It is used when no broker is configured.
type logDispatcher struct{}

// NewLog returns a Dispatcher that logs each action and drops it.
func NewLog() Dispatcher { return logDispatcher{} }

func (logDispatcher) Enqueue(ctx context.Context, a Action) error {
	slog.InfoContext(ctx, "action dispatched (no broker configured)",
		"burn_id", a.BurnID, "action", a.Type, "recording_id", a.RecordingID)
	return nil
}

func (logDispatcher) Close() error { return nil }
