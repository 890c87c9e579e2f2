package burn

import (
	"context"
	"log/slog"
	"time"

	"github.com/RegistryAccord/registryaccord-missions-go/internal/dispatch"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/model"
	"github.com/cenkalti/backoff/v4"
)

const statusUpdateTimeout = 5 * time.Second

// enqueue hands a to the workers without blocking the request. A full queue
// drops the dispatch; the burn record stays in the ledger.
func (l *Ledger) enqueue(ctx context.Context, a dispatch.Action) {
	select {
	case <-l.stop:
		l.metrics.DispatchTotal.WithLabelValues(a.Type, "dropped").Inc()
		slog.WarnContext(ctx, "dispatch stopped, action not queued", "burn_id", a.BurnID)
	case l.queue <- a:
	default:
		l.metrics.DispatchTotal.WithLabelValues(a.Type, "dropped").Inc()
		slog.WarnContext(ctx, "dispatch queue full, action not queued", "burn_id", a.BurnID, "action", a.Type)
	}
}

func (l *Ledger) dispatchWorker(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-l.stop:
			return
		case a := <-l.queue:
			l.deliver(ctx, a)
		}
	}
}

// deliver retries the dispatcher with exponential backoff until it accepts a,
// the retries run out or the ledger closes.
func (l *Ledger) deliver(ctx context.Context, a dispatch.Action) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = l.retryBackoff
	policy.MaxElapsedTime = 0

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return l.dispatcher.Enqueue(ctx, a)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, l.maxRetries), ctx))

	if err != nil {
		l.metrics.DispatchTotal.WithLabelValues(a.Type, "failed").Inc()
		slog.Error("action dispatch failed",
			"burn_id", a.BurnID,
			"action", a.Type,
			"attempts", attempts,
			"error", err)
		// a closing ledger leaves the burn pending for redelivery
		if ctx.Err() == nil {
			l.markBurn(a.BurnID, model.BurnFailed)
		}
		return
	}
	l.metrics.DispatchTotal.WithLabelValues(a.Type, "delivered").Inc()
	slog.Debug("action dispatched", "burn_id", a.BurnID, "action", a.Type, "attempts", attempts)
	l.markBurn(a.BurnID, model.BurnDispatched)
}

// markBurn records dispatch progress. It runs on a fresh context so the
// update lands even while the ledger shuts down.
func (l *Ledger) markBurn(id string, status model.BurnStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), statusUpdateTimeout)
	defer cancel()
	if _, err := l.setStatus(ctx, id, status); err != nil {
		slog.Warn("failed to update burn status", "burn_id", id, "status", status, "error", err)
	}
}
