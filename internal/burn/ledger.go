// Package burn records paid feature actions against a wallet's token balance
// and hands them to the dispatcher that performs them.
package burn

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-missions-go/internal/chain"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/dispatch"
	errordefs "github.com/RegistryAccord/registryaccord-missions-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/event"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/model"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/tier"
	"github.com/google/uuid"
)

// Defaults for Config fields left zero.
const (
	DefaultWorkers      = 2
	DefaultQueueSize    = 128
	DefaultMaxRetries   = 5
	DefaultRetryBackoff = 200 * time.Millisecond
	DefaultBalanceWait  = 5 * time.Second
	maxMetadataEntries  = 32
)

// Config holds the Ledger's collaborators. Store and Balances are required.
type Config struct {
	Store        storage.Store
	Tiers        *tier.Table
	Balances     chain.Oracle
	Dispatcher   dispatch.Dispatcher
	Events       event.Publisher
	Metrics      *metrics.Metrics
	Clock        func() time.Time
	Workers      int
	QueueSize    int
	MaxRetries   uint64
	RetryBackoff time.Duration // initial retry interval

	BalanceTimeout time.Duration // bound on each balance lookup
}

// invalidator is implemented by caching oracles.
type invalidator interface {
	Invalidate(address string)
}

// Ledger checks affordability, appends burn records and dispatches the
// paid action asynchronously. Dispatch failures are logged and counted but
// never reach the caller.
type Ledger struct {
	store      storage.Store
	tiers      *tier.Table
	balances   chain.Oracle
	dispatcher dispatch.Dispatcher
	events     event.Publisher
	metrics    *metrics.Metrics
	now        func() time.Time

	balanceTimeout time.Duration

	workers      int
	maxRetries   uint64
	retryBackoff time.Duration
	queue        chan dispatch.Action
	stop         chan struct{}
	wg           sync.WaitGroup

	lifecycle sync.Mutex
	started   bool
	closed    bool
	cancel    context.CancelFunc
}

// New validates cfg and builds a Ledger.
func New(cfg Config) (*Ledger, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("burn: store is required")
	}
	if cfg.Balances == nil {
		return nil, fmt.Errorf("burn: balance oracle is required")
	}
	if cfg.Tiers == nil {
		cfg.Tiers = tier.Default
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = dispatch.NewLog()
	}
	if cfg.Events == nil {
		cfg.Events = event.NewNoop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewMetrics()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.BalanceTimeout <= 0 {
		cfg.BalanceTimeout = DefaultBalanceWait
	}

	return &Ledger{
		store:      cfg.Store,
		tiers:      cfg.Tiers,
		balances:   cfg.Balances,
		dispatcher: cfg.Dispatcher,
		events:     cfg.Events,
		metrics:    cfg.Metrics,
		now:        cfg.Clock,

		balanceTimeout: cfg.BalanceTimeout,
		workers:        cfg.Workers,
		maxRetries:     cfg.MaxRetries,
		retryBackoff:   cfg.RetryBackoff,
		queue:          make(chan dispatch.Action, cfg.QueueSize),
		stop:           make(chan struct{}),
	}, nil
}

// Start launches the dispatch workers. It is a no-op after the first call.
func (l *Ledger) Start() {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()
	if l.started || l.closed {
		return
	}
	l.started = true

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	for i := 0; i < l.workers; i++ {
		l.wg.Add(1)
		go l.dispatchWorker(ctx)
	}
	slog.Info("burn dispatch workers started", "workers", l.workers)
}

// Close stops the workers, abandoning retries in flight, and waits for them.
func (l *Ledger) Close() {
	l.lifecycle.Lock()
	if l.closed {
		l.lifecycle.Unlock()
		return
	}
	l.closed = true
	close(l.stop)
	if l.cancel != nil {
		l.cancel()
	}
	l.lifecycle.Unlock()

	l.wg.Wait()
}

// InitiateBurn charges user for a paid action on a recording. The record is
// appended only when the balance, less the user's burns not yet settled on
// chain, covers the action's cost.
func (l *Ledger) InitiateBurn(ctx context.Context, user string, req model.BurnRequest) (*model.BurnRecord, error) {
	action := tier.Action(strings.TrimSpace(req.ActionType))
	cost, ok := l.tiers.BurnActionCost(action)
	if !ok {
		return nil, errordefs.Validation("actionType", fmt.Sprintf("unknown action %q", req.ActionType))
	}
	if strings.TrimSpace(user) == "" {
		return nil, errordefs.Validation("userAddress", "is required")
	}
	recordingID := strings.TrimSpace(req.RecordingID)
	if recordingID == "" {
		return nil, errordefs.Validation("recordingId", "is required")
	}
	if len(req.Metadata) > maxMetadataEntries {
		return nil, errordefs.Validation("metadata", "too many entries")
	}

	balance, err := l.balanceOf(ctx, user)
	if err != nil {
		l.metrics.BurnActionTotal.WithLabelValues(string(action), "unavailable").Inc()
		return nil, err
	}
	if balance.Cmp(cost) < 0 {
		l.metrics.BurnActionTotal.WithLabelValues(string(action), "insufficient").Inc()
		return nil, errordefs.PaymentRequired(cost, balance)
	}

	record := model.BurnRecord{
		ID:          uuid.NewString(),
		ActionType:  string(action),
		UserAddress: user,
		RecordingID: recordingID,
		Cost:        cost,
		Status:      model.BurnPending,
		CreatedAt:   l.now().UTC(),
		Metadata:    copyMetadata(req.Metadata),
	}
	start := time.Now()
	err = l.store.CreateBurnRecord(ctx, record, balance)
	l.metrics.ObserveStorage("create_burn_record", start, err)
	if stderrors.Is(err, storage.ErrInsufficient) {
		l.metrics.BurnActionTotal.WithLabelValues(string(action), "insufficient").Inc()
		return nil, l.insufficient(ctx, user, cost, balance)
	}
	if err != nil {
		return nil, errordefs.Internal("failed to record burn", err)
	}
	l.metrics.BurnActionTotal.WithLabelValues(string(action), "recorded").Inc()

	err = l.events.PublishBurnRecorded(ctx, record)
	l.metrics.ObserveEvent(event.TypeBurnRecorded, err)
	if err != nil {
		slog.WarnContext(ctx, "failed to publish event", "event_type", event.TypeBurnRecorded, "error", err)
	}

	l.enqueue(ctx, dispatch.Action{
		BurnID:      record.ID,
		Type:        record.ActionType,
		UserAddress: record.UserAddress,
		RecordingID: record.RecordingID,
		Metadata:    record.Metadata,
		RequestedAt: record.CreatedAt,
	})
	return &record, nil
}

// balanceOf reads user's on-chain balance within the configured timeout. A
// failed lookup is never treated as a zero balance.
func (l *Ledger) balanceOf(ctx context.Context, user string) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, l.balanceTimeout)
	defer cancel()

	start := time.Now()
	balance, err := l.balances.BalanceOf(ctx, user)
	l.metrics.ObserveBalanceLookup(start, err)
	if err != nil {
		if stderrors.Is(err, chain.ErrInvalidAddress) {
			return nil, errordefs.Validation("userAddress", "not a valid wallet address")
		}
		return nil, errordefs.Unavailable("balance oracle", err)
	}
	return balance, nil
}

// insufficient reports the balance left after outstanding burns.
func (l *Ledger) insufficient(ctx context.Context, user string, cost, balance *big.Int) error {
	outstanding, err := l.store.OutstandingBurns(ctx, user)
	if err != nil {
		return errordefs.PaymentRequired(cost, balance)
	}
	available := new(big.Int).Sub(balance, outstanding)
	if available.Sign() < 0 {
		available.SetInt64(0)
	}
	return errordefs.PaymentRequired(cost, available)
}

// Settle marks a burn as reflected in the on-chain balance, releasing its
// cost from the user's outstanding total.
func (l *Ledger) Settle(ctx context.Context, id string) (*model.BurnRecord, error) {
	return l.setStatus(ctx, id, model.BurnSettled)
}

func (l *Ledger) setStatus(ctx context.Context, id string, status model.BurnStatus) (*model.BurnRecord, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errordefs.Validation("id", "is required")
	}
	start := time.Now()
	record, err := l.store.SetBurnStatus(ctx, id, status)
	l.metrics.ObserveStorage("set_burn_status", start, err)
	switch {
	case stderrors.Is(err, storage.ErrNotFound):
		return nil, errordefs.NotFound("burn record")
	case stderrors.Is(err, storage.ErrStatusConflict):
		return nil, errordefs.Conflict("invalid burn status transition")
	case err != nil:
		return nil, errordefs.Internal("failed to update burn record", err)
	}
	if inv, ok := l.balances.(invalidator); ok {
		inv.Invalidate(record.UserAddress)
	}
	return record, nil
}

// History lists user's burn records, newest first.
func (l *Ledger) History(ctx context.Context, user string) ([]model.BurnRecord, error) {
	if strings.TrimSpace(user) == "" {
		return nil, errordefs.Validation("userAddress", "is required")
	}
	start := time.Now()
	records, err := l.store.ListBurnRecords(ctx, user)
	l.metrics.ObserveStorage("list_burn_records", start, err)
	if err != nil {
		return nil, errordefs.Internal("failed to list burn records", err)
	}
	if records == nil {
		records = []model.BurnRecord{}
	}
	return records, nil
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
