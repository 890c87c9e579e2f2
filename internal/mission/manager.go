// Package mission implements the mission lifecycle: creation gated by token
// balance, acceptance, response submission and the asynchronous moderation
// that follows it.
package mission

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
	errordefs "github.com/RegistryAccord/registryaccord-missions-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/event"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/moderation"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/ratelimit"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/tier"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/voice"
)

// EligibilityMode selects which balances a creator must hold.
type EligibilityMode string

const (
	// ModeSingle checks the primary token only.
	ModeSingle EligibilityMode = "single"
	// ModeDual additionally checks the secondary token.
	ModeDual EligibilityMode = "dual"
)

// ParseEligibilityMode converts a configuration value to a mode.
func ParseEligibilityMode(s string) (EligibilityMode, error) {
	switch EligibilityMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeSingle:
		return ModeSingle, nil
	case ModeDual:
		return ModeDual, nil
	default:
		return "", fmt.Errorf("unknown eligibility mode %q", s)
	}
}

// Policy is the creator eligibility rule.
type Policy struct {
	Mode         EligibilityMode
	PrimaryMin   *big.Int // nil means the basic tier threshold
	SecondaryMin *big.Int // required in dual mode
}

// Defaults for Config fields left zero.
const (
	DefaultModerationWorkers = 2
	DefaultQueueSize         = 256
	DefaultVoiceTimeout      = 10 * time.Second
	DefaultBalanceTimeout    = 5 * time.Second
	moderationTimeout        = 30 * time.Second
)

// Config holds the Manager's collaborators. Store is required; everything
// else has a usable default.
type Config struct {
	Store             storage.Store
	Tiers             *tier.Table
	Balances          chain.Oracle // primary token
	SecondaryBalances chain.Oracle // secondary token, dual mode only
	Policy            Policy
	Evaluator         moderation.Evaluator
	VoiceLimiter      *ratelimit.Limiter // nil disables the voice quota
	DailyVoiceLimiter *ratelimit.Limiter // per-wallet daily generations by tier; nil disables
	WeeklySaveLimiter *ratelimit.Limiter // per-wallet weekly submissions by tier; nil disables
	Voice             voice.Synthesizer  // nil means no provider
	VoiceTimeout      time.Duration
	BalanceTimeout    time.Duration // bound on each balance lookup
	Events            event.Publisher
	Metrics           *metrics.Metrics
	Clock             func() time.Time
	ModerationWorkers int
	QueueSize         int
}

// Manager coordinates mission operations over the store, the balance oracles,
// the rate limiter and the moderation pipeline.
type Manager struct {
	store        storage.Store
	tiers        *tier.Table
	balances     chain.Oracle
	secondary    chain.Oracle
	policy       Policy
	evaluator    moderation.Evaluator
	limiter      *ratelimit.Limiter
	dailyVoice   *ratelimit.Limiter
	weeklySaves  *ratelimit.Limiter
	voice        voice.Synthesizer
	voiceTimeout time.Duration
	balanceWait  time.Duration
	events       event.Publisher
	metrics      *metrics.Metrics
	now          func() time.Time

	workers int
	queue   chan string
	stop    chan struct{}
	wg      sync.WaitGroup

	lifecycle sync.Mutex
	started   bool
	closed    bool
	cancel    context.CancelFunc
}

// New validates cfg and builds a Manager. Call Start to run the moderation
// workers and Close to stop them.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("mission: store is required")
	}
	if cfg.Tiers == nil {
		cfg.Tiers = tier.Default
	}
	if cfg.Balances == nil {
		return nil, fmt.Errorf("mission: balance oracle is required")
	}
	if cfg.Policy.Mode == "" {
		cfg.Policy.Mode = ModeSingle
	}
	if cfg.Policy.PrimaryMin == nil {
		basic, ok := cfg.Tiers.Get(tier.LevelBasic)
		if !ok {
			return nil, fmt.Errorf("mission: tier table has no basic tier")
		}
		cfg.Policy.PrimaryMin = basic.Threshold
	}
	if cfg.Policy.Mode == ModeDual && (cfg.SecondaryBalances == nil || cfg.Policy.SecondaryMin == nil) {
		return nil, fmt.Errorf("mission: dual eligibility needs a secondary oracle and minimum")
	}
	if cfg.Evaluator == nil {
		cfg.Evaluator = moderation.Default
	}
	if cfg.VoiceTimeout <= 0 {
		cfg.VoiceTimeout = DefaultVoiceTimeout
	}
	if cfg.BalanceTimeout <= 0 {
		cfg.BalanceTimeout = DefaultBalanceTimeout
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
	if cfg.ModerationWorkers <= 0 {
		cfg.ModerationWorkers = DefaultModerationWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	return &Manager{
		store:        cfg.Store,
		tiers:        cfg.Tiers,
		balances:     cfg.Balances,
		secondary:    cfg.SecondaryBalances,
		policy:       cfg.Policy,
		evaluator:    cfg.Evaluator,
		limiter:      cfg.VoiceLimiter,
		dailyVoice:   cfg.DailyVoiceLimiter,
		weeklySaves:  cfg.WeeklySaveLimiter,
		voice:        cfg.Voice,
		voiceTimeout: cfg.VoiceTimeout,
		balanceWait:  cfg.BalanceTimeout,
		events:       cfg.Events,
		metrics:      cfg.Metrics,
		now:          cfg.Clock,
		workers:      cfg.ModerationWorkers,
		queue:        make(chan string, cfg.QueueSize),
		stop:         make(chan struct{}),
	}, nil
}

// Start launches the moderation workers. It is a no-op after the first call.
func (m *Manager) Start() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.started || m.closed {
		return
	}
	m.started = true

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.moderationWorker(ctx)
	}
	slog.Info("moderation workers started", "workers", m.workers)
}

// Close stops the workers and waits for them. Queued submissions that were
// not yet moderated stay approved.
func (m *Manager) Close() {
	m.lifecycle.Lock()
	if m.closed {
		m.lifecycle.Unlock()
		return
	}
	m.closed = true
	close(m.stop)
	if m.cancel != nil {
		m.cancel()
	}
	m.lifecycle.Unlock()

	m.wg.Wait()
}

// storeErr maps storage sentinels onto the service taxonomy.
func storeErr(resource string, err error) error {
	switch {
	case stderrors.Is(err, storage.ErrNotFound):
		return errordefs.NotFound(resource)
	case stderrors.Is(err, storage.ErrConflict):
		return errordefs.Conflict(resource + " already exists")
	case stderrors.Is(err, storage.ErrMissionFull):
		return errordefs.Conflict("mission is full")
	case stderrors.Is(err, storage.ErrStatusConflict):
		return errordefs.Conflict("invalid status transition")
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.Is(err, context.Canceled):
		return errordefs.Unavailable("store", err)
	default:
		return errordefs.Internal("storage failure", err)
	}
}

// balanceOf queries oracle within the balance timeout and maps its failures.
// A failed lookup is never treated as a zero balance.
func (m *Manager) balanceOf(ctx context.Context, oracle chain.Oracle, address string) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, m.balanceWait)
	defer cancel()

	start := time.Now()
	balance, err := oracle.BalanceOf(ctx, address)
	m.metrics.ObserveBalanceLookup(start, err)
	if err != nil {
		if stderrors.Is(err, chain.ErrInvalidAddress) {
			return nil, errordefs.Validation("address", "not a valid wallet address")
		}
		return nil, errordefs.Unavailable("balance oracle", err)
	}
	return balance, nil
}

// publish logs and counts event failures; they never fail the operation.
func (m *Manager) publish(ctx context.Context, eventType string, fn func() error) {
	err := fn()
	m.metrics.ObserveEvent(eventType, err)
	if err != nil {
		slog.WarnContext(ctx, "failed to publish event", "event_type", eventType, "error", err)
	}
}

// sameAddress compares wallet addresses case-insensitively.
func sameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
