package mission

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-missions-go/internal/chain"
	errordefs "github.com/RegistryAccord/registryaccord-missions-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/event"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/model"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/ratelimit"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/tier"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/voice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	creator     = "0xC0FFEE0000000000000000000000000000000001"
	participant = "0xBEEF000000000000000000000000000000000002"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSynth struct {
	mu    sync.Mutex
	calls []voice.Request
	err   error
}

func (f *fakeSynth) Synthesize(ctx context.Context, req voice.Request) (voice.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return voice.Result{}, f.err
	}
	return voice.Result{AudioURL: "https://voice.test/out.mp3", Characters: len(req.Text)}, nil
}

type harness struct {
	mgr      *Manager
	store    storage.Store
	balances *chain.StaticOracle
	events   *event.Recorder
	clock    *fakeClock
	synth    *fakeSynth
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		store:    storage.NewMemory(),
		balances: chain.NewStaticOracle(nil),
		events:   event.NewRecorder(),
		clock:    &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		synth:    &fakeSynth{},
	}
	h.balances.Set(creator, tier.Tokens(500))
	cfg := Config{
		Store:        h.store,
		Balances:     h.balances,
		Events:       h.events,
		Voice:        h.synth,
		VoiceTimeout: time.Second,
		Clock:        h.clock.Now,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	mgr, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(mgr.Close)
	h.mgr = mgr
	return h
}

func validMission() model.CreateMissionRequest {
	return model.CreateMissionRequest{
		Title:          "Morning market sounds",
		Description:    "Record the opening of a local market",
		Difficulty:     model.DifficultyMedium,
		Topic:          "Markets",
		Tags:           []string{"street", "food"},
		TargetDuration: 120,
		ExpirationDays: 7,
	}
}

func consent(v bool) *bool { return &v }

func validResponse(missionID string) model.SubmitResponseRequest {
	return model.SubmitResponseRequest{
		MissionID:          missionID,
		UserID:             participant,
		RecordingID:        "rec-1",
		Location:           &model.Location{City: "Lisbon", Country: "PT"},
		Context:            "Fish stalls opening at dawn",
		ParticipantConsent: consent(true),
		Transcription:      "good morning fresh fish today",
	}
}

func requireCode(t *testing.T, err error, code errordefs.ErrorCode) *errordefs.Error {
	t.Helper()
	require.Error(t, err)
	e, ok := errordefs.As(err)
	require.True(t, ok, "expected *errors.Error, got %T: %v", err, err)
	require.Equal(t, code, e.Code, e.Message)
	return e
}

func (h *harness) createMission(t *testing.T, req model.CreateMissionRequest) *model.Mission {
	t.Helper()
	m, err := h.mgr.CreateMission(context.Background(), creator, req)
	require.NoError(t, err)
	return m
}

func TestNew_RequiresStoreAndOracle(t *testing.T) {
	_, err := New(Config{Balances: chain.NewStaticOracle(nil)})
	assert.Error(t, err)
	_, err = New(Config{Store: storage.NewMemory()})
	assert.Error(t, err)
	_, err = New(Config{Store: storage.NewMemory(), Balances: chain.NewStaticOracle(nil), Policy: Policy{Mode: ModeDual}})
	assert.Error(t, err)
}

func TestParseEligibilityMode(t *testing.T) {
	mode, err := ParseEligibilityMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeSingle, mode)
	mode, err = ParseEligibilityMode(" DUAL ")
	require.NoError(t, err)
	assert.Equal(t, ModeDual, mode)
	_, err = ParseEligibilityMode("triple")
	assert.Error(t, err)
}

func TestClose_StopsWorkers(t *testing.T) {
	defer goleak.VerifyNone(t)

	mgr, err := New(Config{Store: storage.NewMemory(), Balances: chain.NewStaticOracle(nil), ModerationWorkers: 4})
	require.NoError(t, err)
	mgr.Start()
	mgr.Start()
	mgr.Close()
	mgr.Close()
}

func TestStoreErr_Mapping(t *testing.T) {
	cases := []struct {
		err  error
		code errordefs.ErrorCode
	}{
		{fmt.Errorf("wrap: %w", storage.ErrNotFound), errordefs.MSN_NOT_FOUND},
		{storage.ErrConflict, errordefs.MSN_CONFLICT},
		{storage.ErrMissionFull, errordefs.MSN_CONFLICT},
		{storage.ErrStatusConflict, errordefs.MSN_CONFLICT},
		{context.DeadlineExceeded, errordefs.MSN_UNAVAILABLE},
		{errors.New("disk on fire"), errordefs.MSN_INTERNAL},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, errordefs.CodeOf(storeErr("mission", tc.err)), tc.err.Error())
	}
}

func TestTierFor(t *testing.T) {
	h := newHarness(t)
	h.balances.Set(participant, tier.Tokens(1_000))

	info, err := h.mgr.TierFor(context.Background(), participant)
	require.NoError(t, err)
	assert.Equal(t, "premium", info.Tier.Name)
	assert.Equal(t, tier.Tokens(1_000).String(), info.Balance)

	_, err = h.mgr.TierFor(context.Background(), "nope")
	requireCode(t, err, errordefs.MSN_VALIDATION)

	h.balances.Fail(errors.New("rpc down"))
	_, err = h.mgr.TierFor(context.Background(), participant)
	e := requireCode(t, err, errordefs.MSN_UNAVAILABLE)
	assert.True(t, e.Retryable)

	h.balances.Fail(chain.ErrInvalidAddress)
	_, err = h.mgr.TierFor(context.Background(), participant)
	requireCode(t, err, errordefs.MSN_VALIDATION)
}

func TestVoiceQuota_NilLimiterAllows(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		assert.NoError(t, h.mgr.checkVoiceQuota(context.Background(), participant))
	}
}

func newLimitedHarness(t *testing.T, max int) *harness {
	t.Helper()
	return newHarness(t, func(cfg *Config) {
		l := ratelimit.New(max, time.Hour, ratelimit.WithClock(cfg.Clock))
		t.Cleanup(func() { _ = l.Close() })
		cfg.VoiceLimiter = l
	})
}

// blockingOracle never answers until the caller gives up.
type blockingOracle struct{}

func (blockingOracle) BalanceOf(ctx context.Context, address string) (*big.Int, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestBalanceOf_TimesOut(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Balances = blockingOracle{}
		cfg.BalanceTimeout = 20 * time.Millisecond
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.mgr.CreateMission(context.Background(), creator, validMission())
		done <- err
	}()
	select {
	case err := <-done:
		e := requireCode(t, err, errordefs.MSN_UNAVAILABLE)
		assert.True(t, e.Retryable)
	case <-time.After(2 * time.Second):
		t.Fatal("mission creation blocked on a hung balance oracle")
	}

	_, err := h.mgr.TierFor(context.Background(), participant)
	e := requireCode(t, err, errordefs.MSN_UNAVAILABLE)
	assert.True(t, e.Retryable)
}

func TestBalanceOf_ExactPolicyBoundary(t *testing.T) {
	h := newHarness(t)
	basic, _ := tier.Default.Get(tier.LevelBasic)
	h.balances.Set(creator, basic.Threshold)

	_, err := h.mgr.CreateMission(context.Background(), creator, validMission())
	assert.NoError(t, err)

	h.balances.Set(creator, new(big.Int).Sub(basic.Threshold, big.NewInt(1)))
	_, err = h.mgr.CreateMission(context.Background(), creator, validMission())
	requireCode(t, err, errordefs.MSN_ELIGIBILITY)
}
