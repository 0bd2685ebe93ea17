package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polyMonitorBot/config"
	"polyMonitorBot/internal/domain"
	"polyMonitorBot/internal/ports"
	"polyMonitorBot/internal/strategy"
)

// --- Mock Logger ---

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// --- Mock Repository ---

// mockRepo is an in-memory TradeRepository honouring the same contracts as the
// sqlite adapter: one open trade per slot, closes are atomic and final.
type mockRepo struct {
	mu     sync.Mutex
	nextID int64
	trades map[int64]*domain.Trade

	failCreate error // When set, Create fails with this error
	failClose  error // When set, CloseTrade fails with this error
	creates    int
}

func newMockRepo() *mockRepo {
	return &mockRepo{nextID: 1, trades: make(map[int64]*domain.Trade)}
}

func (m *mockRepo) Create(ctx context.Context, trade *domain.Trade) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if m.failCreate != nil {
		return 0, m.failCreate
	}
	for _, t := range m.trades {
		if t.SlotID == trade.SlotID && t.IsOpen() {
			return 0, ports.ErrDuplicateSlot
		}
	}
	id := m.nextID
	m.nextID++
	stored := *trade
	stored.ID = id
	m.trades[id] = &stored
	return id, nil
}

func (m *mockRepo) CloseTrade(ctx context.Context, id int64, exitPrice float64, exitTime time.Time, outcome domain.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failClose != nil {
		return m.failClose
	}
	t, ok := m.trades[id]
	if !ok {
		return ports.ErrNotFound
	}
	if !t.IsOpen() {
		return ports.ErrAlreadyClosed
	}
	t.ExitPrice = &exitPrice
	t.ExitTime = &exitTime
	t.Outcome = outcome
	return nil
}

func (m *mockRepo) FindOpenBySlot(ctx context.Context, slotID string) (*domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.trades {
		if t.SlotID == slotID && t.IsOpen() {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockRepo) FindByID(ctx context.Context, id int64) (*domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *mockRepo) List(ctx context.Context, filter ports.TradeFilter) ([]*domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Trade
	for _, t := range m.trades {
		if filter.Status != "" && t.Status() != filter.Status {
			continue
		}
		if filter.SlotID != "" && t.SlotID != filter.SlotID {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockRepo) Counts(ctx context.Context) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var open, closed int
	for _, t := range m.trades {
		if t.IsOpen() {
			open++
		} else {
			closed++
		}
	}
	return open, closed, nil
}

// --- Mock Feed ---

type mockFeed struct {
	mu         sync.Mutex
	ticks      chan domain.Tick
	connected  bool
	closed     bool
	err        error
	subscribed [][]domain.MarketSlot
}

func newMockFeed() *mockFeed {
	return &mockFeed{ticks: make(chan domain.Tick, 16)}
}

func (m *mockFeed) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *mockFeed) Subscribe(ctx context.Context, slots []domain.MarketSlot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]domain.MarketSlot, len(slots))
	copy(cp, slots)
	m.subscribed = append(m.subscribed, cp)
	return nil
}

func (m *mockFeed) Ticks() <-chan domain.Tick { return m.ticks }
func (m *mockFeed) Err() error                { return m.err }

func (m *mockFeed) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ticks)
	}
	return nil
}

// --- Mock Provider / Cache / Policy / Notifier ---

type mockProvider struct {
	mu    sync.Mutex
	slots []domain.MarketSlot
	err   error
	calls int
}

func (m *mockProvider) FetchUpcomingSlots(ctx context.Context) ([]domain.MarketSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.slots, nil
}

type mockCache struct {
	mu       sync.Mutex
	slots    []domain.MarketSlot
	cleared  int
	replaced int
}

func (m *mockCache) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared++
	m.slots = nil
	return nil
}

func (m *mockCache) Replace(slots []domain.MarketSlot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaced++
	m.slots = append([]domain.MarketSlot(nil), slots...)
	return nil
}

func (m *mockCache) Load() ([]domain.MarketSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.MarketSlot(nil), m.slots...), nil
}

type mockPolicy struct {
	evaluate func(ctx context.Context, state domain.SlotState) domain.Action
}

func (m *mockPolicy) Evaluate(ctx context.Context, state domain.SlotState) domain.Action {
	if m.evaluate == nil {
		return domain.NoAction
	}
	return m.evaluate(ctx, state)
}

type mockNotifier struct {
	mu     sync.Mutex
	opened []int64
	closed []int64
}

func (m *mockNotifier) TradeOpened(ctx context.Context, trade *domain.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = append(m.opened, trade.ID)
	return nil
}

func (m *mockNotifier) TradeClosed(ctx context.Context, trade *domain.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, trade.ID)
	return nil
}

// --- Test Harness ---

type testHarness struct {
	svc      *MonitorService
	repo     *mockRepo
	feed     *mockFeed
	provider *mockProvider
	cache    *mockCache
	notifier *mockNotifier
	now      time.Time
}

func testConfig() *config.Config {
	return &config.Config{
		Assets:          []string{"BTC", "ETH"},
		SlotInterval:    15 * time.Minute,
		SlotCount:       4,
		MinIndexed:      1,
		RefreshInterval: time.Hour,
		SweepInterval:   time.Second,
		BackoffMin:      time.Millisecond,
		BackoffMax:      10 * time.Millisecond,
		MaxOpenTrades:   8,
		EntryThreshold:  0.55,
		TakeProfit:      0.70,
		StopLoss:        0.40,
		ExitBuffer:      30 * time.Second,
	}
}

func newHarness(t *testing.T, cfg *config.Config, policy ports.DecisionPolicy) *testHarness {
	t.Helper()
	h := &testHarness{
		repo:     newMockRepo(),
		feed:     newMockFeed(),
		provider: &mockProvider{},
		cache:    &mockCache{},
		notifier: &mockNotifier{},
		now:      time.Date(2025, 1, 1, 12, 5, 0, 0, time.UTC),
	}
	svc, err := NewMonitorService(cfg, &mockLogger{}, h.feed, h.provider, h.cache, h.repo, policy, h.notifier)
	require.NoError(t, err)
	svc.now = func() time.Time { return h.now }
	h.svc = svc
	return h
}

// testSlot builds a slot whose window contains the harness clock.
func (h *testHarness) testSlot(asset string) domain.MarketSlot {
	start := h.now.Truncate(15 * time.Minute)
	return domain.MarketSlot{
		Asset:       asset,
		SlotID:      fmt.Sprintf("%s-updown-15m-%d", asset, start.Unix()),
		UpTokenID:   asset + "-up",
		DownTokenID: asset + "-down",
		WindowStart: start,
		WindowEnd:   start.Add(15 * time.Minute),
	}
}

func (h *testHarness) track(slot domain.MarketSlot) *slotTracker {
	tracker := &slotTracker{slot: slot}
	h.svc.mu.Lock()
	h.svc.trackers[slot.SlotID] = tracker
	h.svc.mu.Unlock()
	return tracker
}

func (h *testHarness) tick(slot domain.MarketSlot, price float64) {
	h.svc.handleTick(context.Background(), domain.Tick{
		SlotID:     slot.SlotID,
		Asset:      slot.Asset,
		Price:      price,
		ReceivedAt: h.now,
	})
}

// --- Service Construction ---

func TestNewMonitorService_Validation(t *testing.T) {
	cfg := testConfig()
	logger := &mockLogger{}
	feed := newMockFeed()
	provider := &mockProvider{}
	cache := &mockCache{}
	repo := newMockRepo()
	policy := &mockPolicy{}
	notifier := &mockNotifier{}

	_, err := NewMonitorService(nil, logger, feed, provider, cache, repo, policy, notifier)
	assert.Error(t, err, "nil config should be rejected")

	_, err = NewMonitorService(cfg, logger, nil, provider, cache, repo, policy, notifier)
	assert.Error(t, err, "nil feed should be rejected")

	bad := testConfig()
	bad.MaxOpenTrades = 0
	_, err = NewMonitorService(bad, logger, feed, provider, cache, repo, policy, notifier)
	assert.Error(t, err, "non-positive MaxOpenTrades should be rejected")

	_, err = NewMonitorService(cfg, logger, feed, provider, cache, repo, policy, notifier)
	assert.NoError(t, err)
}

// --- Tick Handling ---

// The canonical lifecycle: prices 0.40 then 0.55 cross the entry threshold,
// so a trade opens at 0.55; the next tick at 0.70 hits take-profit and the
// trade closes as a win.
func TestHandleTick_ThresholdCrossLifecycle(t *testing.T) {
	cfg := testConfig()
	policy, err := strategy.New(strategy.Config{
		EntryThreshold: cfg.EntryThreshold,
		TakeProfit:     cfg.TakeProfit,
		StopLoss:       cfg.StopLoss,
		ExitBuffer:     cfg.ExitBuffer,
	}, &mockLogger{})
	require.NoError(t, err)

	h := newHarness(t, cfg, policy)
	slot := h.testSlot("btc")
	tracker := h.track(slot)

	h.tick(slot, 0.40)
	assert.Nil(t, tracker.open, "first cross input should not enter yet")

	h.tick(slot, 0.55)
	require.NotNil(t, tracker.open, "crossing the threshold should open a trade")
	assert.Equal(t, domain.SideUp, tracker.open.Side)
	assert.Equal(t, 0.55, tracker.open.EntryPrice)
	tradeID := tracker.open.ID

	h.tick(slot, 0.70)
	assert.Nil(t, tracker.open, "take-profit should close the trade")

	stored, err := h.repo.FindByID(context.Background(), tradeID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.NotNil(t, stored.ExitPrice)
	assert.Equal(t, 0.70, *stored.ExitPrice)
	assert.Equal(t, domain.OutcomeWin, stored.Outcome)

	assert.Equal(t, []int64{tradeID}, h.notifier.opened)
	assert.Equal(t, []int64{tradeID}, h.notifier.closed)
}

func TestHandleTick_UntrackedSlotIgnored(t *testing.T) {
	h := newHarness(t, testConfig(), &mockPolicy{
		evaluate: func(ctx context.Context, state domain.SlotState) domain.Action {
			t.Fatal("policy should not run for untracked slots")
			return domain.NoAction
		},
	})
	h.tick(h.testSlot("btc"), 0.60)
	assert.Equal(t, 0, h.repo.creates)
}

func TestHandleTick_NoDoubleEntry(t *testing.T) {
	// A policy that always wants in. The engine must still never open a
	// second trade on the same slot.
	h := newHarness(t, testConfig(), &mockPolicy{
		evaluate: func(ctx context.Context, state domain.SlotState) domain.Action {
			return domain.Enter(domain.SideUp)
		},
	})
	slot := h.testSlot("btc")
	tracker := h.track(slot)

	h.tick(slot, 0.60)
	require.NotNil(t, tracker.open)
	firstID := tracker.open.ID

	h.tick(slot, 0.65)
	h.tick(slot, 0.68)
	assert.Equal(t, firstID, tracker.open.ID, "open trade must be preserved")

	open, closed, err := h.repo.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, open)
	assert.Equal(t, 0, closed)
}

func TestHandleTick_MaxOpenTradesCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxOpenTrades = 1
	h := newHarness(t, cfg, &mockPolicy{
		evaluate: func(ctx context.Context, state domain.SlotState) domain.Action {
			if state.Open == nil {
				return domain.Enter(domain.SideUp)
			}
			return domain.NoAction
		},
	})
	btc := h.testSlot("btc")
	eth := h.testSlot("eth")
	btcTracker := h.track(btc)
	ethTracker := h.track(eth)

	h.tick(btc, 0.60)
	h.tick(eth, 0.60)

	require.NotNil(t, btcTracker.open)
	assert.Nil(t, ethTracker.open, "cap of one open trade must hold across slots")
}

func TestHandleTick_DuplicateSlotReattaches(t *testing.T) {
	// The store already holds an open trade the tracker lost (restart race).
	// Entry must reconcile against the store record, not create a second one.
	h := newHarness(t, testConfig(), &mockPolicy{
		evaluate: func(ctx context.Context, state domain.SlotState) domain.Action {
			if state.Open == nil {
				return domain.Enter(domain.SideUp)
			}
			return domain.NoAction
		},
	})
	slot := h.testSlot("btc")
	tracker := h.track(slot)

	existingID, err := h.repo.Create(context.Background(), &domain.Trade{
		Asset: slot.Asset, SlotID: slot.SlotID, Side: domain.SideDown,
		EntryPrice: 0.45, EntryTime: h.now.Add(-time.Minute),
	})
	require.NoError(t, err)
	h.repo.creates = 0

	h.tick(slot, 0.60)
	require.NotNil(t, tracker.open)
	assert.Equal(t, existingID, tracker.open.ID, "engine must re-attach to the stored open trade")

	open, _, err := h.repo.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, open)
}

func TestHandleTick_CreateFailureLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t, testConfig(), &mockPolicy{
		evaluate: func(ctx context.Context, state domain.SlotState) domain.Action {
			if state.Open == nil {
				return domain.Enter(domain.SideUp)
			}
			return domain.NoAction
		},
	})
	slot := h.testSlot("btc")
	tracker := h.track(slot)

	h.repo.failCreate = ports.ErrUpdateFailed
	h.tick(slot, 0.60)
	assert.Nil(t, tracker.open, "failed write must not mutate tracker state")
	assert.Equal(t, 0, h.svc.guard.OpenCount())

	// The store recovers; the same decision fires again on the next tick.
	h.repo.failCreate = nil
	h.tick(slot, 0.61)
	require.NotNil(t, tracker.open)
	assert.Equal(t, 0.61, tracker.open.EntryPrice)
}

func TestHandleTick_CloseFailureKeepsTradeOpen(t *testing.T) {
	h := newHarness(t, testConfig(), &mockPolicy{
		evaluate: func(ctx context.Context, state domain.SlotState) domain.Action {
			if state.Open == nil {
				return domain.Enter(domain.SideUp)
			}
			return domain.Exit()
		},
	})
	slot := h.testSlot("btc")
	tracker := h.track(slot)

	h.tick(slot, 0.60)
	require.NotNil(t, tracker.open)
	tradeID := tracker.open.ID

	h.repo.failClose = ports.ErrUpdateFailed
	h.tick(slot, 0.70)
	require.NotNil(t, tracker.open, "failed close must keep the trade open")
	assert.Equal(t, tradeID, tracker.open.ID)

	h.repo.failClose = nil
	h.tick(slot, 0.72)
	assert.Nil(t, tracker.open, "recovered store should allow the retried close")

	stored, err := h.repo.FindByID(context.Background(), tradeID)
	require.NoError(t, err)
	require.NotNil(t, stored.ExitPrice)
	assert.Equal(t, 0.72, *stored.ExitPrice)
}

func TestHandleTick_AlreadyClosedReleasesTracker(t *testing.T) {
	h := newHarness(t, testConfig(), &mockPolicy{
		evaluate: func(ctx context.Context, state domain.SlotState) domain.Action {
			if state.Open == nil {
				return domain.Enter(domain.SideUp)
			}
			return domain.Exit()
		},
	})
	slot := h.testSlot("btc")
	tracker := h.track(slot)

	h.tick(slot, 0.60)
	require.NotNil(t, tracker.open)
	tradeID := tracker.open.ID

	// Close behind the engine's back; the store record wins.
	require.NoError(t, h.repo.CloseTrade(context.Background(), tradeID, 0.65, h.now, domain.OutcomeWin))

	h.tick(slot, 0.70)
	assert.Nil(t, tracker.open, "stale open state must be released")
	assert.Equal(t, 0, h.svc.guard.OpenCount())

	stored, err := h.repo.FindByID(context.Background(), tradeID)
	require.NoError(t, err)
	assert.Equal(t, 0.65, *stored.ExitPrice, "the earlier close must be preserved")
}

// --- Sweep ---

func TestSweepExpired_ForceClosesOpenTrades(t *testing.T) {
	h := newHarness(t, testConfig(), &mockPolicy{})
	slot := h.testSlot("btc")
	tracker := h.track(slot)

	id, err := h.repo.Create(context.Background(), &domain.Trade{
		Asset: slot.Asset, SlotID: slot.SlotID, Side: domain.SideUp,
		EntryPrice: 0.58, EntryTime: h.now,
	})
	require.NoError(t, err)
	tracker.open = &domain.Trade{ID: id, Asset: slot.Asset, SlotID: slot.SlotID, Side: domain.SideUp, EntryPrice: 0.58, EntryTime: h.now}
	tracker.lastPrice = 0.80
	h.svc.guard.RecordOpen(h.now)

	// Window still live: nothing happens.
	h.svc.sweepExpired(context.Background())
	assert.NotNil(t, tracker.open)

	// Advance past the window end.
	h.now = slot.WindowEnd.Add(time.Second)
	h.svc.sweepExpired(context.Background())

	stored, err := h.repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, stored.ExitPrice)
	assert.Equal(t, 0.80, *stored.ExitPrice)
	assert.Equal(t, domain.OutcomeWin, stored.Outcome, "final price above 0.5 settles up")

	h.svc.mu.Lock()
	_, stillTracked := h.svc.trackers[slot.SlotID]
	h.svc.mu.Unlock()
	assert.False(t, stillTracked, "expired slot must be retired")
	assert.Equal(t, 0, h.svc.guard.OpenCount())
}

func TestSweepExpired_NoPriceResolvesVoid(t *testing.T) {
	// A trade recovered after an outage may never see a tick before its
	// window elapses. It closes at the entry price, void.
	h := newHarness(t, testConfig(), &mockPolicy{})
	slot := h.testSlot("btc")
	tracker := h.track(slot)

	id, err := h.repo.Create(context.Background(), &domain.Trade{
		Asset: slot.Asset, SlotID: slot.SlotID, Side: domain.SideUp,
		EntryPrice: 0.58, EntryTime: h.now,
	})
	require.NoError(t, err)
	tracker.open = &domain.Trade{ID: id, Asset: slot.Asset, SlotID: slot.SlotID, Side: domain.SideUp, EntryPrice: 0.58, EntryTime: h.now}
	h.svc.guard.RecordOpen(h.now)

	h.now = slot.WindowEnd.Add(time.Second)
	h.svc.sweepExpired(context.Background())

	stored, err := h.repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, stored.ExitPrice)
	assert.Equal(t, 0.58, *stored.ExitPrice)
	assert.Equal(t, domain.OutcomeVoid, stored.Outcome)
}

func TestSweepExpired_RetiresFlatTrackers(t *testing.T) {
	h := newHarness(t, testConfig(), &mockPolicy{})
	slot := h.testSlot("btc")
	h.track(slot)

	h.now = slot.WindowEnd.Add(time.Second)
	h.svc.sweepExpired(context.Background())

	assert.Equal(t, 0, h.svc.trackedCount())
}

func TestSweepExpired_CloseFailureRetries(t *testing.T) {
	h := newHarness(t, testConfig(), &mockPolicy{})
	slot := h.testSlot("btc")
	tracker := h.track(slot)

	id, err := h.repo.Create(context.Background(), &domain.Trade{
		Asset: slot.Asset, SlotID: slot.SlotID, Side: domain.SideUp,
		EntryPrice: 0.58, EntryTime: h.now,
	})
	require.NoError(t, err)
	tracker.open = &domain.Trade{ID: id, Asset: slot.Asset, SlotID: slot.SlotID, Side: domain.SideUp, EntryPrice: 0.58, EntryTime: h.now}
	tracker.lastPrice = 0.30
	h.svc.guard.RecordOpen(h.now)

	h.now = slot.WindowEnd.Add(time.Second)
	h.repo.failClose = ports.ErrUpdateFailed
	h.svc.sweepExpired(context.Background())
	assert.Equal(t, 1, h.svc.trackedCount(), "tracker must survive a failed forced close")

	h.repo.failClose = nil
	h.svc.sweepExpired(context.Background())
	assert.Equal(t, 0, h.svc.trackedCount())

	stored, err := h.repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeLoss, stored.Outcome, "final price below 0.5 settles down")
}

// --- Refresh ---

func TestRefreshSlots_ReplacesSetWholesale(t *testing.T) {
	h := newHarness(t, testConfig(), &mockPolicy{})

	s1 := h.testSlot("btc")
	s2 := h.testSlot("eth")
	s3 := h.testSlot("sol")

	// Cycle one discovers {S1, S2}.
	h.provider.slots = []domain.MarketSlot{s1, s2}
	require.NoError(t, h.svc.refreshSlots(context.Background()))
	assert.Equal(t, 2, h.svc.trackedCount())

	// Seed price history on S2 to prove it survives the next cycle.
	h.svc.mu.Lock()
	h.svc.trackers[s2.SlotID].lastPrice = 0.52
	h.svc.mu.Unlock()

	// Cycle two discovers {S2, S3}: S1 goes, S3 arrives, S2 keeps history.
	h.provider.slots = []domain.MarketSlot{s2, s3}
	require.NoError(t, h.svc.refreshSlots(context.Background()))

	h.svc.mu.Lock()
	_, hasS1 := h.svc.trackers[s1.SlotID]
	trackerS2, hasS2 := h.svc.trackers[s2.SlotID]
	_, hasS3 := h.svc.trackers[s3.SlotID]
	h.svc.mu.Unlock()

	assert.False(t, hasS1, "dropped flat slot must be removed")
	require.True(t, hasS2)
	assert.Equal(t, 0.52, trackerS2.lastPrice, "retained slot keeps its price history")
	assert.True(t, hasS3)

	cached, err := h.cache.Load()
	require.NoError(t, err)
	assert.Len(t, cached, 2, "cache holds exactly the latest set")
	assert.Equal(t, 2, h.cache.replaced)
}

func TestRefreshSlots_KeepsDroppedSlotWithOpenTrade(t *testing.T) {
	h := newHarness(t, testConfig(), &mockPolicy{})
	s1 := h.testSlot("btc")
	s2 := h.testSlot("eth")

	h.provider.slots = []domain.MarketSlot{s1, s2}
	require.NoError(t, h.svc.refreshSlots(context.Background()))

	h.svc.mu.Lock()
	h.svc.trackers[s1.SlotID].open = &domain.Trade{ID: 1, SlotID: s1.SlotID, Side: domain.SideUp, EntryPrice: 0.6}
	h.svc.mu.Unlock()

	h.provider.slots = []domain.MarketSlot{s2}
	require.NoError(t, h.svc.refreshSlots(context.Background()))

	h.svc.mu.Lock()
	_, hasS1 := h.svc.trackers[s1.SlotID]
	h.svc.mu.Unlock()
	assert.True(t, hasS1, "a slot with an open trade outlives the refresh that dropped it")
}

func TestRefreshSlots_FetchFailureKeepsPrevious(t *testing.T) {
	h := newHarness(t, testConfig(), &mockPolicy{})
	s1 := h.testSlot("btc")

	h.provider.slots = []domain.MarketSlot{s1}
	require.NoError(t, h.svc.refreshSlots(context.Background()))

	h.provider.err = ports.ErrNoSlotsIndexed
	err := h.svc.refreshSlots(context.Background())
	assert.ErrorIs(t, err, ports.ErrNoSlotsIndexed)
	assert.Equal(t, 1, h.svc.trackedCount(), "failed refresh must not touch the tracked set")
}

func TestSubscribeTracked_SkipsTokenlessSlots(t *testing.T) {
	h := newHarness(t, testConfig(), &mockPolicy{})
	s1 := h.testSlot("btc")
	h.track(s1)

	// A recovered slot has no token IDs until it reappears in a refresh.
	recovered := domain.MarketSlot{Asset: "eth", SlotID: "eth-updown-15m-999", WindowStart: h.now, WindowEnd: h.now.Add(time.Minute)}
	h.track(recovered)

	require.NoError(t, h.svc.subscribeTracked(context.Background()))
	require.Len(t, h.feed.subscribed, 1)
	require.Len(t, h.feed.subscribed[0], 1)
	assert.Equal(t, s1.SlotID, h.feed.subscribed[0][0].SlotID)
}

// --- Recovery ---

func TestRecoverOpenTrades_RebuildsTrackers(t *testing.T) {
	h := newHarness(t, testConfig(), &mockPolicy{})
	start := h.now.Truncate(15 * time.Minute)
	slug := fmt.Sprintf("btc-updown-15m-%d", start.Unix())

	id, err := h.repo.Create(context.Background(), &domain.Trade{
		Asset: "btc", SlotID: slug, Side: domain.SideUp,
		EntryPrice: 0.60, EntryTime: start,
	})
	require.NoError(t, err)

	require.NoError(t, h.svc.recoverOpenTrades(context.Background()))

	h.svc.mu.Lock()
	tracker, ok := h.svc.trackers[slug]
	h.svc.mu.Unlock()
	require.True(t, ok, "open trade must be re-tracked after restart")
	require.NotNil(t, tracker.open)
	assert.Equal(t, id, tracker.open.ID)
	assert.Equal(t, start, tracker.slot.WindowStart)
	assert.Equal(t, start.Add(15*time.Minute), tracker.slot.WindowEnd)
	assert.Equal(t, 1, h.svc.guard.OpenCount())
}

func TestRecoverOpenTrades_UnparseableSlugSweptVoid(t *testing.T) {
	h := newHarness(t, testConfig(), &mockPolicy{})

	id, err := h.repo.Create(context.Background(), &domain.Trade{
		Asset: "btc", SlotID: "legacy-slug", Side: domain.SideUp,
		EntryPrice: 0.60, EntryTime: h.now.Add(-time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, h.svc.recoverOpenTrades(context.Background()))
	require.Equal(t, 1, h.svc.trackedCount())

	// The zero-valued window is already expired, so the first sweep voids it.
	h.svc.sweepExpired(context.Background())

	stored, err := h.repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, stored.ExitPrice)
	assert.Equal(t, domain.OutcomeVoid, stored.Outcome)
	assert.Equal(t, 0, h.svc.trackedCount())
}

// --- Full Lifecycle via Start ---

func TestStart_GracefulShutdownKeepsStoreConsistent(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, &mockPolicy{
		evaluate: func(ctx context.Context, state domain.SlotState) domain.Action {
			if state.Open == nil && state.LastPrice >= 0.60 {
				return domain.Enter(domain.SideUp)
			}
			return domain.NoAction
		},
	})
	slot := h.testSlot("btc")
	h.provider.slots = []domain.MarketSlot{slot}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.svc.Start(ctx) }()

	h.feed.ticks <- domain.Tick{SlotID: slot.SlotID, Asset: slot.Asset, Price: 0.62, ReceivedAt: h.now}

	// Wait until the entry is durably recorded.
	require.Eventually(t, func() bool {
		open, _, err := h.repo.Counts(context.Background())
		return err == nil && open == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after context cancellation")
	}

	// The window was still live at shutdown: the trade stays open for the
	// next run's recovery, and the cache holds the last-known slot set.
	open, closed, err := h.repo.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, open)
	assert.Equal(t, 0, closed)
	assert.GreaterOrEqual(t, h.cache.cleared, 1, "startup must clear the cache")
	assert.True(t, h.feed.closed, "shutdown must close the feed")
}

func TestStart_FatalFeedErrorStopsService(t *testing.T) {
	h := newHarness(t, testConfig(), &mockPolicy{})
	h.provider.slots = []domain.MarketSlot{h.testSlot("btc")}
	h.feed.err = ports.ErrConnectionFailed

	done := make(chan error, 1)
	go func() { done <- h.svc.Start(context.Background()) }()

	// Simulate the feed giving up: tick channel closes with a fatal error set.
	require.Eventually(t, func() bool {
		h.feed.mu.Lock()
		defer h.feed.mu.Unlock()
		return h.feed.connected
	}, 2*time.Second, 10*time.Millisecond)
	h.feed.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ports.ErrConnectionFailed)
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after fatal feed error")
	}
}
