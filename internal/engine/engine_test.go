package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradewatch/internal/ai"
	"tradewatch/internal/market"
	"tradewatch/internal/model"
	"tradewatch/internal/notify"
)

func f(v float64) *float64 { return &v }

// fakeStore is an in-memory Storage implementation
type fakeStore struct {
	mu sync.Mutex

	users       map[int64]*model.User
	watchlists  map[int64][]string
	positions   map[int64][]model.Position
	news        map[string][]model.NewsItem
	alerts      []*model.Alert
	dailyCounts map[string]int
	cooldowns   map[string]*model.CooldownRecord

	cooldownAvailable bool
	dailyAvailable    bool

	insertErr error
	badUserID int64
	nextID    int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:             map[int64]*model.User{1: {ID: 1, Email: "trader@example.com", AIEnabled: true}},
		watchlists:        map[int64][]string{},
		positions:         map[int64][]model.Position{},
		news:              map[string][]model.NewsItem{},
		dailyCounts:       map[string]int{},
		cooldowns:         map[string]*model.CooldownRecord{},
		cooldownAvailable: true,
		dailyAvailable:    true,
	}
}

func cooldownKey(symbol string, direction model.Direction) string {
	return symbol + ":" + string(direction)
}

func dayKey(userID int64, day time.Time) string {
	return fmt.Sprintf("%d:%s", userID, day.Format("2006-01-02"))
}

func (s *fakeStore) ActiveUsers(ctx context.Context) ([]model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var users []model.User
	for _, u := range s.users {
		users = append(users, *u)
	}
	return users, nil
}

func (s *fakeStore) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.badUserID != 0 && userID == s.badUserID {
		return nil, errors.New("row scan failed")
	}
	return s.users[userID], nil
}

func (s *fakeStore) WatchlistSymbols(ctx context.Context, userID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watchlists[userID], nil
}

func (s *fakeStore) OpenPositions(ctx context.Context, userID int64) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[userID], nil
}

func (s *fakeStore) RecentNews(ctx context.Context, symbol string, limit int) ([]model.NewsItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.news[symbol], nil
}

func (s *fakeStore) InsertAlert(ctx context.Context, alert *model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.nextID++
	alert.ID = s.nextID
	alert.CreatedAt = time.Now()
	stored := *alert
	s.alerts = append(s.alerts, &stored)
	return nil
}

func (s *fakeStore) HasRecentAlert(ctx context.Context, userID int64, symbol string, alertType model.AlertType, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.UserID == userID && a.Symbol == symbol && a.Type == alertType && a.CreatedAt.After(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) MarkNotified(ctx context.Context, alertID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.ID == alertID {
			a.Notified = true
		}
	}
	return nil
}

func (s *fakeStore) OpenAlerts(ctx context.Context) ([]model.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []model.Alert
	for _, a := range s.alerts {
		if a.Outcome == model.OutcomeOpen {
			open = append(open, *a)
		}
	}
	return open, nil
}

func (s *fakeStore) ResolveAlert(ctx context.Context, alertID int64, outcome model.Outcome, price float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.ID == alertID && a.Outcome == model.OutcomeOpen {
			a.Outcome = outcome
			a.OutcomePrice = &price
			a.OutcomeDate = &at
		}
	}
	return nil
}

func (s *fakeStore) DailyAlertCount(ctx context.Context, userID int64, day time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dailyCounts[dayKey(userID, day)], nil
}

func (s *fakeStore) IncrementDailyCount(ctx context.Context, userID int64, day time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dailyCounts[dayKey(userID, day)]++
	return nil
}

func (s *fakeStore) InCooldown(ctx context.Context, symbol string, direction model.Direction, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.cooldowns[cooldownKey(symbol, direction)]
	return rec != nil && rec.CooldownUntil != nil && now.Before(*rec.CooldownUntil), nil
}

func (s *fakeStore) RecordRejection(ctx context.Context, symbol string, direction model.Direction) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cooldownKey(symbol, direction)
	rec := s.cooldowns[key]
	if rec == nil {
		rec = &model.CooldownRecord{Symbol: symbol, Direction: direction}
		s.cooldowns[key] = rec
	}
	rec.Rejections++
	return rec.Rejections, nil
}

func (s *fakeStore) SetCooldown(ctx context.Context, symbol string, direction model.Direction, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cooldownKey(symbol, direction)
	rec := s.cooldowns[key]
	if rec == nil {
		rec = &model.CooldownRecord{Symbol: symbol, Direction: direction}
		s.cooldowns[key] = rec
	}
	rec.CooldownUntil = &until
	return nil
}

func (s *fakeStore) ResetRejections(ctx context.Context, symbol string, direction model.Direction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cooldownKey(symbol, direction)
	rec := s.cooldowns[key]
	if rec == nil {
		rec = &model.CooldownRecord{Symbol: symbol, Direction: direction}
		s.cooldowns[key] = rec
	}
	rec.Rejections = 0
	return nil
}

func (s *fakeStore) CooldownTrackingAvailable() bool { return s.cooldownAvailable }
func (s *fakeStore) DailyCountAvailable() bool       { return s.dailyAvailable }

// fakeMarket serves canned quotes and candles and counts fetches
type fakeMarket struct {
	mu         sync.Mutex
	quotes     map[string]*model.Quote
	quoteErrs  map[string]error
	candles    map[string][]model.Candle
	candleErrs map[string]error
	quoteCalls map[string]int
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		quotes:     map[string]*model.Quote{},
		quoteErrs:  map[string]error{},
		candles:    map[string][]model.Candle{},
		candleErrs: map[string]error{},
		quoteCalls: map[string]int{},
	}
}

func (m *fakeMarket) Quote(ctx context.Context, symbol string) (*model.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quoteCalls[symbol]++
	if err := m.quoteErrs[symbol]; err != nil {
		return nil, err
	}
	if q := m.quotes[symbol]; q != nil {
		return q, nil
	}
	return nil, errors.New("unknown symbol")
}

func (m *fakeMarket) Candles(ctx context.Context, symbol, resolution string, from, to time.Time) ([]model.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.candleErrs[symbol]; err != nil {
		return nil, err
	}
	return m.candles[symbol], nil
}

// fakeValidator returns scripted verdicts and records calls
type fakeValidator struct {
	mu       sync.Mutex
	verdict  ai.Verdict
	calls    int
	lastCand *model.Candidate
}

func (v *fakeValidator) ValidateSignal(ctx context.Context, cand *model.Candidate, cfg ai.UserConfig, news []model.NewsItem) ai.Verdict {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	v.lastCand = cand
	return v.verdict
}

// fakeNotifier optionally fails push delivery
type fakeNotifier struct {
	err   error
	calls int
}

func (n *fakeNotifier) NotifyAlert(ctx context.Context, user *model.User, alert *model.Alert) (int, error) {
	n.calls++
	if n.err != nil {
		return 0, n.err
	}
	return 1, nil
}

// fakeHub collects broadcasts
type fakeHub struct {
	mu     sync.Mutex
	alerts []*model.Alert
}

func (h *fakeHub) BroadcastAlert(alert *model.Alert) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alerts = append(h.alerts, alert)
}

func strongBuySnapshot() *model.Snapshot {
	return &model.Snapshot{
		Symbol:       "AAPL",
		CurrentPrice: f(100),
		RSI:          f(25),
		MACD:         &model.MACD{Line: 1.0, Signal: 0.5, Histogram: 0.5},
		Bollinger:    &model.Bollinger{Upper: 110, Middle: 105, Lower: 100},
		ATR:          f(4),
		VolumeRatio:  f(2.0),
		DayChange:    1.5,
	}
}

func holdSnapshot() *model.Snapshot {
	return &model.Snapshot{
		Symbol:       "AAPL",
		CurrentPrice: f(100),
		RSI:          f(50),
		MACD:         &model.MACD{Line: 1, Signal: 1, Histogram: 0},
		Bollinger:    &model.Bollinger{Upper: 200, Middle: 150, Lower: 50},
		ATR:          f(4),
	}
}

func newTestEngine(store *fakeStore, market *fakeMarket, validator SignalValidator, hub Broadcaster, notifier notify.Notifier) *Engine {
	return New(store, market, validator, hub, notifier, nil, Config{})
}

func TestRunUserCycleCreatesAlert(t *testing.T) {
	store := newFakeStore()
	hub := &fakeHub{}
	notifier := &fakeNotifier{}
	e := newTestEngine(store, newFakeMarket(), nil, hub, notifier)

	result, err := e.RunUserCycle(context.Background(), 1, Options{
		Symbols:   []string{"AAPL"},
		Snapshots: map[string]*model.Snapshot{"AAPL": strongBuySnapshot()},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.AlertsCreated)

	require.Len(t, store.alerts, 1)
	alert := store.alerts[0]
	assert.Equal(t, model.TypeOpportunity, alert.Type)
	assert.Equal(t, model.StrongBuy, alert.Recommendation)
	require.NotNil(t, alert.StopLoss)
	assert.InDelta(t, 90.0, *alert.StopLoss, 1e-9) // RSI 25 regime, 2.5x ATR
	assert.True(t, alert.Notified, "push succeeded, notified flag set")

	assert.Len(t, hub.alerts, 1)
	assert.Equal(t, 1, notifier.calls)
	assert.Equal(t, 1, store.dailyCounts[dayKey(1, time.Now())])
}

func TestHoldProducesNoCandidate(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store, newFakeMarket(), nil, nil, nil)

	result, err := e.RunUserCycle(context.Background(), 1, Options{
		Symbols:   []string{"AAPL"},
		Snapshots: map[string]*model.Snapshot{"AAPL": holdSnapshot()},
	})
	require.NoError(t, err)
	assert.Zero(t, result.AlertsCreated)
	assert.Empty(t, store.alerts)
}

func TestDuplicateAlertSuppressed(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store, newFakeMarket(), nil, nil, nil)
	opts := Options{
		Symbols:   []string{"AAPL"},
		Snapshots: map[string]*model.Snapshot{"AAPL": strongBuySnapshot()},
	}

	first, err := e.RunUserCycle(context.Background(), 1, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, first.AlertsCreated)

	second, err := e.RunUserCycle(context.Background(), 1, opts)
	require.NoError(t, err)
	assert.Zero(t, second.AlertsCreated)
	assert.Equal(t, 1, second.Metrics.Duplicates)
	assert.Len(t, store.alerts, 1)
}

func TestDuplicateWindowExpires(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store, newFakeMarket(), nil, nil, nil)
	opts := Options{
		Symbols:   []string{"AAPL"},
		Snapshots: map[string]*model.Snapshot{"AAPL": strongBuySnapshot()},
	}

	first, err := e.RunUserCycle(context.Background(), 1, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, first.AlertsCreated)

	// Default window is 4h; an hour past it the same signal fires again.
	e.now = func() time.Time { return time.Now().Add(5 * time.Hour) }

	second, err := e.RunUserCycle(context.Background(), 1, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, second.AlertsCreated)
	assert.Zero(t, second.Metrics.Duplicates)
	assert.Len(t, store.alerts, 2)
}

func TestDailyCapEnforced(t *testing.T) {
	store := newFakeStore()
	store.dailyCounts[dayKey(1, time.Now())] = 10
	e := newTestEngine(store, newFakeMarket(), nil, nil, nil)

	result, err := e.RunUserCycle(context.Background(), 1, Options{
		Symbols:   []string{"AAPL"},
		Snapshots: map[string]*model.Snapshot{"AAPL": strongBuySnapshot()},
	})
	require.NoError(t, err)
	assert.Zero(t, result.AlertsCreated)
	assert.Equal(t, 1, result.Metrics.CapSkips)
}

func TestDailyCapIgnoredWhenUnavailable(t *testing.T) {
	store := newFakeStore()
	store.dailyAvailable = false
	store.dailyCounts[dayKey(1, time.Now())] = 10
	e := newTestEngine(store, newFakeMarket(), nil, nil, nil)

	result, err := e.RunUserCycle(context.Background(), 1, Options{
		Symbols:   []string{"AAPL"},
		Snapshots: map[string]*model.Snapshot{"AAPL": strongBuySnapshot()},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.AlertsCreated, "cap not enforced in degraded mode")
}

func TestRejectionsEscalateToCooldown(t *testing.T) {
	store := newFakeStore()
	validator := &fakeValidator{verdict: ai.Verdict{Mode: ai.ModeRejected, Action: "reject"}}
	e := newTestEngine(store, newFakeMarket(), validator, nil, nil)
	opts := Options{
		Symbols:   []string{"AAPL"},
		Snapshots: map[string]*model.Snapshot{"AAPL": strongBuySnapshot()},
	}

	for i := 0; i < 3; i++ {
		result, err := e.RunUserCycle(context.Background(), 1, opts)
		require.NoError(t, err)
		assert.Zero(t, result.AlertsCreated)
	}
	assert.Equal(t, 3, validator.calls)

	rec := store.cooldowns[cooldownKey("AAPL", model.DirectionBull)]
	require.NotNil(t, rec)
	assert.Equal(t, 3, rec.Rejections)
	require.NotNil(t, rec.CooldownUntil, "third rejection opens the timed cooldown")

	// While the cooldown is active the candidate is suppressed before
	// the reviewer is even consulted
	result, err := e.RunUserCycle(context.Background(), 1, opts)
	require.NoError(t, err)
	assert.Zero(t, result.AlertsCreated)
	assert.Equal(t, 1, result.Metrics.CooldownSkips)
	assert.Equal(t, 3, validator.calls)
}

func TestConfirmationResetsRejections(t *testing.T) {
	store := newFakeStore()
	store.cooldowns[cooldownKey("AAPL", model.DirectionBull)] = &model.CooldownRecord{
		Symbol: "AAPL", Direction: model.DirectionBull, Rejections: 2,
	}
	validator := &fakeValidator{verdict: ai.Verdict{Mode: ai.ModeValidated, Confirm: true, Confidence: model.ConfidenceHigh}}
	e := newTestEngine(store, newFakeMarket(), validator, nil, nil)

	result, err := e.RunUserCycle(context.Background(), 1, Options{
		Symbols:   []string{"AAPL"},
		Snapshots: map[string]*model.Snapshot{"AAPL": strongBuySnapshot()},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.AlertsCreated)
	assert.Zero(t, store.cooldowns[cooldownKey("AAPL", model.DirectionBull)].Rejections)
}

func TestValidatedAdjustmentsApplied(t *testing.T) {
	store := newFakeStore()
	validator := &fakeValidator{verdict: ai.Verdict{
		Mode:             ai.ModeValidated,
		Confirm:          true,
		Confidence:       model.ConfidenceMedium,
		AdjustedStopLoss: f(95.5),
		AdjustedTarget:   f(115.0),
		Reasoning:        "stop above recent support",
	}}
	e := newTestEngine(store, newFakeMarket(), validator, nil, nil)

	_, err := e.RunUserCycle(context.Background(), 1, Options{
		Symbols:   []string{"AAPL"},
		Snapshots: map[string]*model.Snapshot{"AAPL": strongBuySnapshot()},
	})
	require.NoError(t, err)

	require.Len(t, store.alerts, 1)
	alert := store.alerts[0]
	assert.Equal(t, model.ConfidenceMedium, alert.Confidence)
	assert.Equal(t, 95.5, *alert.StopLoss)
	assert.Equal(t, 115.0, *alert.TakeProfit)
	assert.Equal(t, "stop above recent support", alert.Reasoning)
}

func TestFallbackProceedsWithDowngrade(t *testing.T) {
	store := newFakeStore()
	validator := &fakeValidator{verdict: ai.Verdict{
		Mode:       ai.ModeFallbackError,
		Confirm:    true,
		Confidence: model.ConfidenceMedium,
	}}
	e := newTestEngine(store, newFakeMarket(), validator, nil, nil)

	result, err := e.RunUserCycle(context.Background(), 1, Options{
		Symbols:   []string{"AAPL"},
		Snapshots: map[string]*model.Snapshot{"AAPL": strongBuySnapshot()},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.AlertsCreated)
	assert.Equal(t, model.ConfidenceMedium, store.alerts[0].Confidence)
}

func TestPushFailureDoesNotFailAlert(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{err: errors.New("push endpoint gone")}
	e := newTestEngine(store, newFakeMarket(), nil, nil, notifier)

	result, err := e.RunUserCycle(context.Background(), 1, Options{
		Symbols:   []string{"AAPL"},
		Snapshots: map[string]*model.Snapshot{"AAPL": strongBuySnapshot()},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.AlertsCreated)
	require.Len(t, store.alerts, 1)
	assert.False(t, store.alerts[0].Notified)
}

func TestAllSymbolsFailingStillReturnsResult(t *testing.T) {
	store := newFakeStore()
	market := newFakeMarket()
	market.quoteErrs["AAPL"] = errors.New("boom")
	market.quoteErrs["MSFT"] = errors.New("boom")
	e := newTestEngine(store, market, nil, nil, nil)

	result, err := e.RunUserCycle(context.Background(), 1, Options{Symbols: []string{"AAPL", "MSFT"}})
	require.NoError(t, err, "degraded conditions must not surface as an error")
	require.NotNil(t, result)
	assert.Zero(t, result.AlertsCreated)
	assert.Equal(t, 2, result.Metrics.Errors)
	assert.Equal(t, 2, result.Metrics.SymbolsScanned)
}

func TestForbiddenCandlesFallBackToSynthetic(t *testing.T) {
	store := newFakeStore()
	mkt := newFakeMarket()
	mkt.quotes["AAPL"] = &model.Quote{Symbol: "AAPL", Price: 100}
	mkt.candleErrs["AAPL"] = &market.StatusError{
		Code: http.StatusForbidden,
		Path: "/stock/candle",
		Body: "You don't have access to this resource.",
	}
	e := newTestEngine(store, mkt, nil, nil, nil)

	result, err := e.RunUserCycle(context.Background(), 1, Options{Symbols: []string{"AAPL"}})
	require.NoError(t, err)
	assert.Zero(t, result.Metrics.Errors, "entitlement denial falls back to interpolated pricing instead of skipping")
	assert.Equal(t, 1, result.Metrics.SymbolsScanned)
}

func TestUnknownUserIsAnError(t *testing.T) {
	e := newTestEngine(newFakeStore(), newFakeMarket(), nil, nil, nil)
	_, err := e.RunUserCycle(context.Background(), 99, Options{})
	assert.Error(t, err)
}

func TestStopLossWatchBypassesAI(t *testing.T) {
	store := newFakeStore()
	validator := &fakeValidator{verdict: ai.Verdict{Mode: ai.ModeRejected}}
	notifier := &fakeNotifier{}
	e := newTestEngine(store, newFakeMarket(), validator, nil, notifier)

	snap := holdSnapshot()
	snap.CurrentPrice = f(90)

	result, err := e.RunUserCycle(context.Background(), 1, Options{
		Symbols:   []string{"AAPL"},
		Snapshots: map[string]*model.Snapshot{"AAPL": snap},
		Positions: []model.Position{{ID: 7, UserID: 1, Symbol: "AAPL", Quantity: 10, EntryPrice: 120, StopLoss: f(95)}},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.AlertsCreated)
	assert.Equal(t, 1, result.Metrics.StopLossAlerts)
	assert.Zero(t, validator.calls, "capital preservation alerts skip the reviewer")

	require.Len(t, store.alerts, 1)
	assert.Equal(t, model.TypeStopLoss, store.alerts[0].Type)
	assert.Equal(t, 1, notifier.calls)
}

func TestStopLossNotBreachedNoAlert(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store, newFakeMarket(), nil, nil, nil)

	result, err := e.RunUserCycle(context.Background(), 1, Options{
		Symbols:   []string{"AAPL"},
		Snapshots: map[string]*model.Snapshot{"AAPL": holdSnapshot()},
		Positions: []model.Position{{ID: 7, UserID: 1, Symbol: "AAPL", Quantity: 10, EntryPrice: 120, StopLoss: f(95)}},
	})
	require.NoError(t, err)
	assert.Zero(t, result.AlertsCreated)
}

func TestStopLossAlertDeduplicated(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store, newFakeMarket(), nil, nil, nil)

	snap := holdSnapshot()
	snap.CurrentPrice = f(90)
	opts := Options{
		Symbols:   []string{"AAPL"},
		Snapshots: map[string]*model.Snapshot{"AAPL": snap},
		Positions: []model.Position{{ID: 7, UserID: 1, Symbol: "AAPL", Quantity: 10, EntryPrice: 120, StopLoss: f(95)}},
	}

	first, err := e.RunUserCycle(context.Background(), 1, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, first.AlertsCreated)

	second, err := e.RunUserCycle(context.Background(), 1, opts)
	require.NoError(t, err)
	assert.Zero(t, second.AlertsCreated)
	assert.Len(t, store.alerts, 1)
}

func TestRunGlobalCycleSurvivesUserFailure(t *testing.T) {
	store := newFakeStore()
	store.users[2] = &model.User{ID: 2, Email: "second@example.com"}
	store.users[3] = &model.User{ID: 3, Email: "broken@example.com"}
	store.badUserID = 3
	e := newTestEngine(store, newFakeMarket(), nil, nil, nil)

	result, err := e.RunGlobalCycle(context.Background(), Options{
		Symbols:   []string{"AAPL"},
		Snapshots: map[string]*model.Snapshot{"AAPL": strongBuySnapshot()},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.UsersScanned)
	assert.Equal(t, 1, result.Errors)
	assert.Equal(t, 2, result.AlertsCreated)
}
