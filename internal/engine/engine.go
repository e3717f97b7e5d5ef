package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tradewatch/internal/ai"
	"tradewatch/internal/confluence"
	"tradewatch/internal/indicators"
	"tradewatch/internal/market"
	"tradewatch/internal/metrics"
	"tradewatch/internal/model"
	"tradewatch/internal/notify"
)

// Storage is the persistence surface the engine depends on
type Storage interface {
	ActiveUsers(ctx context.Context) ([]model.User, error)
	GetUser(ctx context.Context, userID int64) (*model.User, error)
	WatchlistSymbols(ctx context.Context, userID int64) ([]string, error)
	OpenPositions(ctx context.Context, userID int64) ([]model.Position, error)
	RecentNews(ctx context.Context, symbol string, limit int) ([]model.NewsItem, error)

	InsertAlert(ctx context.Context, alert *model.Alert) error
	HasRecentAlert(ctx context.Context, userID int64, symbol string, alertType model.AlertType, since time.Time) (bool, error)
	MarkNotified(ctx context.Context, alertID int64) error
	OpenAlerts(ctx context.Context) ([]model.Alert, error)
	ResolveAlert(ctx context.Context, alertID int64, outcome model.Outcome, price float64, at time.Time) error

	DailyAlertCount(ctx context.Context, userID int64, day time.Time) (int, error)
	IncrementDailyCount(ctx context.Context, userID int64, day time.Time) error
	InCooldown(ctx context.Context, symbol string, direction model.Direction, now time.Time) (bool, error)
	RecordRejection(ctx context.Context, symbol string, direction model.Direction) (int, error)
	SetCooldown(ctx context.Context, symbol string, direction model.Direction, until time.Time) error
	ResetRejections(ctx context.Context, symbol string, direction model.Direction) error

	CooldownTrackingAvailable() bool
	DailyCountAvailable() bool
}

// MarketData is the slice of the market client the engine uses
type MarketData interface {
	Quote(ctx context.Context, symbol string) (*model.Quote, error)
	Candles(ctx context.Context, symbol, resolution string, from, to time.Time) ([]model.Candle, error)
}

// SignalValidator reviews candidates before they become alerts
type SignalValidator interface {
	ValidateSignal(ctx context.Context, cand *model.Candidate, cfg ai.UserConfig, news []model.NewsItem) ai.Verdict
}

// Broadcaster delivers alerts to live connections, fire-and-forget
type Broadcaster interface {
	BroadcastAlert(alert *model.Alert)
}

// Config holds the engine's policy knobs
type Config struct {
	Confluence         model.ConfluenceConfig
	DuplicateWindow    time.Duration
	MaxAlertsPerDay    int
	RejectionThreshold int
	RejectionCooldown  time.Duration
	DiscoverySymbols   []string
	CandleResolution   string
	CandleLookback     time.Duration
	NewsLimit          int
}

func (c *Config) applyDefaults() {
	if c.Confluence == (model.ConfluenceConfig{}) {
		c.Confluence = model.DefaultConfluenceConfig()
	}
	if c.DuplicateWindow == 0 {
		c.DuplicateWindow = 4 * time.Hour
	}
	if c.MaxAlertsPerDay == 0 {
		c.MaxAlertsPerDay = 10
	}
	if c.RejectionThreshold == 0 {
		c.RejectionThreshold = 3
	}
	if c.RejectionCooldown == 0 {
		c.RejectionCooldown = 24 * time.Hour
	}
	if c.CandleResolution == "" {
		c.CandleResolution = "D"
	}
	if c.CandleLookback == 0 {
		c.CandleLookback = 400 * 24 * time.Hour
	}
	if c.NewsLimit == 0 {
		c.NewsLimit = 5
	}
}

// Options carries literal overrides so cycles run without live market
// or database access. This injection seam is part of the contract, not
// a test convenience.
type Options struct {
	Symbols    []string
	Snapshots  map[string]*model.Snapshot
	Confluence *model.ConfluenceConfig
	Positions  []model.Position
	News       map[string][]model.NewsItem
}

// CycleMetrics records what happened during a user cycle
type CycleMetrics struct {
	SymbolsScanned  int `json:"symbols_scanned"`
	Duplicates      int `json:"duplicates"`
	CapSkips        int `json:"cap_skips"`
	CooldownSkips   int `json:"cooldown_skips"`
	AIRejections    int `json:"ai_rejections"`
	StopLossAlerts  int `json:"stop_loss_alerts"`
	Errors          int `json:"errors"`
}

// CycleResult is returned by every user cycle, even when every symbol
// failed
type CycleResult struct {
	UserID        int64        `json:"user_id"`
	AlertsCreated int          `json:"alerts_created"`
	Metrics       CycleMetrics `json:"metrics"`
}

// GlobalResult aggregates per-user cycles
type GlobalResult struct {
	UsersScanned  int `json:"users_scanned"`
	AlertsCreated int `json:"alerts_created"`
	Errors        int `json:"errors"`
}

// Engine orchestrates scanning, scoring, policy and delivery
type Engine struct {
	store     Storage
	market    MarketData
	validator SignalValidator
	hub       Broadcaster
	notifier  notify.Notifier
	recorder  *metrics.Recorder
	cfg       Config
	now       func() time.Time
	logger    zerolog.Logger
}

// New creates a new alert engine. hub, notifier and recorder may be nil.
func New(store Storage, marketData MarketData, validator SignalValidator, hub Broadcaster, notifier notify.Notifier, recorder *metrics.Recorder, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		store:     store,
		market:    marketData,
		validator: validator,
		hub:       hub,
		notifier:  notifier,
		recorder:  recorder,
		cfg:       cfg,
		now:       time.Now,
		logger:    log.With().Str("component", "alert_engine").Logger(),
	}
}

// RunGlobalCycle scans every active user. Per-user failures are counted
// and never abort the run.
func (e *Engine) RunGlobalCycle(ctx context.Context, opts Options) (*GlobalResult, error) {
	users, err := e.store.ActiveUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}

	result := &GlobalResult{}
	for _, user := range users {
		result.UsersScanned++
		cycle, err := e.RunUserCycle(ctx, user.ID, opts)
		if err != nil {
			e.logger.Error().Err(err).Int64("user_id", user.ID).Msg("User cycle failed")
			result.Errors++
			continue
		}
		result.AlertsCreated += cycle.AlertsCreated
	}
	return result, nil
}

// RunUserCycle scans one user's symbols, applies policy and emits
// alerts. It always returns a result object with counts; only truly
// invalid configuration (unknown user, dead storage) yields an error.
func (e *Engine) RunUserCycle(ctx context.Context, userID int64, opts Options) (*CycleResult, error) {
	started := e.now()
	result := &CycleResult{UserID: userID}

	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading user %d: %w", userID, err)
	}
	if user == nil {
		return nil, fmt.Errorf("user %d not found", userID)
	}

	positions := opts.Positions
	if positions == nil {
		positions, err = e.store.OpenPositions(ctx, userID)
		if err != nil {
			e.logger.Warn().Err(err).Msg("Loading positions failed, skipping stop-loss watch")
			result.Metrics.Errors++
		}
	}

	symbols := opts.Symbols
	if symbols == nil {
		symbols, err = e.scanList(ctx, userID, positions)
		if err != nil {
			return nil, err
		}
	}

	cfg := e.cfg.Confluence
	if opts.Confluence != nil {
		cfg = *opts.Confluence
	}

	// Snapshots are cached per cycle so the position watch reuses the
	// symbol scan's fetches.
	snapshots := make(map[string]*model.Snapshot)

	for _, symbol := range symbols {
		result.Metrics.SymbolsScanned++

		snap, err := e.snapshotFor(ctx, symbol, opts, snapshots)
		if err != nil {
			e.logger.Warn().Err(err).Str("symbol", symbol).Msg("Skipping symbol")
			result.Metrics.Errors++
			continue
		}
		if snap == nil {
			continue // insufficient history
		}

		created, err := e.processSymbol(ctx, user, symbol, snap, cfg, opts, result)
		if err != nil {
			e.logger.Warn().Err(err).Str("symbol", symbol).Msg("Symbol scan failed")
			result.Metrics.Errors++
			continue
		}
		if created {
			result.AlertsCreated++
		}
	}

	e.watchPositions(ctx, user, positions, opts, snapshots, result)

	e.recorder.RecordCycle(e.now().Sub(started).Seconds())
	return result, nil
}

// scanList merges watchlist, position symbols and the discovery list
func (e *Engine) scanList(ctx context.Context, userID int64, positions []model.Position) ([]string, error) {
	watchlist, err := e.store.WatchlistSymbols(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading watchlist: %w", err)
	}

	seen := make(map[string]bool)
	var symbols []string
	add := func(symbol string) {
		if symbol != "" && !seen[symbol] {
			seen[symbol] = true
			symbols = append(symbols, symbol)
		}
	}

	for _, s := range watchlist {
		add(s)
	}
	for _, p := range positions {
		add(p.Symbol)
	}
	for _, s := range e.cfg.DiscoverySymbols {
		add(s)
	}
	return symbols, nil
}

// snapshotFor returns the cycle's snapshot for a symbol, honoring
// literal overrides and the per-cycle cache
func (e *Engine) snapshotFor(ctx context.Context, symbol string, opts Options, cache map[string]*model.Snapshot) (*model.Snapshot, error) {
	if snap, ok := opts.Snapshots[symbol]; ok {
		return snap, nil
	}
	if snap, ok := cache[symbol]; ok {
		return snap, nil
	}

	snap, err := e.buildSnapshot(ctx, symbol)
	if err != nil {
		return nil, err
	}
	cache[symbol] = snap
	return snap, nil
}

// buildSnapshot fetches a quote and candles and computes indicators.
// An entitlement-forbidden candle endpoint falls back to synthetic
// pricing derived from the quote; anything else skips the symbol.
func (e *Engine) buildSnapshot(ctx context.Context, symbol string) (*model.Snapshot, error) {
	quote, err := e.market.Quote(ctx, symbol)
	if err != nil {
		e.recorder.RecordProviderRequest("error")
		return nil, fmt.Errorf("fetching quote: %w", err)
	}
	e.recorder.RecordProviderRequest("ok")

	now := e.now()
	synthetic := false
	candles, err := e.market.Candles(ctx, symbol, e.cfg.CandleResolution, now.Add(-e.cfg.CandleLookback), now)
	if err != nil {
		var statusErr *market.StatusError
		if errors.As(err, &statusErr) && statusErr.Forbidden() {
			e.logger.Debug().Str("symbol", symbol).Msg("Candle endpoint forbidden, using synthetic fallback")
			candles = market.SyntheticCandles(quote.Price, indicators.MinBars+10, 24*time.Hour, now)
			synthetic = true
		} else {
			e.recorder.RecordProviderRequest("error")
			return nil, fmt.Errorf("fetching candles: %w", err)
		}
	}

	snap := indicators.Compute(symbol, candles, &quote.Price)
	if snap != nil {
		snap.Synthetic = synthetic
	}
	return snap, nil
}

// processSymbol runs one symbol through scoring, policy and delivery.
// Returns whether an alert was created.
func (e *Engine) processSymbol(ctx context.Context, user *model.User, symbol string, snap *model.Snapshot, cfg model.ConfluenceConfig, opts Options, result *CycleResult) (bool, error) {
	scored := confluence.Score(snap, cfg)
	if scored.Type == "" {
		return false, nil // HOLD
	}

	direction := confluence.Direction(scored)
	stopLoss, takeProfit := confluence.StopsFor(direction, snap.CurrentPrice, snap.ATR, snap.RSI)
	if stopLoss == nil {
		// Never persist a signal without a usable stop
		return false, nil
	}

	cand := &model.Candidate{
		UserID:         user.ID,
		Symbol:         symbol,
		Type:           scored.Type,
		Direction:      direction,
		Recommendation: scored.Recommendation,
		Confidence:     scored.Confidence,
		Price:          *snap.CurrentPrice,
		StopLoss:       stopLoss,
		TakeProfit:     takeProfit,
		Snapshot:       snap,
		Signals:        scored.Signals,
	}

	// Duplicate, cap and cooldown checks run sequentially per symbol so
	// two concurrent scans cannot both pass before either writes.
	dup, err := e.store.HasRecentAlert(ctx, user.ID, symbol, cand.Type, e.now().Add(-e.cfg.DuplicateWindow))
	if err != nil {
		return false, fmt.Errorf("duplicate check: %w", err)
	}
	if dup {
		result.Metrics.Duplicates++
		return false, nil
	}

	if e.store.DailyCountAvailable() {
		count, err := e.store.DailyAlertCount(ctx, user.ID, e.now())
		if err != nil {
			return false, fmt.Errorf("daily cap check: %w", err)
		}
		if count >= e.cfg.MaxAlertsPerDay {
			result.Metrics.CapSkips++
			return false, nil
		}
	}

	if e.store.CooldownTrackingAvailable() {
		blocked, err := e.store.InCooldown(ctx, symbol, direction, e.now())
		if err != nil {
			return false, fmt.Errorf("cooldown check: %w", err)
		}
		if blocked {
			result.Metrics.CooldownSkips++
			return false, nil
		}
	}

	reasoning := ""
	if e.validator != nil {
		news := opts.News[symbol]
		if news == nil {
			news, _ = e.store.RecentNews(ctx, symbol, e.cfg.NewsLimit)
		}

		verdict := e.validator.ValidateSignal(ctx, cand, ai.UserConfig{Enabled: user.AIEnabled}, news)
		e.recorder.RecordAIValidation(string(verdict.Mode))

		switch verdict.Mode {
		case ai.ModeRejected:
			result.Metrics.AIRejections++
			e.handleRejection(ctx, symbol, direction)
			return false, nil
		case ai.ModeValidated:
			if e.store.CooldownTrackingAvailable() {
				if err := e.store.ResetRejections(ctx, symbol, direction); err != nil {
					e.logger.Warn().Err(err).Msg("Resetting rejections failed")
				}
			}
			if verdict.Confidence != "" {
				cand.Confidence = verdict.Confidence
			}
			if verdict.AdjustedStopLoss != nil {
				cand.StopLoss = verdict.AdjustedStopLoss
			}
			if verdict.AdjustedTarget != nil {
				cand.TakeProfit = verdict.AdjustedTarget
			}
		default:
			// Fallback: proceed with downgraded confidence
			cand.Confidence = verdict.Confidence
		}
		reasoning = verdict.Reasoning
	}
	cand.Reasoning = reasoning

	alert, err := e.persistAndDeliver(ctx, user, cand)
	if err != nil {
		return false, err
	}
	e.logger.Info().Str("symbol", symbol).Str("type", string(alert.Type)).
		Str("recommendation", string(alert.Recommendation)).Msg("Alert created")
	return true, nil
}

// handleRejection bumps the rejection counter and opens a timed
// cooldown once the threshold is reached
func (e *Engine) handleRejection(ctx context.Context, symbol string, direction model.Direction) {
	if !e.store.CooldownTrackingAvailable() {
		return
	}

	count, err := e.store.RecordRejection(ctx, symbol, direction)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Recording rejection failed")
		return
	}
	if count >= e.cfg.RejectionThreshold {
		until := e.now().Add(e.cfg.RejectionCooldown)
		if err := e.store.SetCooldown(ctx, symbol, direction, until); err != nil {
			e.logger.Warn().Err(err).Msg("Opening cooldown failed")
		}
	}
}

// persistAndDeliver writes the alert, bumps the daily counter, then
// broadcasts and pushes. Push failure only leaves notified=false.
func (e *Engine) persistAndDeliver(ctx context.Context, user *model.User, cand *model.Candidate) (*model.Alert, error) {
	alert := &model.Alert{
		UserID:         cand.UserID,
		Symbol:         cand.Symbol,
		Type:           cand.Type,
		Recommendation: cand.Recommendation,
		Confidence:     cand.Confidence,
		Price:          cand.Price,
		StopLoss:       cand.StopLoss,
		TakeProfit:     cand.TakeProfit,
		Reasoning:      cand.Reasoning,
		Synthetic:      cand.Snapshot != nil && cand.Snapshot.Synthetic,
		Outcome:        model.OutcomeOpen,
	}

	if err := e.store.InsertAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("persisting alert: %w", err)
	}
	e.recorder.RecordAlert(string(alert.Type))

	if e.store.DailyCountAvailable() {
		if err := e.store.IncrementDailyCount(ctx, user.ID, e.now()); err != nil {
			e.logger.Warn().Err(err).Msg("Bumping daily count failed")
		}
	}

	if e.hub != nil {
		e.hub.BroadcastAlert(alert)
	}

	if e.notifier != nil {
		sent, err := e.notifier.NotifyAlert(ctx, user, alert)
		if err != nil {
			e.logger.Warn().Err(err).Int64("alert_id", alert.ID).Msg("Push delivery failed")
		} else if sent > 0 {
			alert.Notified = true
			if err := e.store.MarkNotified(ctx, alert.ID); err != nil {
				e.logger.Warn().Err(err).Msg("Marking alert notified failed")
			}
		}
	}

	return alert, nil
}

// watchPositions checks every open position against its stop using the
// cycle's snapshots. Breaches go through the duplicate-check and
// delivery path but bypass AI review and cooldowns: capital
// preservation is not subject to discretionary veto.
func (e *Engine) watchPositions(ctx context.Context, user *model.User, positions []model.Position, opts Options, snapshots map[string]*model.Snapshot, result *CycleResult) {
	for _, pos := range positions {
		snap, err := e.snapshotFor(ctx, pos.Symbol, opts, snapshots)
		if err != nil || snap == nil || snap.CurrentPrice == nil {
			if err != nil {
				e.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Position watch skipped")
				result.Metrics.Errors++
			}
			continue
		}

		stop := pos.StopLoss
		if stop == nil {
			entry := pos.EntryPrice
			stop, _ = confluence.Stops(&entry, snap.ATR, snap.RSI)
		}
		if stop == nil || *snap.CurrentPrice > *stop {
			continue
		}

		dup, err := e.store.HasRecentAlert(ctx, user.ID, pos.Symbol, model.TypeStopLoss, e.now().Add(-e.cfg.DuplicateWindow))
		if err != nil || dup {
			continue
		}

		cand := &model.Candidate{
			UserID:         user.ID,
			Symbol:         pos.Symbol,
			Type:           model.TypeStopLoss,
			Direction:      model.DirectionBear,
			Recommendation: model.Sell,
			Confidence:     model.ConfidenceHigh,
			Price:          *snap.CurrentPrice,
			StopLoss:       stop,
			Snapshot:       snap,
			Reasoning:      fmt.Sprintf("price %.2f breached stop %.2f", *snap.CurrentPrice, *stop),
		}

		if _, err := e.persistAndDeliver(ctx, user, cand); err != nil {
			e.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Stop-loss alert failed")
			result.Metrics.Errors++
			continue
		}
		result.Metrics.StopLossAlerts++
		result.AlertsCreated++
	}
}
