package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradewatch/internal/model"
)

func seedOpenAlert(store *fakeStore, symbol string, alertType model.AlertType, entry float64, stopLoss, takeProfit *float64) *model.Alert {
	store.nextID++
	alert := &model.Alert{
		ID:         store.nextID,
		UserID:     1,
		Symbol:     symbol,
		Type:       alertType,
		Price:      entry,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		Outcome:    model.OutcomeOpen,
		CreatedAt:  time.Now().Add(-48 * time.Hour),
	}
	store.alerts = append(store.alerts, alert)
	return alert
}

func TestClassifyOutcome(t *testing.T) {
	tests := []struct {
		name       string
		alertType  model.AlertType
		entry      float64
		stopLoss   *float64
		takeProfit *float64
		price      float64
		want       model.Outcome
	}{
		{
			name: "bullish target reached", alertType: model.TypeOpportunity,
			entry: 100, stopLoss: f(95), takeProfit: f(110), price: 111,
			want: model.OutcomeWin,
		},
		{
			name: "bullish target touched exactly", alertType: model.TypeOpportunity,
			entry: 100, stopLoss: f(95), takeProfit: f(110), price: 110,
			want: model.OutcomeWin,
		},
		{
			name: "bullish stop hit", alertType: model.TypeOpportunity,
			entry: 100, stopLoss: f(95), takeProfit: f(110), price: 94,
			want: model.OutcomeLoss,
		},
		{
			name: "bullish still between levels", alertType: model.TypeOpportunity,
			entry: 100, stopLoss: f(95), takeProfit: f(110), price: 101,
			want: model.OutcomeOpen,
		},
		{
			name: "bullish no target five percent up wins", alertType: model.TypeOpportunity,
			entry: 100, stopLoss: f(90), price: 105,
			want: model.OutcomeWin,
		},
		{
			name: "bullish no stop five percent down loses", alertType: model.TypeOpportunity,
			entry: 100, takeProfit: f(120), price: 94.9,
			want: model.OutcomeLoss,
		},
		{
			name: "bullish no levels small move stays open", alertType: model.TypeOpportunity,
			entry: 100, price: 101,
			want: model.OutcomeOpen,
		},
		{
			name: "bearish downside target wins", alertType: model.TypeBearish,
			entry: 100, stopLoss: f(107), takeProfit: f(88), price: 87,
			want: model.OutcomeWin,
		},
		{
			name: "bearish upside stop loses", alertType: model.TypeBearish,
			entry: 100, stopLoss: f(107), takeProfit: f(88), price: 108,
			want: model.OutcomeLoss,
		},
		{
			name: "bearish between levels stays open", alertType: model.TypeBearish,
			entry: 100, stopLoss: f(107), takeProfit: f(88), price: 99,
			want: model.OutcomeOpen,
		},
		{
			name: "bearish no target five percent down wins", alertType: model.TypeBearish,
			entry: 100, stopLoss: f(110), price: 94,
			want: model.OutcomeWin,
		},
		{
			name: "bearish no stop five percent up loses", alertType: model.TypeBearish,
			entry: 100, takeProfit: f(80), price: 106,
			want: model.OutcomeLoss,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alert := &model.Alert{
				Type:       tt.alertType,
				Price:      tt.entry,
				StopLoss:   tt.stopLoss,
				TakeProfit: tt.takeProfit,
			}
			assert.Equal(t, tt.want, classifyOutcome(alert, tt.price))
		})
	}
}

func TestOutcomeCycleResolvesAlerts(t *testing.T) {
	store := newFakeStore()
	winner := seedOpenAlert(store, "AAPL", model.TypeOpportunity, 100, f(95), f(110))
	loser := seedOpenAlert(store, "MSFT", model.TypeBearish, 200, f(214), f(176))
	pending := seedOpenAlert(store, "NVDA", model.TypeOpportunity, 100, f(95), f(110))

	market := newFakeMarket()
	market.quotes["AAPL"] = &model.Quote{Symbol: "AAPL", Price: 112}
	market.quotes["MSFT"] = &model.Quote{Symbol: "MSFT", Price: 215}
	market.quotes["NVDA"] = &model.Quote{Symbol: "NVDA", Price: 101}

	e := newTestEngine(store, market, nil, nil, nil)
	stats, err := e.RunOutcomeEvaluationCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Scanned)
	assert.Equal(t, 2, stats.Updated)
	assert.Equal(t, 1, stats.Wins)
	assert.Equal(t, 1, stats.Losses)
	assert.Equal(t, 1, stats.Open)
	assert.Zero(t, stats.Errors)

	assert.Equal(t, model.OutcomeWin, winner.Outcome)
	require.NotNil(t, winner.OutcomePrice)
	assert.Equal(t, 112.0, *winner.OutcomePrice)
	assert.Equal(t, model.OutcomeLoss, loser.Outcome)
	assert.Equal(t, model.OutcomeOpen, pending.Outcome)
	assert.Nil(t, pending.OutcomePrice)
}

func TestOutcomeCycleFetchesEachSymbolOnce(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 4; i++ {
		seedOpenAlert(store, "AAPL", model.TypeOpportunity, 100, f(95), f(110))
	}

	market := newFakeMarket()
	market.quotes["AAPL"] = &model.Quote{Symbol: "AAPL", Price: 101}

	e := newTestEngine(store, market, nil, nil, nil)
	stats, err := e.RunOutcomeEvaluationCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Scanned)
	assert.Equal(t, 1, market.quoteCalls["AAPL"])
}

func TestOutcomeCycleCountsFetchFailures(t *testing.T) {
	store := newFakeStore()
	seedOpenAlert(store, "AAPL", model.TypeOpportunity, 100, f(95), f(110))
	seedOpenAlert(store, "AAPL", model.TypeOpportunity, 102, f(97), f(112))
	resolved := seedOpenAlert(store, "MSFT", model.TypeOpportunity, 200, f(190), f(220))

	market := newFakeMarket()
	market.quoteErrs["AAPL"] = errors.New("provider down")
	market.quotes["MSFT"] = &model.Quote{Symbol: "MSFT", Price: 221}

	e := newTestEngine(store, market, nil, nil, nil)
	stats, err := e.RunOutcomeEvaluationCycle(context.Background())
	require.NoError(t, err, "per-symbol failures never abort the run")

	assert.Equal(t, 3, stats.Scanned)
	assert.Equal(t, 2, stats.Errors)
	assert.Equal(t, 1, market.quoteCalls["AAPL"], "failed symbol fetched once, then served from cache")
	assert.Equal(t, 1, stats.Wins)
	assert.Equal(t, model.OutcomeWin, resolved.Outcome)
}

func TestOutcomeCycleSkipsStopLossAlerts(t *testing.T) {
	store := newFakeStore()
	seedOpenAlert(store, "AAPL", model.TypeStopLoss, 100, f(95), nil)

	e := newTestEngine(store, newFakeMarket(), nil, nil, nil)
	stats, err := e.RunOutcomeEvaluationCycle(context.Background())
	require.NoError(t, err)

	assert.Zero(t, stats.Scanned)
	assert.Zero(t, stats.Updated)
}
