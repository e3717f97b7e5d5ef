package model

import "time"

// Candle represents a single OHLCV price candle
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume,omitempty"`
}

// Quote is the latest traded price for a symbol
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	PrevClose float64   `json:"prev_close"`
	Time      time.Time `json:"time"`
}

// MACD holds the three MACD series values at the latest bar
type MACD struct {
	Line      float64 `json:"line"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// Bollinger holds the band values at the latest bar
type Bollinger struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

// Snapshot is the composite indicator reading for one symbol.
// Nil fields mean "not enough history", never zero. Consumers must
// check for nil instead of treating absence as a neutral reading.
type Snapshot struct {
	Symbol       string     `json:"symbol"`
	CurrentPrice *float64   `json:"current_price,omitempty"`
	RSI          *float64   `json:"rsi,omitempty"`
	MACD         *MACD      `json:"macd,omitempty"`
	Bollinger    *Bollinger `json:"bollinger,omitempty"`
	SMA50        *float64   `json:"sma50,omitempty"`
	SMA200       *float64   `json:"sma200,omitempty"`
	ATR          *float64   `json:"atr,omitempty"`
	VolumeRatio  *float64   `json:"volume_ratio,omitempty"`
	DayChange    float64    `json:"day_change"`
	// Synthetic marks snapshots derived from interpolated candles
	// substituted when the provider denied the real endpoint.
	Synthetic bool `json:"synthetic,omitempty"`
}

// Recommendation is the categorical output of the confluence scorer
type Recommendation string

const (
	StrongBuy  Recommendation = "STRONG BUY"
	Buy        Recommendation = "BUY"
	Hold       Recommendation = "HOLD"
	Sell       Recommendation = "SELL"
	StrongSell Recommendation = "STRONG SELL"
)

// Confidence is the qualitative confidence attached to a recommendation
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Downgrade returns the confidence one notch lower. Low stays low.
func (c Confidence) Downgrade() Confidence {
	switch c {
	case ConfidenceHigh:
		return ConfidenceMedium
	case ConfidenceMedium:
		return ConfidenceLow
	default:
		return ConfidenceLow
	}
}

// AlertType tags the kind of alert. It is produced directly by the
// confluence scorer rather than re-derived from the recommendation text.
type AlertType string

const (
	TypeOpportunity AlertType = "opportunity"
	TypeBearish     AlertType = "bearish"
	TypeStopLoss    AlertType = "stop_loss"
)

// Direction of a scored signal
type Direction string

const (
	DirectionBull Direction = "bull"
	DirectionBear Direction = "bear"
)

// Signal is one indicator's contribution to a confluence result
type Signal struct {
	Indicator string    `json:"indicator"`
	Direction Direction `json:"direction"`
	Reason    string    `json:"reason"`
}

// ConfluenceConfig holds the user-tunable scoring thresholds
type ConfluenceConfig struct {
	RSIOversold     float64 `json:"rsi_oversold"`
	RSIOverbought   float64 `json:"rsi_overbought"`
	VolumeThreshold float64 `json:"volume_threshold"`
	MinConfluence   int     `json:"min_confluence"`
}

// DefaultConfluenceConfig returns the stock thresholds
func DefaultConfluenceConfig() ConfluenceConfig {
	return ConfluenceConfig{
		RSIOversold:     30,
		RSIOverbought:   70,
		VolumeThreshold: 1.5,
		MinConfluence:   2,
	}
}

// ConfluenceResult is the scorer's verdict for one snapshot
type ConfluenceResult struct {
	Recommendation Recommendation `json:"recommendation"`
	Type           AlertType      `json:"type,omitempty"`
	Net            int            `json:"net"`
	Bull           int            `json:"bull"`
	Bear           int            `json:"bear"`
	Confidence     Confidence     `json:"confidence"`
	Signals        []Signal       `json:"signals"`
}

// Candidate is a scored, not yet persisted alert
type Candidate struct {
	UserID         int64          `json:"user_id"`
	Symbol         string         `json:"symbol"`
	Type           AlertType      `json:"type"`
	Direction      Direction      `json:"direction"`
	Recommendation Recommendation `json:"recommendation"`
	Confidence     Confidence     `json:"confidence"`
	Price          float64        `json:"price"`
	StopLoss       *float64       `json:"stop_loss,omitempty"`
	TakeProfit     *float64       `json:"take_profit,omitempty"`
	Reasoning      string         `json:"reasoning,omitempty"`
	Snapshot       *Snapshot      `json:"snapshot,omitempty"`
	Signals        []Signal       `json:"signals,omitempty"`
}

// Outcome is the terminal (or pending) classification of an alert
type Outcome string

const (
	OutcomeOpen Outcome = "open"
	OutcomeWin  Outcome = "win"
	OutcomeLoss Outcome = "loss"
)

// Alert is the persisted record. Immutable once created except for
// Notified and the outcome fields, which are set exactly once.
type Alert struct {
	ID             int64          `json:"id"`
	UserID         int64          `json:"user_id"`
	Symbol         string         `json:"symbol"`
	Type           AlertType      `json:"type"`
	Recommendation Recommendation `json:"recommendation"`
	Confidence     Confidence     `json:"confidence"`
	Price          float64        `json:"price"`
	StopLoss       *float64       `json:"stop_loss,omitempty"`
	TakeProfit     *float64       `json:"take_profit,omitempty"`
	Reasoning      string         `json:"reasoning,omitempty"`
	Synthetic      bool           `json:"synthetic,omitempty"`
	Notified       bool           `json:"notified"`
	Outcome        Outcome        `json:"outcome"`
	OutcomePrice   *float64       `json:"outcome_price,omitempty"`
	OutcomeDate    *time.Time     `json:"outcome_date,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// CooldownRecord tracks AI rejections per (symbol, direction).
// Never deleted, only overwritten.
type CooldownRecord struct {
	Symbol        string     `json:"symbol"`
	Direction     Direction  `json:"direction"`
	Rejections    int        `json:"rejections"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

// Position is an open holding watched for stop-loss breaches
type Position struct {
	ID         int64    `json:"id"`
	UserID     int64    `json:"user_id"`
	Symbol     string   `json:"symbol"`
	Quantity   float64  `json:"quantity"`
	EntryPrice float64  `json:"entry_price"`
	StopLoss   *float64 `json:"stop_loss,omitempty"`
}

// User as seen by the alert engine
type User struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	AIEnabled bool   `json:"ai_enabled"`
	// TelegramChatID is the push delivery target; zero means no push.
	TelegramChatID int64 `json:"telegram_chat_id,omitempty"`
}

// NewsItem is a stored headline handed to the AI reviewer as context
type NewsItem struct {
	Symbol   string    `json:"symbol"`
	Headline string    `json:"headline"`
	Summary  string    `json:"summary,omitempty"`
	Time     time.Time `json:"time"`
}
