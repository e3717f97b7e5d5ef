package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	httpClient "tradewatch/internal/platform/http"
	"tradewatch/internal/model"
)

// Endpoint paths on the provider
const (
	pathQuote        = "/quote"
	pathStockCandle  = "/stock/candle"
	pathCryptoCandle = "/crypto/candle"
	pathForexCandle  = "/forex/candle"
)

// StatusError is returned for any non-2xx provider response
type StatusError struct {
	Code int
	Path string
	Body string
}

// Error implements the error interface
func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned %d on %s", e.Code, e.Path)
}

// RateLimited reports whether the response indicates a global volume
// limit: 429, or 403 whose body mentions a limit.
func (e *StatusError) RateLimited() bool {
	if e.Code == http.StatusTooManyRequests {
		return true
	}
	return e.Code == http.StatusForbidden && strings.Contains(strings.ToLower(e.Body), "limit")
}

// Forbidden reports a plain entitlement denial for the endpoint
func (e *StatusError) Forbidden() bool {
	return e.Code == http.StatusForbidden && !e.RateLimited()
}

// Client is the rate-limited market data provider client. Every
// outbound call goes through the pacer, so concurrent callers never
// start requests closer together than the configured minimum interval.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *httpClient.Client
	pacer      *Pacer
	logger     zerolog.Logger
}

// ClientOptions holds options for creating a new market client
type ClientOptions struct {
	APIKey           string
	BaseURL          string
	RequestTimeout   time.Duration
	RequestsPerSec   int
	MinInterval      time.Duration
	ProviderCooldown time.Duration
	EndpointCooldown time.Duration
	Clock            Clock
}

// NewClient creates a new market data client
func NewClient(options ClientOptions) *Client {
	if options.BaseURL == "" {
		options.BaseURL = "https://finnhub.io/api/v1"
	}
	if options.RequestTimeout == 0 {
		options.RequestTimeout = 30 * time.Second
	}
	if options.RequestsPerSec == 0 {
		options.RequestsPerSec = 1
	}

	return &Client{
		apiKey:  options.APIKey,
		baseURL: strings.TrimRight(options.BaseURL, "/"),
		httpClient: httpClient.NewClient(httpClient.ClientOptions{
			Timeout:        options.RequestTimeout,
			RequestsPerSec: options.RequestsPerSec,
		}),
		pacer: NewPacer(PacerOptions{
			Clock:            options.Clock,
			MinInterval:      options.MinInterval,
			ProviderCooldown: options.ProviderCooldown,
			EndpointCooldown: options.EndpointCooldown,
		}),
		logger: log.With().Str("component", "market_client").Logger(),
	}
}

// Pacer exposes the client's limiter, mainly so callers can probe
// whether an endpoint is inside its cooldown window.
func (c *Client) Pacer() *Pacer { return c.pacer }

// quoteResponse is the provider's /quote payload
type quoteResponse struct {
	Current   float64 `json:"c"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Open      float64 `json:"o"`
	PrevClose float64 `json:"pc"`
	Timestamp int64   `json:"t"`
}

// candleResponse is the provider's candle payload (parallel arrays)
type candleResponse struct {
	Close  []float64 `json:"c"`
	High   []float64 `json:"h"`
	Low    []float64 `json:"l"`
	Open   []float64 `json:"o"`
	Vol    []float64 `json:"v"`
	Times  []int64   `json:"t"`
	Status string    `json:"s"`
}

// Quote fetches the latest price for a symbol
func (c *Client) Quote(ctx context.Context, symbol string) (*model.Quote, error) {
	var qr quoteResponse
	if err := c.get(ctx, pathQuote, url.Values{"symbol": {symbol}}, &qr); err != nil {
		return nil, err
	}
	if qr.Current == 0 && qr.Timestamp == 0 {
		return nil, fmt.Errorf("empty quote for %s", symbol)
	}

	return &model.Quote{
		Symbol:    symbol,
		Price:     qr.Current,
		Open:      qr.Open,
		High:      qr.High,
		Low:       qr.Low,
		PrevClose: qr.PrevClose,
		Time:      time.Unix(qr.Timestamp, 0).UTC(),
	}, nil
}

// Candles fetches stock OHLCV bars
func (c *Client) Candles(ctx context.Context, symbol, resolution string, from, to time.Time) ([]model.Candle, error) {
	return c.candles(ctx, pathStockCandle, symbol, resolution, from, to)
}

// CryptoCandles fetches crypto OHLCV bars
func (c *Client) CryptoCandles(ctx context.Context, symbol, resolution string, from, to time.Time) ([]model.Candle, error) {
	return c.candles(ctx, pathCryptoCandle, symbol, resolution, from, to)
}

// ForexCandles fetches forex OHLCV bars
func (c *Client) ForexCandles(ctx context.Context, symbol, resolution string, from, to time.Time) ([]model.Candle, error) {
	return c.candles(ctx, pathForexCandle, symbol, resolution, from, to)
}

func (c *Client) candles(ctx context.Context, path, symbol, resolution string, from, to time.Time) ([]model.Candle, error) {
	query := url.Values{
		"symbol":     {symbol},
		"resolution": {resolution},
		"from":       {fmt.Sprintf("%d", from.Unix())},
		"to":         {fmt.Sprintf("%d", to.Unix())},
	}

	var cr candleResponse
	if err := c.get(ctx, path, query, &cr); err != nil {
		return nil, err
	}
	if cr.Status != "ok" || len(cr.Close) == 0 {
		return nil, fmt.Errorf("no candle data for %s (status %q)", symbol, cr.Status)
	}

	candles := make([]model.Candle, 0, len(cr.Close))
	for i := range cr.Close {
		candle := model.Candle{
			Time:  time.Unix(cr.Times[i], 0).UTC(),
			Close: cr.Close[i],
		}
		if i < len(cr.Open) {
			candle.Open = cr.Open[i]
		}
		if i < len(cr.High) {
			candle.High = cr.High[i]
		}
		if i < len(cr.Low) {
			candle.Low = cr.Low[i]
		}
		if i < len(cr.Vol) {
			candle.Volume = cr.Vol[i]
		}
		candles = append(candles, candle)
	}

	// Oldest first for proper calculations
	sort.Slice(candles, func(i, j int) bool {
		return candles[i].Time.Before(candles[j].Time)
	})

	c.logger.Debug().Str("symbol", symbol).Int("count", len(candles)).Msg("Fetched candles")
	return candles, nil
}

// get issues one paced provider call and decodes the JSON body into v.
// A path inside its entitlement cooldown short-circuits with the same
// Forbidden StatusError a live 403 would produce.
func (c *Client) get(ctx context.Context, path string, query url.Values, v interface{}) error {
	if err := c.pacer.Acquire(path); err != nil {
		return err
	}

	query.Set("token", c.apiKey)
	fullURL := c.baseURL + path + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.DoRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{Code: resp.StatusCode, Path: path, Body: string(body)}
		switch {
		case statusErr.RateLimited():
			c.logger.Warn().Int("status", resp.StatusCode).Str("path", path).
				Msg("Provider rate limited, opening global cooldown")
			c.pacer.ReportRateLimited()
		case statusErr.Forbidden():
			c.logger.Warn().Str("path", path).
				Msg("Endpoint forbidden, cooling down path")
			c.pacer.ReportForbidden(path)
		}
		return statusErr
	}

	if err := json.Unmarshal(body, v); err != nil {
		c.logger.Error().Err(err).Str("path", path).Msg("Error parsing JSON")
		return fmt.Errorf("parsing JSON: %w", err)
	}
	return nil
}
