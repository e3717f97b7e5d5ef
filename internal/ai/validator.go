package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"

	"tradewatch/internal/model"
)

// Mode tags how a verdict was produced
type Mode string

const (
	ModeFallback      Mode = "fallback"
	ModeValidated     Mode = "validated"
	ModeRejected      Mode = "rejected"
	ModeFallbackError Mode = "fallback_error"
)

// Verdict is the reviewer's decision for one candidate. It is always
// usable: when the reviewer is unavailable the adapter falls back to a
// local confirm-with-downgrade instead of failing.
type Verdict struct {
	Mode             Mode             `json:"mode"`
	Confirm          bool             `json:"confirm"`
	Action           string           `json:"action"`
	Confidence       model.Confidence `json:"confidence"`
	AdjustedStopLoss *float64         `json:"adjusted_stop_loss,omitempty"`
	AdjustedTarget   *float64         `json:"adjusted_target,omitempty"`
	Reasoning        string           `json:"reasoning,omitempty"`
}

const systemPrompt = `You are a risk reviewer for an automated trading alert service.
You receive one candidate alert with its indicator readings and must decide whether it should reach the user.
Respond with a single JSON object and nothing else:
{"confirm": true|false, "action": "confirm"|"reject"|"adjust", "confidence": "low"|"medium"|"high", "adjusted_stop_loss": number|null, "adjusted_target": number|null, "reasoning": "one sentence"}`

// Validator is the optional external reviewer for candidate alerts
type Validator struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	cache   *VerdictCache
	logger  zerolog.Logger
}

// ValidatorOptions holds options for creating a new Validator.
// BaseURL overrides the API endpoint, for proxies and tests.
type ValidatorOptions struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
	Cache   *VerdictCache
}

// NewValidator creates a new AI validator. An empty API key yields a
// validator that always answers with the local fallback.
func NewValidator(opts ValidatorOptions) *Validator {
	v := &Validator{
		model:   opts.Model,
		timeout: opts.Timeout,
		cache:   opts.Cache,
		logger:  log.With().Str("component", "ai_validator").Logger(),
	}
	if v.model == "" {
		v.model = openai.GPT4oMini
	}
	if v.timeout == 0 {
		v.timeout = 9500 * time.Millisecond
	}
	if opts.APIKey != "" {
		cfg := openai.DefaultConfig(opts.APIKey)
		if opts.BaseURL != "" {
			cfg.BaseURL = opts.BaseURL
		}
		v.client = openai.NewClientWithConfig(cfg)
	}
	return v
}

// Configured reports whether a reviewer is actually wired up
func (v *Validator) Configured() bool { return v != nil && v.client != nil }

// UserConfig is the per-user slice of reviewer configuration
type UserConfig struct {
	Enabled bool
}

// ValidateSignal reviews one candidate. The outbound call is bounded by
// the validator timeout via context cancellation; on any failure the
// local fallback produces a usable verdict instead of an error.
func (v *Validator) ValidateSignal(ctx context.Context, cand *model.Candidate, cfg UserConfig, news []model.NewsItem) Verdict {
	if !cfg.Enabled || !v.Configured() {
		return v.fallback(cand, ModeFallback, "AI review not configured")
	}

	if v.cache != nil {
		if verdict, ok := v.cache.Get(ctx, cand); ok {
			return verdict
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	resp, err := v.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model: v.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: formatPrompt(cand, news)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		v.logger.Warn().Err(err).Str("symbol", cand.Symbol).Msg("AI review failed, using fallback")
		return v.fallback(cand, ModeFallbackError, fmt.Sprintf("reviewer unavailable: %v", err))
	}
	if len(resp.Choices) == 0 {
		return v.fallback(cand, ModeFallbackError, "reviewer returned no choices")
	}

	verdict, err := parseVerdict(resp.Choices[0].Message.Content)
	if err != nil {
		v.logger.Warn().Err(err).Str("symbol", cand.Symbol).Msg("Unparseable reviewer output, using fallback")
		return v.fallback(cand, ModeFallbackError, "reviewer output unparseable")
	}

	if verdict.Confirm {
		verdict.Mode = ModeValidated
		if verdict.Confidence == "" {
			verdict.Confidence = cand.Confidence
		}
	} else {
		verdict.Mode = ModeRejected
		verdict.Confidence = cand.Confidence
	}

	if v.cache != nil {
		v.cache.Set(ctx, cand, verdict)
	}
	return verdict
}

// fallback confirms the candidate with its confidence downgraded one
// notch as the penalty for operating without review. Stop and target
// pass through untouched.
func (v *Validator) fallback(cand *model.Candidate, mode Mode, reason string) Verdict {
	return Verdict{
		Mode:       mode,
		Confirm:    true,
		Action:     "confirm",
		Confidence: cand.Confidence.Downgrade(),
		Reasoning:  reason,
	}
}

func formatPrompt(cand *model.Candidate, news []model.NewsItem) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Candidate alert:\n")
	fmt.Fprintf(&sb, "symbol: %s\ntype: %s\nrecommendation: %s\nconfidence: %s\nprice: %.4f\n",
		cand.Symbol, cand.Type, cand.Recommendation, cand.Confidence, cand.Price)
	if cand.StopLoss != nil {
		fmt.Fprintf(&sb, "stop_loss: %.4f\n", *cand.StopLoss)
	}
	if cand.TakeProfit != nil {
		fmt.Fprintf(&sb, "take_profit: %.4f\n", *cand.TakeProfit)
	}

	if cand.Snapshot != nil {
		if b, err := json.Marshal(cand.Snapshot); err == nil {
			fmt.Fprintf(&sb, "\nIndicator snapshot:\n%s\n", b)
		}
		if cand.Snapshot.Synthetic {
			sb.WriteString("\nNote: the indicator snapshot was built from synthetic fallback pricing, not live candles.\n")
		}
	}

	for _, sig := range cand.Signals {
		fmt.Fprintf(&sb, "signal (%s, %s): %s\n", sig.Indicator, sig.Direction, sig.Reason)
	}

	if len(news) > 0 {
		sb.WriteString("\nRecent headlines:\n")
		for _, item := range news {
			fmt.Fprintf(&sb, "- %s\n", item.Headline)
		}
	}
	return sb.String()
}

// parseVerdict extracts and decodes the first balanced JSON object from
// the reviewer's free-text reply
func parseVerdict(content string) (Verdict, error) {
	raw := extractJSON(content)
	if raw == "" {
		return Verdict{}, fmt.Errorf("no JSON object in reviewer output")
	}

	var payload struct {
		Confirm          bool     `json:"confirm"`
		Action           string   `json:"action"`
		Confidence       string   `json:"confidence"`
		AdjustedStopLoss *float64 `json:"adjusted_stop_loss"`
		AdjustedTarget   *float64 `json:"adjusted_target"`
		Reasoning        string   `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return Verdict{}, fmt.Errorf("decoding reviewer JSON: %w", err)
	}

	verdict := Verdict{
		Confirm:          payload.Confirm,
		Action:           payload.Action,
		AdjustedStopLoss: payload.AdjustedStopLoss,
		AdjustedTarget:   payload.AdjustedTarget,
		Reasoning:        payload.Reasoning,
	}
	switch model.Confidence(strings.ToLower(payload.Confidence)) {
	case model.ConfidenceLow, model.ConfidenceMedium, model.ConfidenceHigh:
		verdict.Confidence = model.Confidence(strings.ToLower(payload.Confidence))
	}
	return verdict, nil
}

// extractJSON returns the first balanced {...} block in s, tolerating
// surrounding prose and braces inside string literals
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
