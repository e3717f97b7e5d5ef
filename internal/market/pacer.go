package market

import (
	"net/http"
	"sync"
	"time"
)

// Clock abstracts time so the pacer can be driven by tests
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// SystemClock returns the real wall clock
func SystemClock() Clock { return systemClock{} }

// Pacer serializes outbound provider calls. Call starts are spaced at
// least minInterval apart no matter how many goroutines call Acquire,
// and two cooldown tiers are layered on top: a global provider cooldown
// (rate limit hit, short) and a per-endpoint cooldown (entitlement
// denial, long). The two must not be conflated because the recovery
// policy differs.
type Pacer struct {
	mu sync.Mutex

	clock            Clock
	minInterval      time.Duration
	providerCooldown time.Duration
	endpointCooldown time.Duration

	lastCallStart         time.Time
	providerCooldownUntil time.Time
	endpointCooldownUntil map[string]time.Time
}

// PacerOptions holds options for creating a new Pacer
type PacerOptions struct {
	Clock            Clock
	MinInterval      time.Duration
	ProviderCooldown time.Duration
	EndpointCooldown time.Duration
}

// NewPacer creates a new Pacer
func NewPacer(opts PacerOptions) *Pacer {
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.MinInterval == 0 {
		opts.MinInterval = 1300 * time.Millisecond
	}
	if opts.ProviderCooldown == 0 {
		opts.ProviderCooldown = 65 * time.Second
	}
	if opts.EndpointCooldown == 0 {
		opts.EndpointCooldown = 60 * time.Minute
	}

	return &Pacer{
		clock:                 opts.Clock,
		minInterval:           opts.MinInterval,
		providerCooldown:      opts.ProviderCooldown,
		endpointCooldown:      opts.EndpointCooldown,
		endpointCooldownUntil: make(map[string]time.Time),
	}
}

// Acquire blocks until the next call to the given endpoint path may
// start, then records the call start. A path inside its entitlement
// cooldown fails fast with a Forbidden StatusError instead of waiting,
// so one blocked endpoint never stalls callers of the others. The
// min-interval and provider-cooldown waits sleep outside the lock and
// re-check, for the same reason.
func (p *Pacer) Acquire(path string) error {
	for {
		p.mu.Lock()
		now := p.clock.Now()

		if until, ok := p.endpointCooldownUntil[path]; ok && now.Before(until) {
			p.mu.Unlock()
			return &StatusError{Code: http.StatusForbidden, Path: path, Body: "endpoint cooling down"}
		}

		var wait time.Duration
		if !p.lastCallStart.IsZero() {
			if d := p.lastCallStart.Add(p.minInterval).Sub(now); d > wait {
				wait = d
			}
		}
		if d := p.providerCooldownUntil.Sub(now); d > wait {
			wait = d
		}

		if wait <= 0 {
			p.lastCallStart = now
			p.mu.Unlock()
			return nil
		}

		p.mu.Unlock()
		p.clock.Sleep(wait)
	}
}

// ReportRateLimited opens the global provider cooldown. All endpoints
// wait until it elapses.
func (p *Pacer) ReportRateLimited() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.providerCooldownUntil = p.clock.Now().Add(p.providerCooldown)
}

// ReportForbidden cools down a single endpoint path, leaving the rest
// of the provider usable.
func (p *Pacer) ReportForbidden(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endpointCooldownUntil[path] = p.clock.Now().Add(p.endpointCooldown)
}

// EndpointBlocked reports whether a path is inside its cooldown window
func (p *Pacer) EndpointBlocked(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.endpointCooldownUntil[path]
	return ok && p.clock.Now().Before(until)
}
