package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for cooldown tracking.
var (
	cooldownsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "appstore_cooldowns_total",
		Help: "Total number of upstream cooldowns recorded by triggering status",
	}, []string{"reason"})

	cooldownWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "appstore_cooldown_wait_seconds",
		Help:    "Time requests spent waiting out an upstream cooldown",
		Buckets: []float64{0.5, 1, 3, 6, 12, 24, 48, 60},
	})

	cooldownRemainingSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "appstore_cooldown_remaining_seconds",
		Help: "Remaining seconds of the most recently recorded cooldown",
	})
)

// Tracker records upstream cooldowns and gates requests until they end.
type Tracker struct {
	store       Store
	maxCooldown time.Duration
	logger      zerolog.Logger
}

// NewTracker creates a new cooldown tracker. Cooldowns longer than
// maxCooldown are clamped; zero disables clamping.
func NewTracker(store Store, maxCooldown time.Duration, logger zerolog.Logger) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Tracker{
		store:       store,
		maxCooldown: maxCooldown,
		logger:      logger,
	}
}

// GetState retrieves the current cooldown state.
// Returns an inactive state if nothing is recorded, or if an active state
// was written longer ago than maxCooldown (a writer with a skewed clock).
func (t *Tracker) GetState(ctx context.Context) (*CooldownState, error) {
	state, err := t.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	if state == nil {
		t.logger.Debug().Msg("No cooldown state recorded")
		return &CooldownState{}, nil
	}
	if t.maxCooldown > 0 && state.Active() && state.IsStale(t.maxCooldown) {
		t.logger.Warn().
			Time("until", state.Until).
			Time("last_update", state.LastUpdate).
			Msg("Ignoring stale cooldown state")
		return &CooldownState{}, nil
	}
	return state, nil
}

// UpdateFromResponse records a cooldown when a 429 or 503 response carries a
// Retry-After header. It returns the parsed hint (0 if none) and never
// shortens an existing cooldown.
func (t *Tracker) UpdateFromResponse(ctx context.Context, statusCode int, headers http.Header) (time.Duration, error) {
	if statusCode != http.StatusTooManyRequests && statusCode != http.StatusServiceUnavailable {
		return 0, nil
	}

	retryAfter := ParseRetryAfter(headers.Get("Retry-After"), time.Now())
	if retryAfter <= 0 {
		return 0, nil
	}
	if t.maxCooldown > 0 && retryAfter > t.maxCooldown {
		retryAfter = t.maxCooldown
	}

	now := time.Now()
	state := &CooldownState{
		Until:      now.Add(retryAfter),
		Reason:     strconv.Itoa(statusCode),
		LastUpdate: now,
	}

	written, err := t.store.Extend(ctx, state)
	if err != nil {
		return retryAfter, fmt.Errorf("extend cooldown state: %w", err)
	}
	if !written {
		return retryAfter, nil
	}

	cooldownsTotal.WithLabelValues(state.Reason).Inc()
	cooldownRemainingSeconds.Set(retryAfter.Seconds())

	t.logger.Warn().
		Int("status_code", statusCode).
		Dur("retry_after", retryAfter).
		Time("until", state.Until).
		Msg("Upstream requested cooldown")

	return retryAfter, nil
}

// Wait blocks until any active cooldown has passed or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		return fmt.Errorf("get cooldown state: %w", err)
	}

	remaining := state.Remaining()
	if remaining <= 0 {
		return nil
	}
	if t.maxCooldown > 0 && remaining > t.maxCooldown {
		remaining = t.maxCooldown
	}

	t.logger.Info().
		Str("reason", state.Reason).
		Dur("wait_duration", remaining).
		Msg("Waiting out upstream cooldown")

	start := time.Now()
	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		cooldownWaitSeconds.Observe(time.Since(start).Seconds())
		return ctx.Err()
	case <-timer.C:
		cooldownWaitSeconds.Observe(remaining.Seconds())
		return nil
	}
}

// ParseRetryAfter parses a Retry-After header in either delta-seconds or
// HTTP-date form. Returns 0 if the header is absent or invalid.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
