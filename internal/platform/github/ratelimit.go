package github

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/spiffcs/stalebot/internal/log"
	"github.com/spiffcs/stalebot/internal/platform"
)

// RateLimitLowWatermark is the remaining-request count below which the
// transport starts logging.
const RateLimitLowWatermark = 100

// RateLimitState tracks the primary rate limit reported by GitHub for one
// client.
type RateLimitState struct {
	mu        sync.RWMutex
	limited   bool
	resetAt   time.Time
	remaining int
	limit     int
	now       func() time.Time
}

func newRateLimitState() *RateLimitState {
	return &RateLimitState{remaining: -1, limit: -1, now: time.Now}
}

// IsLimited returns true while the limit is exhausted and has not reset.
func (s *RateLimitState) IsLimited() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limited && s.now().Before(s.resetAt)
}

// SetLimited marks the limit as exhausted until resetAt.
func (s *RateLimitState) SetLimited(resetAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limited = true
	s.resetAt = resetAt
}

// Update records the values from a response.
func (s *RateLimitState) Update(remaining, limit int, resetAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remaining = remaining
	s.limit = limit
	s.resetAt = resetAt
	s.limited = remaining == 0
}

// Status returns the last observed values.
func (s *RateLimitState) Status() (remaining, limit int, resetAt time.Time, limited bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remaining, s.limit, s.resetAt, s.limited && s.now().Before(s.resetAt)
}

// rateLimitTransport fails fast with platform.ErrRateLimited once the
// primary limit is exhausted. Secondary limits are absorbed by the waiter
// underneath it.
type rateLimitTransport struct {
	base  http.RoundTripper
	state *RateLimitState
}

func (t *rateLimitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.state.IsLimited() {
		return nil, platform.ErrRateLimited
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}

	remaining, limit, resetAt := parseRateLimitHeaders(resp)
	if remaining >= 0 && limit > 0 {
		t.state.Update(remaining, limit, resetAt)
		if remaining <= RateLimitLowWatermark && remaining > 0 {
			log.Debug("rate limit low", "remaining", remaining, "resets_at", resetAt.Format(time.RFC3339))
		}
	}

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		if resp.Header.Get("X-RateLimit-Remaining") == "0" {
			t.state.SetLimited(resetAt)
			_ = resp.Body.Close()
			return nil, platform.ErrRateLimited
		}
	}
	return resp, nil
}

func parseRateLimitHeaders(resp *http.Response) (remaining, limit int, resetAt time.Time) {
	remaining, limit = -1, -1
	if v, err := strconv.Atoi(resp.Header.Get("X-RateLimit-Remaining")); err == nil {
		remaining = v
	}
	if v, err := strconv.Atoi(resp.Header.Get("X-RateLimit-Limit")); err == nil {
		limit = v
	}
	if v, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		resetAt = time.Unix(v, 0)
	}
	return remaining, limit, resetAt
}

// Quota is one rate limit bucket as reported by the rate_limit endpoint.
type Quota struct {
	Name      string
	Remaining int
	Limit     int
	ResetAt   time.Time
}
