package ai

import (
	"time"

	"github.com/agentguard-ai/agentguard"
	"github.com/agentguard-ai/agentguard/types"
)

// WindowType is the time window a rate limit applies to.
type WindowType string

const (
	PerSecond WindowType = "per-second"
	PerMinute WindowType = "per-minute"
	PerHour   WindowType = "per-hour"
	PerDay    WindowType = "per-day"
)

// Duration returns the length of the window.
func (w WindowType) Duration() time.Duration {
	switch w {
	case PerSecond:
		return time.Second
	case PerMinute:
		return time.Minute
	case PerHour:
		return time.Hour
	case PerDay:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// RateLimiter models an API rate limit: a number of requests per time
// window, optionally with a burst allowance and per-endpoint sublimits.
type RateLimiter struct {
	// APIName names the limited API (e.g. "anthropic-messages").
	APIName string

	// RequestsPerWindow is the steady-state request budget per window.
	RequestsPerWindow types.Quantity

	// Window is the time window the budget applies to.
	Window WindowType

	// BurstAllowance permits short bursts above the steady-state rate.
	// It is added to the capacity of the converted resource; steady-state
	// rate enforcement over time stays with the caller.
	BurstAllowance types.Quantity

	// EndpointSublimits optionally caps individual endpoints. Informational
	// only; callers enforce sublimits by registering separate resources.
	EndpointSublimits map[string]types.Quantity
}

// NewRateLimiter returns a rate limiter for the given API and budget.
func NewRateLimiter(apiName string, requestsPerWindow types.Quantity, window WindowType) *RateLimiter {
	return &RateLimiter{
		APIName:           apiName,
		RequestsPerWindow: requestsPerWindow,
		Window:            window,
	}
}

// AddEndpointSublimit records a per-endpoint cap.
func (r *RateLimiter) AddEndpointSublimit(endpoint string, limit types.Quantity) {
	if r.EndpointSublimits == nil {
		r.EndpointSublimits = make(map[string]types.Quantity)
	}
	r.EndpointSublimits[endpoint] = limit
}

// AsResource converts the rate limit to a generic resource. Capacity is the
// per-window budget plus the burst allowance, and the window length is
// recorded as the replenish interval.
func (r *RateLimiter) AsResource() (agentguard.Resource, error) {
	res, err := agentguard.NewResource(r.APIName, types.CategoryAPIRateLimit,
		r.RequestsPerWindow+r.BurstAllowance)
	if err != nil {
		return agentguard.Resource{}, err
	}
	res.ReplenishInterval = r.Window.Duration()
	return res, nil
}
