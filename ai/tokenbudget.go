package ai

import (
	"time"

	"github.com/agentguard-ai/agentguard"
	"github.com/agentguard-ai/agentguard/types"
)

// TokenBudget models a shared pool of LLM tokens replenished per time
// window.
type TokenBudget struct {
	// Name names the budget (e.g. "claude-tokens").
	Name string

	// TotalTokensPerWindow is the token budget per window.
	TotalTokensPerWindow types.Quantity

	// WindowDuration is the replenishment window.
	WindowDuration time.Duration

	// InputFraction is the fraction of the budget expected to go to input
	// tokens (0.7 means 70% input, 30% output). Informational.
	InputFraction float64
}

// NewTokenBudget returns a token budget for the given window.
func NewTokenBudget(name string, totalTokens types.Quantity, window time.Duration) *TokenBudget {
	return &TokenBudget{
		Name:                 name,
		TotalTokensPerWindow: totalTokens,
		WindowDuration:       window,
		InputFraction:        0.5,
	}
}

// TokensPerSecond returns the steady-state replenishment rate.
func (t *TokenBudget) TokensPerSecond() float64 {
	if t.WindowDuration <= 0 {
		return 0
	}
	return float64(t.TotalTokensPerWindow) / t.WindowDuration.Seconds()
}

// AsResource converts the budget to a generic resource.
func (t *TokenBudget) AsResource() (agentguard.Resource, error) {
	res, err := agentguard.NewResource(t.Name, types.CategoryTokenBudget, t.TotalTokensPerWindow)
	if err != nil {
		return agentguard.Resource{}, err
	}
	res.ReplenishInterval = t.WindowDuration
	return res, nil
}
