// Package policy bounds retries per stage so a fixable failure cannot
// loop forever.
package policy

import (
	"fmt"

	"interlock/internal/domain"
)

// DefaultMaxRetries is the number of retry verdicts tolerated per
// (run, stage) before the run is failed closed.
const DefaultMaxRetries = 3

// Budget converts repeated fixable failures into a hard stop. It is
// applied after the gate and before anything is persisted, so the
// recorded verdict is always the budget-aware one.
type Budget struct {
	MaxRetries int
}

// New returns a budget. Negative limits fall back to the default; zero
// is honored and means the first retry already fails the run closed.
func New(maxRetries int) Budget {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	return Budget{MaxRetries: maxRetries}
}

// Apply takes the gate verdict and the retries already consumed at this
// stage and returns the final verdict plus whether the budget was
// exhausted by this submission. Pass and stop verdicts are never
// altered; a retry that would exceed the budget becomes a stop.
func (b Budget) Apply(gate domain.GateResult, priorRetries int) (domain.GateResult, bool) {
	if gate.Status != domain.StatusRetry {
		return gate, false
	}
	if priorRetries < b.MaxRetries {
		return gate, false
	}
	reasons := append([]string{
		fmt.Sprintf("retry budget exhausted after %d attempts", priorRetries),
	}, gate.Reasons...)
	return domain.GateResult{Status: domain.StatusStop, Reasons: reasons}, true
}
