// Package budget implements the two-level budget tracker of spec §4.5
// (C5): a session tracker and a workspace tracker are structurally
// identical, so one Tracker type serves both. CheckAndReserve is the
// atomic primitive every other guarantee in the package rests on: under
// N concurrent callers racing a limit L, the sum of Allowed deltas never
// exceeds L (spec §8).
package budget

import (
	"fmt"
	"sync"
)

// Outcome tags the result of a budget check.
type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeDenied  Outcome = "denied"
	OutcomeWarning Outcome = "warning"
)

// Result is the uniform return value of Check and CheckAndReserve.
type Result struct {
	Outcome         Outcome
	Remaining       float64
	Reason          string
	WarningPercent  float64
}

// Tracker is an atomic spend tracker with a session-style limit, a
// per-action ceiling, and a warning threshold. Safe for concurrent use.
type Tracker struct {
	mu                sync.Mutex
	limit             float64
	perActionMax      float64
	warningThresholdP float64
	spent             float64
}

// New creates a tracker. perActionMax of 0 means no per-action ceiling
// beyond the overall limit. warningThresholdPercent is in [0,100].
func New(limit, perActionMax, warningThresholdPercent float64) *Tracker {
	return &Tracker{
		limit:             limit,
		perActionMax:      perActionMax,
		warningThresholdP: warningThresholdPercent,
	}
}

// Spent returns the current running total, for diagnostics.
func (t *Tracker) Spent() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spent
}

// Limit returns the configured limit.
func (t *Tracker) Limit() float64 {
	return t.limit
}

func (t *Tracker) evaluate(delta, spent float64) Result {
	if t.perActionMax > 0 && delta > t.perActionMax {
		return Result{
			Outcome:   OutcomeDenied,
			Remaining: t.limit - spent,
			Reason:    fmt.Sprintf("delta %.4f exceeds per-action max %.4f", delta, t.perActionMax),
		}
	}
	projected := spent + delta
	if projected > t.limit {
		return Result{
			Outcome:   OutcomeDenied,
			Remaining: t.limit - spent,
			Reason:    fmt.Sprintf("delta %.4f would overdraw limit %.4f (spent %.4f)", delta, t.limit, spent),
		}
	}

	remaining := t.limit - projected
	pct := 0.0
	if t.limit > 0 {
		pct = (projected / t.limit) * 100
	}
	if t.warningThresholdP > 0 && pct >= t.warningThresholdP {
		return Result{Outcome: OutcomeWarning, Remaining: remaining, WarningPercent: pct}
	}
	return Result{Outcome: OutcomeAllowed, Remaining: remaining}
}

// Check reports what would happen to a reservation of delta without
// mutating the tracker.
func (t *Tracker) Check(delta float64) Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evaluate(delta, t.spent)
}

// CheckAndReserve atomically evaluates and, if not denied, commits the
// reservation: spent += delta. Denied calls never mutate spent.
func (t *Tracker) CheckAndReserve(delta float64) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := t.evaluate(delta, t.spent)
	if result.Outcome != OutcomeDenied {
		t.spent += delta
	}
	return result
}

// Refund atomically subtracts delta from spent, saturating at zero. Used
// to roll back a reservation on downstream failure or cancellation.
func (t *Tracker) Refund(delta float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spent -= delta
	if t.spent < 0 {
		t.spent = 0
	}
}
