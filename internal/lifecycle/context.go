// internal/lifecycle/context.go
package lifecycle

import (
	"errors"
	"time"
)

var (
	// ErrInvalidTransition means the event is not legal for the current
	// state. Non-fatal: the context is left untouched.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrCapacityExceeded means the machine is at its non-terminal
	// ceiling even after an opportunistic sweep; the discovery event
	// must be dropped by the caller.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrContextNotFound means no context exists for the mint (never
	// initialized, or already purged).
	ErrContextNotFound = errors.New("token context not found")
	// ErrTokenExists means the mint already has a live context; the
	// discovery feed re-emitted an asset we are tracking.
	ErrTokenExists = errors.New("token already tracked")
)

// TokenRecord is the immutable discovered-asset record.
type TokenRecord struct {
	Mint         string
	Creator      string
	PoolType     string
	DiscoveredAt time.Time
}

// ValidationResult is the validator collaborator's verdict.
type ValidationResult struct {
	Success   bool
	Attempts  int
	Liquidity float64
	Price     float64
	Reason    string
}

// SafetyVerdict is the safety evaluator's verdict.
type SafetyVerdict struct {
	Passed    bool
	Failures  []string
	RiskScore float64
}

// ScoreResult is the scorer's verdict, compared against the pipeline
// threshold by the coordinator.
type ScoreResult struct {
	Score   float64
	Details map[string]float64
}

// TradeOutcome summarizes one execution router call for context metadata.
type TradeOutcome struct {
	Signature string
	Method    string
	Price     float64
	Amount    float64
	Duration  time.Duration
}

// Metadata is the per-context scratch area. It is owned by the machine
// and mutated only under the machine's lock.
type Metadata struct {
	ValidationAttempts int
	Validation         *ValidationResult
	Safety             *SafetyVerdict
	Score              *ScoreResult
	Trade              *TradeOutcome
	Sell               *TradeOutcome
	Errors             []string
	Warnings           []string
}

func (m Metadata) clone() Metadata {
	out := m
	if m.Validation != nil {
		validation := *m.Validation
		out.Validation = &validation
	}
	if m.Safety != nil {
		safety := *m.Safety
		safety.Failures = append([]string(nil), m.Safety.Failures...)
		out.Safety = &safety
	}
	if m.Score != nil {
		score := *m.Score
		score.Details = make(map[string]float64, len(m.Score.Details))
		for k, v := range m.Score.Details {
			score.Details[k] = v
		}
		out.Score = &score
	}
	if m.Trade != nil {
		trade := *m.Trade
		out.Trade = &trade
	}
	if m.Sell != nil {
		sell := *m.Sell
		out.Sell = &sell
	}
	out.Errors = append([]string(nil), m.Errors...)
	out.Warnings = append([]string(nil), m.Warnings...)
	return out
}

// TokenContext tracks one in-flight token. Exactly one context exists per
// mint while non-terminal; terminal contexts are retained briefly for
// observers, then purged. It is a plain value: the machine hands out
// detached copies, so readers never need a lock.
type TokenContext struct {
	Token               TokenRecord
	CurrentState        State
	PreviousState       State
	StateEnteredAt      time.Time
	CreatedAt           time.Time
	TotalProcessingTime time.Duration
	RetryCount          int
	MaxRetries          int
	Metadata            Metadata
}

// TimeInState reports how long the context has sat in its current state.
func (c TokenContext) TimeInState() time.Duration {
	return time.Since(c.StateEnteredAt)
}

// Age reports time since the context was created.
func (c TokenContext) Age() time.Duration {
	return time.Since(c.CreatedAt)
}
