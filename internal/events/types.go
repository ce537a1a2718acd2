// internal/events/types.go
package events

import (
	"time"
)

// EventType represents the type of event.
type EventType string

const (
	// Discovery feed events
	TokenDiscovered EventType = "token.discovered"

	// Lifecycle machine events
	TokenStateChanged EventType = "token.state_changed"
	TokenTerminal     EventType = "token.terminal"

	// Execution router events
	TradeExecuted      EventType = "trade.executed"
	ExecutionDuplicate EventType = "execution.duplicate"

	// Position watcher events
	PositionOpened    EventType = "position.opened"
	PositionScaledOut EventType = "position.scaled_out"
	PositionClosed    EventType = "position.closed"
)

// Event is the base interface for all events.
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides common fields for all events.
type BaseEvent struct {
	EventType EventType
	EventTime time.Time
}

// Type returns the event type.
func (e BaseEvent) Type() EventType {
	return e.EventType
}

// Timestamp returns when the event occurred.
func (e BaseEvent) Timestamp() time.Time {
	return e.EventTime
}

// NewBase stamps a BaseEvent with the current time.
func NewBase(t EventType) BaseEvent {
	return BaseEvent{EventType: t, EventTime: time.Now()}
}

// TokenDiscoveredEvent is emitted when the discovery feed admits a new token.
type TokenDiscoveredEvent struct {
	BaseEvent
	Mint     string
	Creator  string
	PoolType string
}

// StateChangedEvent is emitted for every applied lifecycle transition.
type StateChangedEvent struct {
	BaseEvent
	Mint         string
	From         string
	To           string
	TriggerEvent string
	Reason       string
}

// TerminalEvent is emitted once when a token reaches a terminal state.
type TerminalEvent struct {
	BaseEvent
	Mint           string
	FinalState     string
	ProcessingTime time.Duration
	Reason         string
}

// TradeExecutedEvent is emitted after every execution router call settles.
type TradeExecutedEvent struct {
	BaseEvent
	Mint         string
	Side         string
	Method       string
	Signature    string
	Success      bool
	FallbackUsed bool
	Duration     time.Duration
	Error        string
}

// DuplicateExecutionEvent warns that both race-mode paths landed the same
// trade intent. The router does not reconcile the duplicate; operators do.
type DuplicateExecutionEvent struct {
	BaseEvent
	Mint            string
	JitoSignature   string
	PublicSignature string
}

// PositionOpenedEvent is emitted when the exit watcher starts tracking.
type PositionOpenedEvent struct {
	BaseEvent
	Mint       string
	EntryPrice float64
	Amount     float64
}

// PositionScaledOutEvent is emitted on each partial exit tier fire.
type PositionScaledOutEvent struct {
	BaseEvent
	Mint       string
	Tier       int
	AmountSold float64
	Remaining  float64
	ROI        float64
}

// PositionClosedEvent is emitted when a position leaves the watcher.
type PositionClosedEvent struct {
	BaseEvent
	Mint          string
	Reason        string
	ROI           float64
	PeakROI       float64
	RealizedQuote float64
	HeldFor       time.Duration
}
