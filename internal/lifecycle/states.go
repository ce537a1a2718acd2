// internal/lifecycle/states.go
package lifecycle

// State is a lifecycle machine state.
type State string

const (
	StateDiscovered   State = "DISCOVERED"
	StateWarming      State = "WARMING"
	StateValidating   State = "VALIDATING"
	StateSafetyCheck  State = "SAFETY_CHECK"
	StateScoring      State = "SCORING"
	StateReadyToTrade State = "READY_TO_TRADE"
	StateTrading      State = "TRADING"
	StatePositionHeld State = "POSITION_HELD"
	StateSelling      State = "SELLING"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
	StateTimeout      State = "TIMEOUT"
	StateRejected     State = "REJECTED"
)

// Event is a lifecycle machine event.
type Event string

const (
	EventWarmStart       Event = "WARM_START"
	EventWarmComplete    Event = "WARM_COMPLETE"
	EventValidateStart   Event = "VALIDATE_START"
	EventValidateSuccess Event = "VALIDATE_SUCCESS"
	EventValidateFail    Event = "VALIDATE_FAIL"
	EventSafetyStart     Event = "SAFETY_START"
	EventSafetySuccess   Event = "SAFETY_SUCCESS"
	EventSafetyFail      Event = "SAFETY_FAIL"
	EventScoreStart      Event = "SCORE_START"
	EventScoreSuccess    Event = "SCORE_SUCCESS"
	EventScoreFail       Event = "SCORE_FAIL"
	EventTradeStart      Event = "TRADE_START"
	EventTradeSuccess    Event = "TRADE_SUCCESS"
	EventTradeFail       Event = "TRADE_FAIL"
	EventHoldStart       Event = "HOLD_START"
	EventSellStart       Event = "SELL_START"
	EventSellSuccess     Event = "SELL_SUCCESS"
	EventSellFail        Event = "SELL_FAIL"
	EventTimeoutOccurred Event = "TIMEOUT_OCCURRED"
	EventForceFail       Event = "FORCE_FAIL"
	EventForceReject     Event = "FORCE_REJECT"
)

// terminalStates have no outgoing transitions.
var terminalStates = map[State]struct{}{
	StateCompleted: {},
	StateFailed:    {},
	StateTimeout:   {},
	StateRejected:  {},
}

// IsTerminal reports whether s has no outgoing transitions.
func (s State) IsTerminal() bool {
	_, ok := terminalStates[s]
	return ok
}

// transitionTable is the fixed legality map: state → event → target.
// VALIDATE_START out of DISCOVERED is the fast path for pool types that
// need no warm-up; SELL_FAIL returns to POSITION_HELD so the exit watcher
// retries on its next tick.
var transitionTable = map[State]map[Event]State{
	StateDiscovered: {
		EventWarmStart:     StateWarming,
		EventValidateStart: StateValidating,
	},
	StateWarming: {
		EventWarmComplete:  StateValidating,
		EventValidateStart: StateValidating,
	},
	StateValidating: {
		EventValidateSuccess: StateSafetyCheck,
		EventValidateFail:    StateFailed,
		EventSafetyStart:     StateSafetyCheck,
	},
	StateSafetyCheck: {
		EventSafetySuccess: StateScoring,
		EventSafetyFail:    StateRejected,
		EventScoreStart:    StateScoring,
	},
	StateScoring: {
		EventScoreSuccess: StateReadyToTrade,
		EventScoreFail:    StateRejected,
	},
	StateReadyToTrade: {
		EventTradeStart: StateTrading,
	},
	StateTrading: {
		EventTradeSuccess: StatePositionHeld,
		EventTradeFail:    StateFailed,
		EventHoldStart:    StatePositionHeld,
	},
	StatePositionHeld: {
		EventSellStart: StateSelling,
	},
	StateSelling: {
		EventSellSuccess: StateCompleted,
		EventSellFail:    StatePositionHeld,
	},
	StateCompleted: {},
	StateFailed:    {},
	StateTimeout:   {},
	StateRejected:  {},
}

func init() {
	// The escape hatches are legal from every non-terminal state.
	for state, events := range transitionTable {
		if state.IsTerminal() {
			continue
		}
		events[EventTimeoutOccurred] = StateTimeout
		events[EventForceFail] = StateFailed
		events[EventForceReject] = StateRejected
	}
}

// targetFor returns the target state for (state, event), if legal.
func targetFor(state State, event Event) (State, bool) {
	events, ok := transitionTable[state]
	if !ok {
		return "", false
	}
	target, ok := events[event]
	return target, ok
}

// AllStates lists every state, non-terminal first. Used by statistics and
// the dashboard for stable ordering.
func AllStates() []State {
	return []State{
		StateDiscovered,
		StateWarming,
		StateValidating,
		StateSafetyCheck,
		StateScoring,
		StateReadyToTrade,
		StateTrading,
		StatePositionHeld,
		StateSelling,
		StateCompleted,
		StateFailed,
		StateTimeout,
		StateRejected,
	}
}
