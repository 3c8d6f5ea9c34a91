package auth

import (
	"log/slog"
	"slices"
)

// State is a step of the login protocol.
type State string

const (
	StateStart                State = "START"
	StateCredentialChecked    State = "CREDENTIAL_CHECKED"
	StateRiskChecked          State = "RISK_CHECKED"
	StateAuthenticated        State = "AUTHENTICATED"
	StateAwaitingSecondFactor State = "AWAITING_SECOND_FACTOR"
	StateRejected             State = "REJECTED"
)

var transitions = map[State][]State{
	StateStart:                {StateCredentialChecked, StateRejected},
	StateCredentialChecked:    {StateRiskChecked, StateRejected},
	StateRiskChecked:          {StateAuthenticated, StateAwaitingSecondFactor, StateRejected},
	StateAwaitingSecondFactor: {StateAuthenticated, StateAwaitingSecondFactor, StateRejected},
}

// CanTransition reports whether the protocol allows moving from s to next.
// AUTHENTICATED and REJECTED are terminal.
func (s State) CanTransition(next State) bool {
	return slices.Contains(transitions[s], next)
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// attempt tracks one pass through the protocol for logging.
type attempt struct {
	state  State
	logger *slog.Logger
}

func newAttempt(from State, logger *slog.Logger) *attempt {
	return &attempt{state: from, logger: logger}
}

func (a *attempt) advance(next State) {
	if !a.state.CanTransition(next) {
		// Programming error; the caller's control flow is wrong.
		panic("auth: illegal transition " + string(a.state) + " -> " + string(next))
	}
	a.logger.Debug("login state", "from", a.state, "to", next)
	a.state = next
}
