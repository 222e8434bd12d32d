// Package mailer turns query results into messages and delivers them.
//
// Each Message moves through a small state machine. Every transition is a
// compare-and-swap on one message row, which is what keeps delivery at
// most once while tasks are delivered at least once.
package mailer

import (
	"fmt"
	"strings"
)

// MailState is the delivery state of a Message. Values are persisted.
type MailState int

const (
	StatePending    MailState = 1
	StateSending    MailState = 2
	StateSent       MailState = 3
	StateDelivered  MailState = 4
	StateBounced    MailState = 5
	StateComplained MailState = 6
)

// AllStates lists every state in value order.
func AllStates() []MailState {
	return []MailState{StatePending, StateSending, StateSent, StateDelivered, StateBounced, StateComplained}
}

var stateNames = map[MailState]string{
	StatePending:    "pending",
	StateSending:    "sending",
	StateSent:       "sent",
	StateDelivered:  "delivered",
	StateBounced:    "bounced",
	StateComplained: "complained",
}

func (s MailState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("MailState(%d)", int(s))
}

// Valid reports whether s is a known state.
func (s MailState) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// Bad reports whether s is a terminal failure. Bad messages are never
// retried automatically.
func (s MailState) Bad() bool {
	return s == StateBounced || s == StateComplained
}

// Unsent reports whether s is pending or sending.
func (s MailState) Unsent() bool {
	return s == StatePending || s == StateSending
}

// ParseState reads a state name.
func ParseState(name string) (MailState, error) {
	for s, n := range stateNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown mail state %q", name)
}

var transitions = map[MailState][]MailState{
	StatePending:   {StateSending},
	StateSending:   {StateSent, StatePending},
	StateSent:      {StateDelivered, StateBounced, StateComplained},
	StateDelivered: {StateBounced, StateComplained},
}

// CanTransition reports whether from → to is an edge of the state machine.
func CanTransition(from, to MailState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition is a guarded state change of one message. It applies only if
// the message is currently in From.
type Transition struct {
	From MailState
	To   MailState
	// Error is recorded as the message's last error when set.
	Error string
}

func (t Transition) String() string {
	return t.From.String() + "→" + t.To.String()
}
