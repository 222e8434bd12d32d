package mailer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to MailState
		want     bool
	}{
		{StatePending, StateSending, true},
		{StateSending, StateSent, true},
		{StateSending, StatePending, true},
		{StateSent, StateDelivered, true},
		{StateSent, StateBounced, true},
		{StateSent, StateComplained, true},
		{StateDelivered, StateBounced, true},
		{StateDelivered, StateComplained, true},

		{StatePending, StateSent, false},
		{StatePending, StatePending, false},
		{StateSent, StatePending, false},
		{StateDelivered, StateSent, false},
		{StateBounced, StatePending, false},
		{StateBounced, StateSending, false},
		{StateComplained, StateDelivered, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"_"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestBadStatesAreTerminal(t *testing.T) {
	for _, s := range AllStates() {
		if !s.Bad() {
			continue
		}
		for _, to := range AllStates() {
			assert.False(t, CanTransition(s, to), "%s must be terminal", s)
		}
	}
}

func TestStatePredicates(t *testing.T) {
	assert.True(t, StatePending.Unsent())
	assert.True(t, StateSending.Unsent())
	assert.False(t, StateSent.Unsent())
	assert.True(t, StateBounced.Bad())
	assert.True(t, StateComplained.Bad())
	assert.False(t, StateDelivered.Bad())
	assert.False(t, MailState(9).Valid())
	assert.Equal(t, "MailState(9)", MailState(9).String())
}

func TestParseState(t *testing.T) {
	for _, s := range AllStates() {
		got, err := ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	got, err := ParseState("Bounced")
	require.NoError(t, err)
	assert.Equal(t, StateBounced, got)

	_, err = ParseState("lost")
	assert.Error(t, err)
}
