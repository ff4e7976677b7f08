package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNext(t *testing.T) {
	tests := []struct {
		from  State
		event Event
		want  State
	}{
		{StatePending, EventStart, StateMigrating},
		{StateMigrating, EventFinish, StateMigrateFinished},
		{StateMigrateFinished, EventStart, StateCorrecting},
		{StateCorrecting, EventFinish, StateCorrectFinished},
		{StateCorrectFinished, EventStart, StateMigratingFailedNode},
		{StateMigratingFailedNode, EventFinish, StateMigrateFailedNodeFinished},
		{StateMigrateFailedNodeFinished, EventStart, StateFinishing},
		{StateFinishing, EventFinish, StateDeleted},
		{StateMigrating, EventResume, StateMigrating},
		{StateCorrecting, EventResume, StateCorrecting},
		{StateMigratingFailedNode, EventResume, StateMigratingFailedNode},
		{StateFinishing, EventResume, StateFinishing},
		{StateMigratingFailedNode, EventExhausted, StateNeedsManualIntervention},
		{StateNeedsManualIntervention, EventReset, StateCorrectFinished},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.event), func(t *testing.T) {
			got, err := Next(tt.from, tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextRejects(t *testing.T) {
	tests := []struct {
		from  State
		event Event
	}{
		{StatePending, EventFinish},
		{StatePending, EventResume},
		{StateMigrating, EventStart},
		{StateMigrateFinished, EventFinish},
		{StateMigrateFinished, EventResume},
		{StateCorrecting, EventExhausted},
		{StateNeedsManualIntervention, EventStart},
		{StateNeedsManualIntervention, EventResume},
		{StateCorrectFinished, EventReset},
		{StateDeleted, EventStart},
		{StatePending, Event("bogus")},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.event), func(t *testing.T) {
			got, err := Next(tt.from, tt.event)
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, tt.from, got)
		})
	}
}

func TestStateClasses(t *testing.T) {
	for _, s := range States {
		assert.True(t, s.Valid(), s)
		assert.False(t, s.Executing() && s.Waiting(), s)
	}
	assert.False(t, StateDeleted.Valid())
	assert.False(t, State("UNKNOWN").Valid())
	assert.True(t, StateFinishing.Executing())
	assert.True(t, StateMigrateFinished.Waiting())
	assert.False(t, StateNeedsManualIntervention.Executing())
	assert.False(t, StateNeedsManualIntervention.Waiting())
}
