package alerting

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	all := []AlertStatus{StatusNew, StatusAcknowledged, StatusInProgress, StatusResolved, StatusClosed}
	allowed := map[AlertStatus][]AlertStatus{
		StatusNew:          {StatusAcknowledged},
		StatusAcknowledged: {StatusInProgress, StatusClosed},
		StatusInProgress:   {StatusResolved},
		StatusResolved:     {StatusClosed},
		StatusClosed:       {},
	}

	isAllowed := func(from, to AlertStatus) bool {
		for _, s := range allowed[from] {
			if s == to {
				return true
			}
		}
		return false
	}

	for _, from := range all {
		for _, to := range all {
			alert := NewAlert("t", "", "high", "", "r", "immediate", nil)
			alert.Status = from

			err := alert.TransitionTo(to, "tester")
			if isAllowed(from, to) {
				assert.NoError(t, err, "%s -> %s should be legal", from, to)
				assert.Equal(t, to, alert.Status)
			} else {
				require.Error(t, err, "%s -> %s should be illegal", from, to)
				var invalid *InvalidTransitionError
				assert.ErrorAs(t, err, &invalid)
				assert.Equal(t, from, invalid.From)
				assert.Equal(t, to, invalid.To)
				assert.Equal(t, from, alert.Status, "failed transition leaves state unchanged")
			}
		}
	}
}

func TestTransitionRejectsUnknownStatus(t *testing.T) {
	alert := NewAlert("t", "", "low", "", "r", "immediate", nil)
	err := alert.TransitionTo(AlertStatus("Archived"), "tester")
	assert.Error(t, err)
	assert.Equal(t, StatusNew, alert.Status)
}

func TestTransitionAutoAssigns(t *testing.T) {
	alert := NewAlert("t", "", "low", "", "r", "immediate", nil)
	require.NoError(t, alert.TransitionTo(StatusAcknowledged, "analyst1"))
	assert.Equal(t, "analyst1", alert.AssignedTo)

	// An already assigned alert keeps its assignee.
	require.NoError(t, alert.TransitionTo(StatusInProgress, "analyst2"))
	assert.Equal(t, "analyst1", alert.AssignedTo)
}

func TestIsFinalState(t *testing.T) {
	alert := NewAlert("t", "", "low", "", "r", "immediate", nil)
	assert.False(t, alert.IsFinalState())

	alert.Status = StatusClosed
	assert.True(t, alert.IsFinalState())
	assert.Empty(t, alert.AllowedTransitions())
}

func TestStatusIsOpen(t *testing.T) {
	assert.True(t, StatusNew.IsOpen())
	assert.True(t, StatusAcknowledged.IsOpen())
	assert.True(t, StatusInProgress.IsOpen())
	assert.False(t, StatusResolved.IsOpen())
	assert.False(t, StatusClosed.IsOpen())
}
