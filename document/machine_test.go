package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parchmint/parchmint/errors"
)

func TestHappyPathAdvances(t *testing.T) {
	sequence := []Status{
		StatusPending, StatusParsing, StatusParsed, StatusEmbedding,
		StatusEmbedded, StatusAnalyzing, StatusAnalyzed, StatusComplete,
	}

	for i := 0; i < len(sequence)-1; i++ {
		next, err := Transition(sequence[i], sequence[i+1])
		require.NoError(t, err, "%s -> %s", sequence[i], sequence[i+1])
		assert.Equal(t, sequence[i+1], next)
	}
}

func TestStaleEventsAreAbsorbed(t *testing.T) {
	// A re-delivered "parsing" event against a document already past parsing
	// keeps the later status.
	next, err := Transition(StatusEmbedded, StatusParsing)
	require.NoError(t, err)
	assert.Equal(t, StatusEmbedded, next)

	next, err = Transition(StatusComplete, StatusAnalyzed)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, next)

	// Same status is trivially a no-op
	next, err = Transition(StatusParsing, StatusParsing)
	require.NoError(t, err)
	assert.Equal(t, StatusParsing, next)
}

func TestSkippingStatusesIsInvalid(t *testing.T) {
	_, err := Transition(StatusPending, StatusEmbedded)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	_, err = Transition(StatusParsed, StatusComplete)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
}

func TestFailedIsAbsorbing(t *testing.T) {
	_, err := Transition(StatusFailed, StatusParsing)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	_, err = Transition(StatusFailed, StatusComplete)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	next, err := Transition(StatusFailed, StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, next)
}

func TestUnknownStatusRejected(t *testing.T) {
	_, err := Transition(Status("shredded"), StatusParsing)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	_, err = Transition(StatusPending, Status("shredded"))
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
}

func TestStageStatusMapping(t *testing.T) {
	start, ok := StartStatus("parse")
	require.True(t, ok)
	assert.Equal(t, StatusParsing, start)

	// extract-financials runs within analyzed, no start transition
	_, ok = StartStatus("extract-financials")
	assert.False(t, ok)

	done, ok := SuccessStatus("extract-financials")
	require.True(t, ok)
	assert.Equal(t, StatusComplete, done)
}

func TestRetryStatusMapsToStageEntry(t *testing.T) {
	cases := map[string]Status{
		"parse":              StatusPending,
		"embed":              StatusParsed,
		"analyze":            StatusEmbedded,
		"extract-financials": StatusAnalyzed,
	}
	for stage, want := range cases {
		got, ok := RetryStatus(stage)
		require.True(t, ok, stage)
		assert.Equal(t, want, got, stage)
	}

	_, ok := RetryStatus("transmogrify")
	assert.False(t, ok)
}
