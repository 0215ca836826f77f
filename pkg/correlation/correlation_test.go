package correlation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromSynthesisesWhenAbsent(t *testing.T) {
	c := From(context.Background())
	require.NotNil(t, c)
	assert.NotEmpty(t, c.CorrelationID)
	assert.NotEmpty(t, c.RequestID)
	assert.NotNil(t, c.Logger)
}

func TestWithRoundTrip(t *testing.T) {
	c := New("corr-123", "tester")
	ctx := With(context.Background(), c)

	got := From(ctx)
	assert.Same(t, c, got)
	assert.Equal(t, "corr-123", got.CorrelationID)
	assert.Equal(t, "tester", got.Caller)
}

func TestDetachKeepsRecordDropsCancellation(t *testing.T) {
	c := New("corr-456", "")
	parent, cancel := context.WithCancel(With(context.Background(), c))
	cancel()

	detached := Detach(parent)
	assert.NoError(t, detached.Err())
	assert.Same(t, c, From(detached))
}

func TestNewSynthesisesCorrelationID(t *testing.T) {
	a := New("", "")
	b := New("", "")
	assert.NotEqual(t, a.CorrelationID, b.CorrelationID)
	assert.NotEqual(t, a.RequestID, b.RequestID)
}
