package errors

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	cause := New("cause")
	wrapped := Wrap(cause, "wrapped")

	assert.Contains(t, wrapped.Error(), "wrapped")
	assert.Contains(t, wrapped.Error(), "cause")
	assert.True(t, Is(wrapped, cause))
}

func TestWithHint(t *testing.T) {
	err := WithHint(New("queue full"), "raise work_ahead")

	hints := GetAllHints(err)
	require.Len(t, hints, 1)
	assert.Equal(t, "raise work_ahead", hints[0])
}

func TestGetErrors(t *testing.T) {
	t.Parallel()

	assert.Empty(t, GetErrors(nil))

	single := New("single")
	assert.Equal(t, []error{single}, GetErrors(single))

	a, b := New("a"), New("b")
	joined := stderrors.Join(a, b)
	errs := GetErrors(joined)
	require.Len(t, errs, 2)
	assert.Same(t, a, errs[0])
	assert.Same(t, b, errs[1])
}

func TestIsNil(t *testing.T) {
	t.Parallel()

	var typed *struct{}
	assert.True(t, IsNil(nil))
	assert.True(t, IsNil(typed))
	assert.False(t, IsNil(New("x")))
}

func TestIsCancellation(t *testing.T) {
	t.Parallel()

	assert.True(t, IsCancellation(context.Canceled))
	assert.True(t, IsCancellation(Wrap(context.DeadlineExceeded, "receive")))
	assert.False(t, IsCancellation(New("boom")))
	assert.False(t, IsCancellation(nil))
}
