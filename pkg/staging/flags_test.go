package staging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ib-77/stage3/pkg/errors"
)

func TestFlags(t *testing.T) {
	t.Parallel()

	both := OrderSendDownstream | RecycleBatches
	assert.True(t, both.Has(OrderSendDownstream))
	assert.True(t, both.Has(RecycleBatches))
	assert.False(t, RecycleBatches.Has(OrderSendDownstream))
	assert.Equal(t, "ORDER_SEND_DOWNSTREAM|RECYCLE_BATCHES", both.String())
	assert.Equal(t, "NONE", Flags(0).String())
}

func TestStatus(t *testing.T) {
	t.Parallel()

	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.Equal(t, "constructed", StatusConstructed.String())
	assert.Equal(t, "unknown", Status(42).String())
}

func TestExecutionError(t *testing.T) {
	t.Parallel()

	cause := &WorkerFault{Step: "parser", Ticket: 9, Cause: errors.New("bad row")}
	release := &ReleaseFault{Step: "writer", Cause: errors.New("flush")}
	ee := &ExecutionError{Stage: "import", RunID: "r1", Step: "parser", Cause: cause, Release: []error{release}}

	assert.Equal(t,
		`stage "import" (run r1): step "parser": step "parser" failed on ticket 9: bad row; 1 release fault(s); close step "writer": flush`,
		ee.Error())
	assert.Equal(t, []error{cause, release}, errors.GetErrors(ee))
	assert.ErrorIs(t, ee, ErrWorkerFault)
	assert.ErrorIs(t, ee, ErrResourceRelease)
}

func TestSources(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	drainSource := func(src Source[int]) []int {
		var out []int
		for {
			b, ok, err := src.Next(ctx)
			require.NoError(t, err)
			if !ok {
				return out
			}
			out = append(out, b)
		}
	}

	assert.Equal(t, []int{1, 2, 3}, drainSource(SliceSource(1, 2, 3)))

	ch := make(chan int, 2)
	ch <- 7
	ch <- 8
	close(ch)
	assert.Equal(t, []int{7, 8}, drainSource(ChanSource(ch)))

	chunks := ChunkSource(2, []string{"a", "b", "c", "d", "e"})
	var got [][]string
	for {
		c, ok, err := chunks.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, c)
	}
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, got)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, _, err := ChanSource(make(chan int)).Next(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
	_, _, err = SliceSource(1).Next(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
}
