package staging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain[T any](t *testing.T, b *reorderBuffer[T]) ([]Ticket, []T, error) {
	t.Helper()
	var (
		tickets []Ticket
		items   []T
	)
	for {
		tk, item, err := b.take()
		if err != nil {
			return tickets, items, err
		}
		tickets = append(tickets, tk)
		items = append(items, item)
	}
}

func TestReorderBuffer_TakesInTicketOrder(t *testing.T) {
	t.Parallel()

	b := newReorderBuffer[string](8, false)
	for _, tk := range []Ticket{2, 0, 3, 1} {
		require.NoError(t, b.put(tk, string(rune('a'+tk))))
	}
	b.close()

	tickets, items, err := drain(t, b)
	require.ErrorIs(t, err, errBufferDrained)
	assert.Equal(t, []Ticket{0, 1, 2, 3}, tickets)
	assert.Equal(t, []string{"a", "b", "c", "d"}, items)
	assert.Zero(t, b.pendingCount())
}

func TestReorderBuffer_Gap(t *testing.T) {
	t.Parallel()

	b := newReorderBuffer[int](8, true)
	require.NoError(t, b.put(0, 0))
	require.NoError(t, b.put(2, 2))
	b.close()

	tickets, _, err := drain(t, b)
	assert.Equal(t, []Ticket{0}, tickets)
	require.ErrorIs(t, err, ErrTicketSequence)
	assert.Contains(t, err.Error(), "ticket 1 never arrived")
}

func TestReorderBuffer_Duplicate(t *testing.T) {
	t.Parallel()

	b := newReorderBuffer[int](8, false)
	require.NoError(t, b.put(1, 1))
	require.NoError(t, b.put(1, 1))
	require.NoError(t, b.put(0, 0))

	tk, _, err := b.take()
	require.NoError(t, err)
	assert.Equal(t, Ticket(0), tk)
	tk, _, err = b.take()
	require.NoError(t, err)
	assert.Equal(t, Ticket(1), tk)

	_, _, err = b.take()
	require.ErrorIs(t, err, ErrTicketSequence)

	err = b.put(0, 0)
	require.ErrorIs(t, err, ErrTicketSequence)
	assert.Contains(t, err.Error(), "already forwarded")
}

func TestReorderBuffer_FullBufferAdmitsNextTicket(t *testing.T) {
	t.Parallel()

	b := newReorderBuffer[int](2, false)
	require.NoError(t, b.put(1, 1))
	require.NoError(t, b.put(2, 2))

	parked := make(chan error, 1)
	go func() { parked <- b.put(3, 3) }()

	select {
	case err := <-parked:
		t.Fatalf("put into a full buffer returned early: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	// the next ticket is never refused
	require.NoError(t, b.put(0, 0))
	assert.Equal(t, 3, b.pendingCount())

	for want := Ticket(0); want < 2; want++ {
		tk, _, err := b.take()
		require.NoError(t, err)
		assert.Equal(t, want, tk)
	}

	select {
	case err := <-parked:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("put stayed parked after room was made")
	}

	b.close()
	tickets, _, err := drain(t, b)
	require.ErrorIs(t, err, errBufferDrained)
	assert.Equal(t, []Ticket{2, 3}, tickets)
}

func TestReorderBuffer_HaltWakesWaiters(t *testing.T) {
	t.Parallel()

	b := newReorderBuffer[int](1, false)
	require.NoError(t, b.put(1, 1))

	taken := make(chan error, 1)
	go func() {
		_, _, err := b.take()
		taken <- err
	}()
	put := make(chan error, 1)
	go func() { put <- b.put(2, 2) }()

	time.Sleep(20 * time.Millisecond)
	b.halt()

	for _, ch := range []chan error{taken, put} {
		select {
		case err := <-ch:
			assert.ErrorIs(t, err, errBufferHalted)
		case <-time.After(time.Second):
			t.Fatal("waiter not woken by halt")
		}
	}
}
