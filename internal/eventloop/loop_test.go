package eventloop

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestLoopRunsDeferredInFIFOOrder(t *testing.T) {
	l, err := New(zerolog.Nop())
	require.NoError(t, err)

	var order []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		l.Defer(func() { order = append(order, i) })
	}
	l.Defer(func() { close(done) })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go func() {
		<-done
		cancel()
	}()
	_ = l.Run(ctx)

	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestLoopFiresDelayedTasksAfterDeadline(t *testing.T) {
	l, err := New(zerolog.Nop())
	require.NoError(t, err)

	fired := make(chan struct{})
	l.Schedule(10*time.Millisecond, func() { close(fired) })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go func() {
		select {
		case <-fired:
		case <-time.After(time.Second):
		}
		cancel()
	}()
	_ = l.Run(ctx)

	select {
	case <-fired:
	default:
		t.Fatal("delayed task never fired")
	}
}
