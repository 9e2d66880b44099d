package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnboundedFIFOOrder(t *testing.T) {
	var q Unbounded[int]
	q.Send(1)
	q.Send(2)
	q.Send(3)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, want := range []int{1, 2, 3} {
		got, ok := q.Recv(ctx)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestUnboundedRecvBlocksUntilSend(t *testing.T) {
	var q Unbounded[int]
	done := make(chan int, 1)

	go func() {
		v, ok := q.Recv(context.Background())
		if ok {
			done <- v
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Send(42)

	select {
	case v := <-done:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("recv never woke up")
	}
}

func TestUnboundedCloseDrainsThenStops(t *testing.T) {
	var q Unbounded[int]
	q.Send(1)
	q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	v, ok := q.Recv(ctx)
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = q.Recv(ctx)
	assert.False(t, ok)
}

func TestUnboundedSendAfterCloseFails(t *testing.T) {
	var q Unbounded[int]
	q.Close()
	assert.False(t, q.Send(1))
}

func TestUnboundedRecvRespectsContextCancellation(t *testing.T) {
	var q Unbounded[int]
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := q.Recv(ctx)
	assert.False(t, ok)
}
