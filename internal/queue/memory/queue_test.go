package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jipview/collector/internal/collect"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan collect.TaskMessage, 1)

	go func() {
		msg, err := q.Dequeue(context.Background())
		if err == nil {
			result <- msg
		}
	}()

	msg := collect.TaskMessage{TaskID: 7, RunID: 3, Key: "kb_price_100_200"}
	require.NoError(t, q.Enqueue(context.Background(), msg))

	select {
	case got := <-result:
		require.Equal(t, int64(7), got.TaskID)
		require.Equal(t, "kb_price_100_200", got.Key)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return message")
	}
}

func TestQueueCancelation(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, q.Enqueue(context.Background(), collect.TaskMessage{TaskID: 1}))
	err = q.Enqueue(ctx, collect.TaskMessage{TaskID: 2})
	require.ErrorIs(t, err, context.Canceled)
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	q.Close()

	_, err := q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)

	// A late enqueue during shutdown is rejected, not a send on a closed
	// channel.
	err = q.Enqueue(context.Background(), collect.TaskMessage{TaskID: 1})
	require.ErrorIs(t, err, ErrClosed)

	// Closing twice should be safe.
	q.Close()
}
