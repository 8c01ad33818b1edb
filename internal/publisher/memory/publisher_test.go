package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsByTopic(t *testing.T) {
	t.Parallel()

	p := NewPublisher()
	ctx := context.Background()

	id1, err := p.Publish(ctx, "runs", map[string]any{"run_id": 1})
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	id2, err := p.Publish(ctx, "runs", map[string]any{"run_id": 2})
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	_, err = p.Publish(ctx, "other", "x")
	require.NoError(t, err)

	require.Len(t, p.Messages("runs"), 2)
	require.Len(t, p.Messages("other"), 1)
	require.Empty(t, p.Messages("missing"))
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	p := NewPublisher()
	boom := errors.New("boom")
	p.FailWith(boom)

	_, err := p.Publish(context.Background(), "runs", "x")
	require.ErrorIs(t, err, boom)

	p.FailWith(nil)
	_, err = p.Publish(context.Background(), "runs", "x")
	require.NoError(t, err)
}
