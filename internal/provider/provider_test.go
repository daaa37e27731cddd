package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstChunkTimeoutReturnsEventBeforeDeadline(t *testing.T) {
	ch := make(chan StreamEvent, 1)
	ch <- StreamEvent{Done: true}

	ev, timedOut, err := FirstChunkTimeout(context.Background(), ch, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, timedOut)
	assert.True(t, ev.Done)
}

func TestFirstChunkTimeoutFiresWhenNothingArrives(t *testing.T) {
	ch := make(chan StreamEvent)

	_, timedOut, err := FirstChunkTimeout(context.Background(), ch, 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, timedOut)
}

func TestFirstChunkTimeoutHonorsCancellation(t *testing.T) {
	ch := make(chan StreamEvent)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := FirstChunkTimeout(ctx, ch, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFirstChunkTimeoutDisabledWaitsIndefinitelyUntilEvent(t *testing.T) {
	ch := make(chan StreamEvent, 1)
	ch <- StreamEvent{Done: true}

	ev, timedOut, err := FirstChunkTimeout(context.Background(), ch, 0)
	require.NoError(t, err)
	assert.False(t, timedOut)
	assert.True(t, ev.Done)
}

func TestEphemeralsIntOr(t *testing.T) {
	e := Ephemerals{}
	assert.Equal(t, 6, e.IntOr(e.Retries, 6))

	n := 3
	e.Retries = &n
	assert.Equal(t, 3, e.IntOr(e.Retries, 6))
}
