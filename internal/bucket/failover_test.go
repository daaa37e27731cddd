package bucket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corouter-dev/corouter/internal/config"
)

func buckets(names ...string) []config.Bucket {
	out := make([]config.Bucket, len(names))
	for i, n := range names {
		out[i] = config.Bucket{Name: n}
	}

	return out
}

func TestTryFailoverAdvancesThroughBuckets(t *testing.T) {
	c := New(buckets("a", "b", "c"), time.Hour)

	cur, ok := c.GetCurrent()
	require.True(t, ok)
	assert.Equal(t, "a", cur.Name)

	require.True(t, c.TryFailover())
	cur, _ = c.GetCurrent()
	assert.Equal(t, "b", cur.Name)

	require.True(t, c.TryFailover())
	cur, _ = c.GetCurrent()
	assert.Equal(t, "c", cur.Name)

	assert.False(t, c.TryFailover())
	assert.True(t, c.Exhausted())
}

func TestTryFailoverIsIdempotentOnceExhausted(t *testing.T) {
	c := New(buckets("a"), time.Hour)

	assert.False(t, c.TryFailover())
	assert.False(t, c.TryFailover())
}

func TestResetReenablesAfterCooldown(t *testing.T) {
	c := New(buckets("a", "b"), 10*time.Millisecond)

	c.TryFailover() // exhausts "a", moves to "b"
	c.TryFailover() // exhausts "b", none left

	require.True(t, c.Exhausted())

	time.Sleep(20 * time.Millisecond)
	c.Reset()

	assert.False(t, c.Exhausted())

	cur, ok := c.GetCurrent()
	require.True(t, ok)
	assert.Equal(t, "a", cur.Name)
}

func TestResetNoOpBeforeCooldownElapses(t *testing.T) {
	c := New(buckets("a"), time.Hour)
	c.TryFailover()

	require.True(t, c.Exhausted())
	c.Reset()
	assert.True(t, c.Exhausted())
}

func TestGetBucketsIsImmutableSnapshot(t *testing.T) {
	c := New(buckets("a", "b"), time.Hour)
	snap := c.GetBuckets()
	snap[0].Name = "mutated"

	fresh := c.GetBuckets()
	assert.Equal(t, "a", fresh[0].Name)
}
