// ABOUTME: Tests for the completed-command dedupe cache
// ABOUTME: Covers TTL expiry, size-based eviction, and re-marking

package dedupe

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_MarkThenSeen(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	assert.False(t, c.Seen("corr-1"))
	c.Mark("corr-1")
	assert.True(t, c.Seen("corr-1"))
	assert.False(t, c.Seen("corr-2"))
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New(20*time.Millisecond, 100)
	defer c.Close()

	c.Mark("corr-1")
	assert.True(t, c.Seen("corr-1"))

	time.Sleep(40 * time.Millisecond)
	assert.False(t, c.Seen("corr-1"))
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	for i := 0; i < 4; i++ {
		c.Mark(fmt.Sprintf("corr-%d", i))
	}

	assert.False(t, c.Seen("corr-0"), "oldest id should be evicted")
	assert.True(t, c.Seen("corr-1"))
	assert.True(t, c.Seen("corr-3"))
}

func TestCache_RemarkRefreshesAge(t *testing.T) {
	c := New(time.Minute, 2)
	defer c.Close()

	c.Mark("corr-a")
	c.Mark("corr-b")
	c.Mark("corr-a") // refresh: corr-b is now the oldest
	c.Mark("corr-c")

	assert.True(t, c.Seen("corr-a"))
	assert.False(t, c.Seen("corr-b"))
	assert.True(t, c.Seen("corr-c"))
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}
