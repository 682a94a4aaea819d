package daemon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupeCache_MarkAndCheck(t *testing.T) {
	c := newDedupeCache(time.Minute)

	assert.False(t, c.IsDuplicate("a"))
	c.Mark("a")
	assert.True(t, c.IsDuplicate("a"))
	assert.False(t, c.IsDuplicate("b"))
}

func TestDedupeCache_Expiry(t *testing.T) {
	c := newDedupeCache(10 * time.Millisecond)

	c.Mark("a")
	assert.True(t, c.IsDuplicate("a"))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, c.IsDuplicate("a"), "expired entries are not duplicates")
}

func TestDedupeCache_StartStop(t *testing.T) {
	c := newDedupeCache(10 * time.Millisecond)
	c.Start()
	c.Mark("a")
	time.Sleep(30 * time.Millisecond)
	c.Stop()

	// Stop is idempotent.
	c.Stop()
}
