package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthorityLog_WitnessDeduplicates(t *testing.T) {
	t.Parallel()

	log := newAuthorityLog(8)

	assert.True(t, log.Witness("evt-1"))
	assert.True(t, log.Witness("evt-2"))
	assert.False(t, log.Witness("evt-1"), "replayed identity must be rejected")
	assert.Equal(t, 2, log.Len())
}

func TestAuthorityLog_EvictsOldestWhenFull(t *testing.T) {
	t.Parallel()

	log := newAuthorityLog(2)

	assert.True(t, log.Witness("a"))
	assert.True(t, log.Witness("b"))
	assert.True(t, log.Witness("c"), "new identity accepted after eviction")

	// "a" was evicted to make room, so its replay is no longer detected.
	// "b" and "c" are still remembered.
	assert.True(t, log.Witness("a"))
	assert.False(t, log.Witness("c"))
	assert.Equal(t, 2, log.Len())
}

func TestAuthorityLog_MinimumCapacity(t *testing.T) {
	t.Parallel()

	log := newAuthorityLog(0)

	assert.True(t, log.Witness("x"))
	assert.False(t, log.Witness("x"))
	assert.True(t, log.Witness("y"))
}
