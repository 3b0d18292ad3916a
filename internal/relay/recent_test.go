package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecentSetWindow(t *testing.T) {
	now := time.Unix(1700000000, 0)
	set := NewRecentSet(time.Minute, 0)
	set.now = func() time.Time { return now }

	assert.True(t, set.Admit("C1|1.1"))
	assert.False(t, set.Admit("C1|1.1"))
	assert.True(t, set.Admit("C1|1.2"))

	now = now.Add(time.Minute)
	assert.True(t, set.Admit("C1|1.1"), "expired keys are admitted again")
	assert.Equal(t, 1, set.Len(), "expired keys are pruned")
}

func TestRecentSetForget(t *testing.T) {
	set := NewRecentSet(time.Minute, 0)
	assert.True(t, set.Admit("k"))
	set.Forget("k")
	assert.True(t, set.Admit("k"))
}

func TestRecentSetEvictsOldestAtCapacity(t *testing.T) {
	now := time.Unix(1700000000, 0)
	set := NewRecentSet(time.Hour, 2)
	set.now = func() time.Time { return now }

	set.Admit("a")
	now = now.Add(time.Second)
	set.Admit("b")
	now = now.Add(time.Second)
	set.Admit("c")

	assert.Equal(t, 2, set.Len())
	assert.True(t, set.Admit("a"), "oldest key was evicted")
	assert.False(t, set.Admit("c"))
}

func TestNilRecentSetAdmitsEverything(t *testing.T) {
	set := NewRecentSet(0, 10)
	assert.Nil(t, set)
	assert.True(t, set.Admit("k"))
	assert.True(t, set.Admit("k"))
	set.Forget("k")
	assert.Equal(t, 0, set.Len())
}
