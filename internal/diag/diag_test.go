package diag

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventString(t *testing.T) {
	assert.Equal(t, "sync_failed", SyncFailed.String())
	assert.Equal(t, "pdelay_failed", PdelayFailed.String())
	assert.Equal(t, "unexpected_sync", UnexpectedSync.String())
	assert.Equal(t, "Event(9)", Event(9).String())
}

func TestMultiCounters(t *testing.T) {
	a, b := NewCounters(), NewCounters()
	m := Multi{a, nil, Nop{}, b}

	m.Report("eth0", SyncFailed, true)
	m.Report("eth0", SyncFailed, true)
	m.Report("eth0", SyncFailed, false)
	m.Report("eth1", PdelayFailed, true)

	for _, c := range []*Counters{a, b} {
		assert.False(t, c.Failed("eth0", SyncFailed))
		assert.Equal(t, 2, c.Failures("eth0", SyncFailed))
		assert.Equal(t, 1, c.Passes("eth0", SyncFailed))
		assert.True(t, c.Failed("eth1", PdelayFailed))
		assert.Zero(t, c.Failures("eth0", PdelayFailed))
	}
}
