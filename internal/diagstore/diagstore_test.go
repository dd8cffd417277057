package diagstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiwa/timecard-mini/gptpsync/internal/diag"
	"github.com/shiwa/timecard-mini/gptpsync/internal/engine"
	"github.com/shiwa/timecard-mini/gptpsync/internal/timebase"
	"github.com/shiwa/timecard-mini/gptpsync/internal/tstamp"
)

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEvents(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "diag.db"))
	_, err := uuid.Parse(s.RunID())
	require.NoError(t, err)

	at := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return at }

	var sink diag.Sink = s
	sink.Report("eth0", diag.SyncFailed, true)
	sink.Report("eth1", diag.PdelayFailed, true)
	sink.Report("eth0", diag.SyncFailed, false)

	events, err := s.Events("eth0")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, Event{At: at, Link: "eth0", Event: "sync_failed", Failed: true}, events[0])
	assert.False(t, events[1].Failed)
}

func TestRunsAreSeparate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diag.db")
	first := openStore(t, path)
	first.Report("eth0", diag.SyncFailed, true)
	require.NoError(t, first.Close())

	second := openStore(t, path)
	assert.NotEqual(t, first.RunID(), second.RunID())
	events, err := second.Events("eth0")
	require.NoError(t, err)
	assert.Empty(t, events)

	var runs int
	require.NoError(t, second.QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&runs))
	assert.Equal(t, 2, runs)
}

func TestRecords(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "diag.db"))
	var rec timebase.Recorder = s

	rec.RecordSync(timebase.SyncRecord{
		Link:        "eth0",
		SequenceID:  7,
		POT:         tstamp.Timestamp{Seconds: 10},
		Local:       tstamp.Timestamp{Seconds: 9, Nanoseconds: 5},
		PathDelay:   500,
		GlobalAfter: tstamp.Timestamp{Seconds: 10, Nanoseconds: 600},
	})
	for i, d := range []uint32{40, 60, 50} {
		rec.RecordPdelay(timebase.PdelayRecord{Link: "eth0", Port: engine.NoPort, SequenceID: uint16(i), Delay: d, Filtered: d - 1})
	}
	rec.RecordPdelay(timebase.PdelayRecord{Link: "eth0", Port: engine.NoPort, Responder: true, Delay: 1000})

	n, err := s.SyncCount("eth0")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var pot, local int64
	require.NoError(t, s.QueryRow(`SELECT pot_ns, local_ns FROM sync_records WHERE sequence_id = 7`).Scan(&pot, &local))
	assert.Equal(t, int64(10_000_000_000), pot)
	assert.Equal(t, int64(9_000_000_005), local)

	st, err := s.PdelayStats("eth0", engine.NoPort)
	require.NoError(t, err)
	assert.Equal(t, PdelayStats{Count: 3, Min: 40, Max: 60, Mean: 50, LastFiltered: 49}, st)

	st, err = s.PdelayStats("eth0", 3)
	require.NoError(t, err)
	assert.Zero(t, st.Count)
}
