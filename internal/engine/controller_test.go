package engine

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiwa/timecard-mini/gptpsync/internal/secure"
	"github.com/shiwa/timecard-mini/gptpsync/internal/timebase"
	"github.com/shiwa/timecard-mini/gptpsync/internal/tstamp"
	"github.com/shiwa/timecard-mini/gptpsync/internal/wire"
)

func TestMasterSyncFollowUp(t *testing.T) {
	cfg := masterLink()
	cfg.TLV = TLVConfig{Time: true, Status: true}
	cfg.Secure = secure.Config{TxSecured: true, TxFields: secure.FieldCorrection | secure.FieldSequenceID | secure.FieldPreciseOriginTimestamp}
	h := newHarness(t, cfg)

	global := ts(1_700_000_000, 100)
	require.NoError(t, h.tb.Store.SetGlobalTime(timebase.Update{Global: global, Local: h.tr.now, Status: timebase.StatusSyncToGateway}))

	h.ticks(1)
	sync := h.tr.last(t, wire.MsgSync)
	assert.True(t, sync.buf != nil)
	sh := sync.header(t)
	assert.Equal(t, uint16(0), sh.SequenceID)
	assert.Equal(t, wire.FlagTwoStep|wire.FlagPTPTimescale, sh.Flags)
	assert.Equal(t, wire.DefaultDestination, sync.dst)
	assert.Len(t, sync.data, wire.MsgSync.FrameSize())
	assert.Empty(t, h.tr.frames(wire.MsgFollowUp))

	st, err := h.e.Status(0)
	require.NoError(t, err)
	assert.Equal(t, StateWaitEgressTimestamp, st.State)

	egress := tstamp.Add(h.tr.now, tstamp.FromNanoseconds(500))
	h.tr.stampEgress(sync.buf, egress)
	h.e.OnTransmitConfirmed(0, sync.buf)

	fup := h.tr.last(t, wire.MsgFollowUp)
	fh := fup.header(t)
	assert.Equal(t, sh.SequenceID, fh.SequenceID)
	assert.Equal(t, int64(0), fh.Correction)
	f, err := wire.ParseFollowUp(fh.Payload(fup.data))
	require.NoError(t, err)
	assert.Equal(t, ts(1_700_000_000, 600), f.PreciseOriginTimestamp)
	require.NotNil(t, f.Extension)
	require.NotNil(t, f.Extension.Status)
	assert.Equal(t, uint8(wireSyncToGateway), f.Extension.Status.Status)

	rx := secure.Config{RxTime: secure.Validated, RxStatus: secure.Validated}
	rx.TxFields = cfg.Secure.TxFields
	_, err = secure.Verify(&rx, &secure.Frame{Header: fh, POT: f.PreciseOriginTimestamp}, f.Extension)
	assert.NoError(t, err)

	st, _ = h.e.Status(0)
	assert.Equal(t, StateIdle, st.State)
	require.Len(t, h.rec.syncs, 1)
	assert.True(t, h.rec.syncs[0].Master)
	assert.Equal(t, egress, h.rec.syncs[0].Local)
}

func TestMasterInvalidEgressTimestamp(t *testing.T) {
	h := newHarness(t, masterLink())
	h.ticks(1)
	sync := h.tr.last(t, wire.MsgSync)

	h.e.OnTransmitConfirmed(0, sync.buf)
	assert.Empty(t, h.tr.frames(wire.MsgFollowUp))
	st, _ := h.e.Status(0)
	assert.Equal(t, StateIdle, st.State)

	h.ticks(10)
	assert.Len(t, h.tr.frames(wire.MsgSync), 2)
}

func TestMasterEgressTimeout(t *testing.T) {
	h := newHarness(t, masterLink())
	h.ticks(1)
	h.ticks(5)
	st, _ := h.e.Status(0)
	assert.Equal(t, StateIdle, st.State)

	// позднее подтверждение не порождает Follow_Up
	sync := h.tr.last(t, wire.MsgSync)
	h.tr.stampEgress(sync.buf, h.tr.now)
	h.e.OnTransmitConfirmed(0, sync.buf)
	assert.Empty(t, h.tr.frames(wire.MsgFollowUp))
}

func TestMasterBusyBufferSkipsCycle(t *testing.T) {
	h := newHarness(t, LinkConfig{Name: "eth0", Role: RoleMaster, Addr: masterMAC, SyncInterval: 5 * time.Millisecond})
	h.tr.busy = true
	h.ticks(1)
	assert.Empty(t, h.tr.frames(wire.MsgSync))

	h.tr.busy = false
	h.ticks(4)
	assert.Empty(t, h.tr.frames(wire.MsgSync))
	h.ticks(1)
	assert.Len(t, h.tr.frames(wire.MsgSync), 1)
}

func TestMasterDebounceDefersFollowUp(t *testing.T) {
	cfg := masterLink()
	cfg.DebounceTime = 3 * time.Millisecond
	h := newHarness(t, cfg)

	h.ticks(1)
	sync := h.tr.last(t, wire.MsgSync)
	h.tr.stampEgress(sync.buf, h.tr.now)
	h.e.OnTransmitConfirmed(0, sync.buf)
	assert.Empty(t, h.tr.frames(wire.MsgFollowUp))

	h.ticks(2)
	assert.Empty(t, h.tr.frames(wire.MsgFollowUp))
	h.ticks(1)
	assert.Len(t, h.tr.frames(wire.MsgFollowUp), 1)
}

func TestMasterImmediateTimeSync(t *testing.T) {
	cfg := masterLink()
	cfg.SyncInterval = 100 * time.Millisecond
	cfg.FollowUpTimeout = time.Millisecond
	cfg.ImmediateTimeSync = true
	cfg.CyclicResumeTime = 20 * time.Millisecond
	h := newHarness(t, cfg)

	h.ticks(10)
	require.Len(t, h.tr.frames(wire.MsgSync), 1)

	require.NoError(t, h.tb.SetGlobalTime(timebase.Update{Global: ts(5, 0), Local: h.tr.now}))
	h.ticks(1)
	assert.Len(t, h.tr.frames(wire.MsgSync), 2)

	// циклическая передача возобновляется через cyclic resume, а не через интервал
	h.ticks(19)
	assert.Len(t, h.tr.frames(wire.MsgSync), 2)
	h.ticks(1)
	assert.Len(t, h.tr.frames(wire.MsgSync), 3)
}

func TestTriggerTransmission(t *testing.T) {
	cfg := masterLink()
	cfg.SyncInterval = time.Second
	cfg.FollowUpTimeout = time.Millisecond
	h := newHarness(t, cfg)
	h.ticks(3)
	require.Len(t, h.tr.frames(wire.MsgSync), 1)

	require.NoError(t, h.e.TriggerTransmission(0))
	h.ticks(1)
	assert.Len(t, h.tr.frames(wire.MsgSync), 2)

	assert.ErrorIs(t, h.e.TriggerTransmission(9), ErrUnknownLink)
}

func TestSetTransmissionMode(t *testing.T) {
	h := newHarness(t, masterLink())
	require.NoError(t, h.e.SetTransmissionMode(0, false))
	h.ticks(30)
	assert.Empty(t, h.tr.frames(wire.MsgSync))

	require.NoError(t, h.e.SetTransmissionMode(0, true))
	h.ticks(1)
	assert.Len(t, h.tr.frames(wire.MsgSync), 1)
}

func TestMasterAnnounce(t *testing.T) {
	cfg := masterLink()
	cfg.Announce = AnnounceConfig{Enabled: true, Interval: 5 * time.Millisecond, Priority1: 246, Priority2: 248, Class: 248, UTCOffset: 37}
	h := newHarness(t, cfg)
	h.ticks(6)

	ann := h.tr.frames(wire.MsgAnnounce)
	require.Len(t, ann, 2)
	ah := ann[1].header(t)
	assert.Equal(t, uint16(1), ah.SequenceID)
	a, err := wire.ParseAnnounce(ah.Payload(ann[1].data))
	require.NoError(t, err)

	id, err := h.e.Identity(0)
	require.NoError(t, err)
	want := wire.Announce{
		CurrentUTCOffset:    37,
		Priority1:           246,
		Priority2:           248,
		Quality:             wire.ClockQuality{Class: 248},
		GrandmasterIdentity: id.ClockIdentity,
		PathTrace:           id.ClockIdentity,
	}
	if diff := cmp.Diff(want, a); diff != "" {
		t.Errorf("Announce mismatch (-want +got):\n%s", diff)
	}
}

func TestLinkDownResetsController(t *testing.T) {
	h := newHarness(t, masterLink())
	h.ticks(1)
	sync := h.tr.last(t, wire.MsgSync)

	h.e.OnLinkStateChanged(0, false)
	h.tr.stampEgress(sync.buf, h.tr.now)
	h.e.OnTransmitConfirmed(0, sync.buf)
	h.ticks(20)
	assert.Empty(t, h.tr.frames(wire.MsgFollowUp))
	assert.Len(t, h.tr.frames(wire.MsgSync), 1)

	st, _ := h.e.Status(0)
	assert.False(t, st.Up)
	assert.Equal(t, StateIdle, st.State)
}
