package memnet

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiwa/timecard-mini/gptpsync/internal/auth"
	"github.com/shiwa/timecard-mini/gptpsync/internal/diag"
	"github.com/shiwa/timecard-mini/gptpsync/internal/engine"
	"github.com/shiwa/timecard-mini/gptpsync/internal/secure"
	"github.com/shiwa/timecard-mini/gptpsync/internal/timebase"
	"github.com/shiwa/timecard-mini/gptpsync/internal/tstamp"
	"github.com/shiwa/timecard-mini/gptpsync/internal/wire"
)

var (
	gmMAC    = net.HardwareAddr{0x00, 0x1b, 0x21, 0xaa, 0x00, 0x01}
	slaveMAC = net.HardwareAddr{0x00, 0x1b, 0x21, 0xbb, 0x00, 0x02}
	dataIDs  = secure.DataIDList{0x10, 0x21, 0x32, 0x43, 0x54, 0x65, 0x76, 0x87, 0x98, 0xa9, 0xba, 0xcb, 0xdc, 0xed, 0xfe, 0x0f}
	authKey  = bytes.Repeat([]byte{0x42}, 32)
)

const (
	wireDelay = 500 * time.Nanosecond
	tick      = time.Millisecond
)

type station struct {
	node  *Node
	e     *engine.Engine
	tb    *timebase.Store
	diag  *diag.Counters
	links []engine.LinkConfig
}

func newStation(t *testing.T, n *Network, name string, addr net.HardwareAddr, offset time.Duration, links ...engine.LinkConfig) *station {
	t.Helper()
	node := n.NewNode(name, addr, offset)
	tb := timebase.NewStore(0, node.Clock())
	counters := diag.NewCounters()
	a, err := auth.New(authKey)
	require.NoError(t, err)
	e, err := engine.New(engine.Config{TickPeriod: tick, Links: links}, engine.Deps{
		Transport:   node,
		TimeBases:   map[uint8]engine.TimeBase{0: tb},
		Diagnostics: counters,
		Auth:        a,
	})
	require.NoError(t, err)
	node.Bind(e)
	return &station{node: node, e: e, tb: tb, diag: counters, links: links}
}

func grandmaster() engine.LinkConfig {
	return engine.LinkConfig{
		Name:            "gm0",
		Role:            engine.RoleMaster,
		Addr:            gmMAC,
		SyncInterval:    125 * time.Millisecond,
		SyncLogInterval: -3,
		FollowUpTimeout: 10 * time.Millisecond,
		Pdelay:          engine.PdelayConfig{Responder: true},
		Announce:        engine.AnnounceConfig{Enabled: true, Interval: time.Second, Priority1: 246, Priority2: 248, Class: 248},
		TLV:             engine.TLVConfig{Time: true, Status: true},
		Secure: secure.Config{
			TxSecured: true,
			TxFields: secure.FieldMessageLength | secure.FieldDomain | secure.FieldCorrection |
				secure.FieldSourcePortIdentity | secure.FieldSequenceID | secure.FieldPreciseOriginTimestamp,
			DataIDs: dataIDs,
		},
	}
}

func timeSlave() engine.LinkConfig {
	return engine.LinkConfig{
		Name:              "eth0",
		Role:              engine.RoleSlave,
		Addr:              slaveMAC,
		FollowUpTimeout:   100 * time.Millisecond,
		SyncPairTimeout:   time.Second,
		SyncFailThreshold: 1,
		JumpWidth:         3,
		TimeValidation:    true,
		Authenticate:      true,
		Pdelay: engine.PdelayConfig{
			Initiator:   true,
			Interval:    250 * time.Millisecond,
			RespTimeout: 50 * time.Millisecond,
			Default:     uint32(wireDelay),
			FilterShift: 2,
		},
		Secure: secure.Config{
			DataIDs:    dataIDs,
			RxTime:     secure.Validated,
			RxStatus:   secure.Validated,
			RxUserData: secure.Validated,
			RxOffset:   secure.Validated,
		},
	}
}

func pair(t *testing.T) (*Network, *station, *station) {
	t.Helper()
	n := New(tstamp.Timestamp{Seconds: 1_700_000_000}, wireDelay)
	gm := newStation(t, n, "gm", gmMAC, 0, grandmaster())
	sl := newStation(t, n, "slave", slaveMAC, -250*time.Millisecond, timeSlave())
	Connect(gm.node, 0, sl.node, 0)
	return n, gm, sl
}

func TestMasterSlaveSync(t *testing.T) {
	n, gm, sl := pair(t)
	n.Advance(2*time.Second, tick)

	st, err := sl.e.Status(0)
	require.NoError(t, err)
	assert.True(t, st.Synced)
	assert.Zero(t, st.SyncFailures)
	assert.True(t, st.PathDelayValid)
	assert.Equal(t, uint32(wireDelay), st.PathDelay)
	assert.Zero(t, st.PdelayAborts)

	gmID, err := gm.e.Identity(0)
	require.NoError(t, err)
	assert.True(t, st.AnnounceSeen)
	assert.Equal(t, gmID.ClockIdentity, st.Grandmaster)

	gs, err := gm.tb.Snapshot()
	require.NoError(t, err)
	ss, err := sl.tb.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, gs.Global, ss.Global, "слейв идёт по времени гроссмейстера")
	assert.NotEqual(t, ss.Local, ss.Global)
	assert.NotZero(t, ss.Status&timebase.StatusGlobalTimeBase)
	assert.Zero(t, ss.Rate)

	assert.False(t, sl.diag.Failed("eth0", diag.SyncFailed))
	assert.False(t, sl.diag.Failed("eth0", diag.PdelayFailed))
	sent, dropped := gm.node.Stats()
	assert.Greater(t, sent, 30)
	assert.Zero(t, dropped)
}

func TestFollowUpLossReported(t *testing.T) {
	n, gm, sl := pair(t)
	n.Drop = func(from *Node, _ engine.LinkID, frame []byte) bool {
		return from == gm.node && wire.MessageType(frame[0]&0x0F) == wire.MsgFollowUp
	}
	n.Advance(500*time.Millisecond, tick)
	assert.True(t, sl.diag.Failed("eth0", diag.SyncFailed))
	st, _ := sl.e.Status(0)
	assert.False(t, st.Synced)

	n.Drop = nil
	n.Advance(500*time.Millisecond, tick)
	assert.False(t, sl.diag.Failed("eth0", diag.SyncFailed))
	assert.Equal(t, 1, sl.diag.Passes("eth0", diag.SyncFailed))
}

func TestLinkDown(t *testing.T) {
	n, gm, sl := pair(t)
	n.Advance(200*time.Millisecond, tick)
	require.NoError(t, gm.node.SetLinkUp(0, false))

	st, _ := sl.e.Status(0)
	assert.False(t, st.Up)
	before, _ := gm.node.Stats()
	n.Advance(time.Second, tick)
	after, _ := gm.node.Stats()
	assert.Equal(t, before, after)

	require.NoError(t, sl.node.SetLinkUp(0, true))
	n.Advance(300*time.Millisecond, tick)
	st, _ = sl.e.Status(0)
	assert.True(t, st.Up)
	assert.True(t, st.Synced)

	assert.ErrorIs(t, gm.node.SetLinkUp(5, true), ErrNotConnected)
}

func TestTransmitUnconnected(t *testing.T) {
	n := New(tstamp.Timestamp{Seconds: 10}, wireDelay)
	node := n.NewNode("lonely", gmMAC, 0)
	buf, err := node.ProvideTxBuffer(0, 44)
	require.NoError(t, err)
	assert.ErrorIs(t, node.Transmit(0, buf, wire.DefaultDestination, 44), ErrNotConnected)
}

func TestNodeClockOffset(t *testing.T) {
	n := New(tstamp.Timestamp{Seconds: 10}, wireDelay)
	a := n.NewNode("a", gmMAC, time.Second)
	b := n.NewNode("b", slaveMAC, -500*time.Millisecond)
	n.Advance(3*time.Millisecond, tick)

	ta, err := a.Clock().LocalTime()
	require.NoError(t, err)
	tb, err := b.Clock().LocalTime()
	require.NoError(t, err)
	assert.Equal(t, tstamp.Timestamp{Seconds: 11, Nanoseconds: 3_000_000}, ta)
	assert.Equal(t, tstamp.Timestamp{Seconds: 9, Nanoseconds: 503_000_000}, tb)
}
