package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiwa/timecard-mini/gptpsync/internal/timebase"
	"github.com/shiwa/timecard-mini/gptpsync/internal/wire"
)

func TestNewValidation(t *testing.T) {
	tb := map[uint8]TimeBase{0: timebase.NewStore(0, nil)}
	tests := []struct {
		name string
		cfg  Config
		deps Deps
	}{
		{"no tick period", Config{Links: []LinkConfig{masterLink()}}, Deps{Transport: newFakeTransport(), TimeBases: tb}},
		{"no links", Config{TickPeriod: time.Millisecond}, Deps{Transport: newFakeTransport(), TimeBases: tb}},
		{"duplicate name", Config{TickPeriod: time.Millisecond, Links: []LinkConfig{masterLink(), masterLink()}},
			Deps{Transport: newFakeTransport(), TimeBases: tb}},
		{"bad address", Config{TickPeriod: time.Millisecond, Links: []LinkConfig{func() LinkConfig {
			c := masterLink()
			c.Addr = c.Addr[:4]
			return c
		}()}}, Deps{Transport: newFakeTransport(), TimeBases: tb}},
		{"master without interval", Config{TickPeriod: time.Millisecond, Links: []LinkConfig{func() LinkConfig {
			c := masterLink()
			c.SyncInterval = 0
			return c
		}()}}, Deps{Transport: newFakeTransport(), TimeBases: tb}},
		{"pdelay without interval", Config{TickPeriod: time.Millisecond, Links: []LinkConfig{func() LinkConfig {
			c := slaveLink()
			c.Pdelay.Initiator = true
			return c
		}()}}, Deps{Transport: newFakeTransport(), TimeBases: tb}},
		{"no transport", Config{TickPeriod: time.Millisecond, Links: []LinkConfig{masterLink()}}, Deps{TimeBases: tb}},
		{"no time base", Config{TickPeriod: time.Millisecond, Links: []LinkConfig{func() LinkConfig {
			c := masterLink()
			c.Domain = 3
			return c
		}()}}, Deps{Transport: newFakeTransport(), TimeBases: tb}},
		{"no authenticator", Config{TickPeriod: time.Millisecond, Links: []LinkConfig{func() LinkConfig {
			c := masterLink()
			c.Authenticate = true
			return c
		}()}}, Deps{Transport: newFakeTransport(), TimeBases: tb}},
		{"bridge with one port", Config{TickPeriod: time.Millisecond, Links: []LinkConfig{func() LinkConfig {
			c := grandmasterBridge()
			c.Bridge.Ports = c.Bridge.Ports[:1]
			return c
		}()}}, Deps{Transport: newFakeTransport(), TimeBases: tb}},
		{"grandmaster bridge with slave port", Config{TickPeriod: time.Millisecond, Links: []LinkConfig{func() LinkConfig {
			c := grandmasterBridge()
			c.Bridge.SlavePort = 1
			return c
		}()}}, Deps{Transport: newFakeTransport(), TimeBases: tb}},
		{"slave bridge on host port", Config{TickPeriod: time.Millisecond, Links: []LinkConfig{func() LinkConfig {
			c := slaveBridge(false)
			c.Bridge.SlavePort = 0
			return c
		}()}}, Deps{Transport: newFakeTransport(), TimeBases: tb}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, tt.deps)
			assert.ErrorIs(t, err, errConfig)
		})
	}
}

func TestLinkLookup(t *testing.T) {
	h := newHarness(t, masterLink(), slaveLink())
	assert.Equal(t, 2, h.e.Links())

	id, ok := h.e.LinkByName("eth1")
	require.True(t, ok)
	assert.Equal(t, LinkID(1), id)
	_, ok = h.e.LinkByName("eth9")
	assert.False(t, ok)

	st, err := h.e.Status(id)
	require.NoError(t, err)
	assert.Equal(t, RoleSlave, st.Role)
	assert.True(t, st.Up)

	ident, err := h.e.Identity(id)
	require.NoError(t, err)
	assert.Equal(t, wire.NewPortIdentity(slaveMAC, 1), ident)

	_, err = h.e.Status(LinkID(5))
	assert.ErrorIs(t, err, ErrUnknownLink)
	_, err = h.e.Identity(NoPort)
	assert.ErrorIs(t, err, ErrUnknownLink)
	assert.ErrorIs(t, h.e.SetTransmissionMode(7, true), ErrUnknownLink)
}

func TestTriggerTransmissionOnSlave(t *testing.T) {
	h := newHarness(t, slaveLink())
	assert.Error(t, h.e.TriggerTransmission(0))
}

func TestUnknownLinkEventsIgnored(t *testing.T) {
	h := newHarness(t, slaveLink())
	assert.NotPanics(t, func() {
		h.e.OnFrameReceived(3, NoPort, peerMAC, encodeSync(1, upstream), stamped(ts(1, 0)))
		h.e.OnTransmitConfirmed(3, &TxBuffer{})
		h.e.OnTransmitConfirmed(0, nil)
		h.e.OnLinkStateChanged(3, true)
		h.e.OnSwitchTimestampIndicated(0, 1, 1, Ingress, ts(1, 0))
	})
}

func TestTickCounter(t *testing.T) {
	h := newHarness(t, slaveLink())
	assert.Zero(t, h.e.Now())
	h.ticks(3)
	assert.Equal(t, uint64(3), h.e.Now())
}

func TestDownLinkIgnoresFrames(t *testing.T) {
	h := newHarness(t, slaveLink())
	h.e.OnLinkStateChanged(0, false)
	h.e.OnFrameReceived(0, NoPort, peerMAC, encodeSync(1, upstream), stamped(ts(1000, 0)))
	h.e.OnLinkStateChanged(0, true)
	h.e.OnFrameReceived(0, NoPort, peerMAC, encodeFollowUp(1, upstream, 0, ts(5, 0), nil, nil), RxInfo{})
	assert.Zero(t, h.tb.count())
}

func TestTransmitFailureKeepsControllerIdle(t *testing.T) {
	h := newHarness(t, masterLink())
	h.tr.failTransmit = true
	h.ticks(1)
	st, _ := h.e.Status(0)
	assert.Equal(t, StateIdle, st.State)
}

func linkFrames(h *harness, id LinkID, mt wire.MessageType) []sentFrame {
	var out []sentFrame
	for _, f := range h.tr.frames(mt) {
		if f.link == id {
			out = append(out, f)
		}
	}
	return out
}

func TestTickSkipsDebouncedLinkUntilWake(t *testing.T) {
	plain := masterLink()
	slow := masterLink()
	slow.Name = "eth2"
	slow.DebounceTime = 3 * time.Millisecond
	h := newHarness(t, plain, slow)

	h.ticks(1)
	for id := LinkID(0); id < 2; id++ {
		syncs := linkFrames(h, id, wire.MsgSync)
		require.Len(t, syncs, 1, "link %d", id)
		h.tr.stampEgress(syncs[0].buf, h.tr.now)
		h.e.OnTransmitConfirmed(id, syncs[0].buf)
	}
	assert.Len(t, linkFrames(h, 0, wire.MsgFollowUp), 1)
	assert.Empty(t, linkFrames(h, 1, wire.MsgFollowUp))

	l := h.e.links[1]
	require.True(t, l.deferred.Load())
	assert.Equal(t, uint64(4), l.debounceUntil.Load())
	assert.Equal(t, uint64(4), h.e.nextWake.Load())
	scans := l.scans

	h.ticks(2)
	assert.Equal(t, scans, l.scans, "канал в debounce не обрабатывается до пробуждения")
	assert.Empty(t, linkFrames(h, 1, wire.MsgFollowUp))

	h.ticks(1)
	assert.Equal(t, uint64(4), h.e.Now())
	assert.Equal(t, scans+1, l.scans)
	assert.Len(t, linkFrames(h, 1, wire.MsgFollowUp), 1)
	assert.False(t, l.deferred.Load())
	// Follow_Up снова открывает окно debounce
	assert.Equal(t, uint64(7), h.e.nextWake.Load())
}
