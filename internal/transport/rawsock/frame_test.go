package rawsock

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiwa/timecard-mini/gptpsync/internal/wire"
)

var src = net.HardwareAddr{0x00, 0x1b, 0x21, 0x01, 0x02, 0x03}

func message(typ wire.MessageType, seq uint16) []byte {
	h := wire.NewHeader(typ, 0, seq, -3, src)
	b := make([]byte, typ.FrameSize())
	h.Put(b)
	return b
}

func TestEncodeDecode(t *testing.T) {
	msg := message(wire.MsgAnnounce, 7)
	frame, err := Encode(wire.DefaultDestination, src, 0, msg)
	require.NoError(t, err)
	assert.Len(t, frame, 14+len(msg))
	assert.Equal(t, []byte{0x88, 0xF7}, frame[12:14])

	f, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, src, f.Src)
	assert.Equal(t, wire.DefaultDestination, f.Dst)
	assert.Zero(t, f.VLAN)
	if diff := cmp.Diff(msg, f.Payload); diff != "" {
		t.Errorf("payload (-want +got):\n%s", diff)
	}
}

func TestEncodePriorityTag(t *testing.T) {
	msg := message(wire.MsgSync, 1)
	frame, err := Encode(wire.DefaultDestination, src, 5, msg)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x81, 0x00}, frame[12:14])

	f, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, uint8(5), f.Priority)
	assert.Equal(t, msg, f.Payload[:len(msg)])
}

func TestEncodePadsShortFrames(t *testing.T) {
	frame, err := Encode(wire.DefaultDestination, src, 0, []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Len(t, frame, 60)
}

func TestDecodeRejects(t *testing.T) {
	frame, err := Encode(wire.DefaultDestination, src, 0, message(wire.MsgSync, 1))
	require.NoError(t, err)
	frame[12], frame[13] = 0x08, 0x00
	_, err = Decode(frame)
	assert.ErrorIs(t, err, ErrNotPTP)

	_, err = Decode(frame[:10])
	assert.Error(t, err)
}

func TestKeyOf(t *testing.T) {
	k, ok := keyOf(message(wire.MsgSync, 0x1234))
	require.True(t, ok)
	assert.Equal(t, txKey{msgType: uint8(wire.MsgSync), seq: 0x1234}, k)

	_, ok = keyOf(make([]byte, 10))
	assert.False(t, ok)
}

func TestQueueRunsOutsideCaller(t *testing.T) {
	q := newQueue()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.run(ctx) }()

	var n atomic.Int32
	for i := 0; i < 10; i++ {
		q.post(func() { n.Add(1) })
	}
	assert.Eventually(t, func() bool { return n.Load() == 10 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
