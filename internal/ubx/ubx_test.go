package ubx

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func navPVT(valid byte, nano int32, at time.Time) []byte {
	p := make([]byte, NavPVTSize)
	binary.LittleEndian.PutUint16(p[4:], uint16(at.Year()))
	p[6], p[7] = byte(at.Month()), byte(at.Day())
	p[8], p[9], p[10] = byte(at.Hour()), byte(at.Minute()), byte(at.Second())
	p[11] = valid
	binary.LittleEndian.PutUint32(p[12:], 25)
	binary.LittleEndian.PutUint32(p[16:], uint32(nano))
	p[20], p[23] = Fix3D, 12
	return p
}

func TestParseNavPVT(t *testing.T) {
	at := time.Date(2025, 1, 15, 12, 30, 45, 0, time.UTC)
	all := byte(ValidDate | ValidTime | ValidFullyResolved)

	tests := []struct {
		name   string
		valid  byte
		nano   int32
		want   time.Time
		usable bool
	}{
		{"valid", all, 123456789, at.Add(123456789), true},
		{"negative nano", all, -1000, at.Add(-1000), true},
		{"time not resolved", ValidDate | ValidTime, 0, at, false},
		{"no time", 0, 0, at, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := ParseNavPVT(navPVT(tt.valid, tt.nano, at))
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(n.Time), "got %v", n.Time)
			assert.Equal(t, tt.usable, n.Usable())
			assert.Equal(t, 25*time.Nanosecond, n.TimeAccuracy)
			assert.Equal(t, uint8(12), n.NumSV)
		})
	}

	_, err := ParseNavPVT(make([]byte, 50))
	assert.Error(t, err)
}

func TestReader(t *testing.T) {
	pvt := Packet{Class: ClassNAV, ID: IDNAVPVT, Payload: navPVT(0, 0, time.Now())}
	ack := Packet{Class: ClassACK, ID: IDACK, Payload: []byte{ClassCFG, IDTP5}}
	bad := ack.Encode()
	bad[len(bad)-1] ^= 0xFF

	var stream bytes.Buffer
	stream.WriteString("$GNRMC,,V*00\r\n")
	stream.Write(pvt.Encode())
	stream.Write(bad)
	stream.Write([]byte{Sync1, 0x00})
	stream.Write(ack.Encode())

	r := NewReader(&stream)
	got, err := r.Next()
	require.NoError(t, err)
	assert.True(t, got.Is(ClassNAV, IDNAVPVT))
	assert.Equal(t, pvt.Payload, got.Payload)

	_, err = r.Next()
	assert.ErrorIs(t, err, ErrChecksum)

	got, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, ack, got)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderTooLong(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{Sync1, Sync2, ClassNAV, IDNAVPVT, 0xFF, 0xFF}))
	_, err := r.Next()
	assert.ErrorIs(t, err, ErrTooLong)
}

func TestTimePulsePacket(t *testing.T) {
	pkt, err := DefaultTimePulse().Packet()
	require.NoError(t, err)
	assert.True(t, pkt.Is(ClassCFG, IDTP5))
	p := pkt.Payload
	require.Len(t, p, 32)
	assert.Equal(t, uint32(1_000_000), binary.LittleEndian.Uint32(p[8:]))
	assert.Equal(t, uint32(5_000_000), binary.LittleEndian.Uint32(p[16:]))
	assert.Equal(t, uint32(0x77), binary.LittleEndian.Uint32(p[28:]))

	enc := pkt.Encode()
	ckA, ckB := Checksum(enc[2 : len(enc)-2])
	assert.Equal(t, []byte{ckA, ckB}, enc[len(enc)-2:])

	_, err = TimePulse{Period: time.Second, Width: 2 * time.Second}.Packet()
	assert.Error(t, err)
	_, err = TimePulse{Period: 1500 * time.Nanosecond, Width: time.Nanosecond}.Packet()
	assert.Error(t, err)
}

func TestAwaitAck(t *testing.T) {
	tp5, err := DefaultTimePulse().Packet()
	require.NoError(t, err)
	other := Packet{Class: ClassACK, ID: IDACK, Payload: []byte{ClassCFG, 0x01}}
	ack := Packet{Class: ClassACK, ID: IDACK, Payload: []byte{ClassCFG, IDTP5}}
	nak := Packet{Class: ClassACK, ID: IDNAK, Payload: []byte{ClassCFG, IDTP5}}

	stream := func(ps ...Packet) *Reader {
		var b bytes.Buffer
		for _, p := range ps {
			b.Write(p.Encode())
		}
		return NewReader(&b)
	}
	assert.NoError(t, awaitAck(stream(other, ack), tp5, 5))
	assert.ErrorIs(t, awaitAck(stream(nak), tp5, 5), ErrNak)
	assert.Error(t, awaitAck(stream(other, other, ack), tp5, 2))
}
