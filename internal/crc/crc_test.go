package crc

import "testing"

func TestCalculate8H2F(t *testing.T) {
	tests := []struct {
		in   []byte
		want uint8
	}{
		{[]byte("123456789"), 0xDF},
		{[]byte{0x00, 0x00, 0x00, 0x00}, 0x12},
		{[]byte{0xFF, 0xFF, 0xFF, 0xFF}, 0x6C},
		{[]byte{0xF2, 0x01, 0x83}, 0xC2},
	}
	for _, tt := range tests {
		if got := Calculate8H2F(tt.in, 0xFF, true); got != tt.want {
			t.Errorf("Calculate8H2F(% x) = %#02x, want %#02x", tt.in, got, tt.want)
		}
	}
}

func TestIncremental(t *testing.T) {
	first := Calculate8H2F([]byte("1234"), 0xFF, true)
	if got := Calculate8H2F([]byte("56789"), first, false); got != 0xDF {
		t.Errorf("продолжение CRC = %#02x, want 0xdf", got)
	}

	var h H2F
	for _, b := range []byte("123456789") {
		_ = h.WriteByte(b)
	}
	if h.Sum8() != 0xDF {
		t.Errorf("H2F по байтам = %#02x, want 0xdf", h.Sum8())
	}
	h.Reset()
	_, _ = h.Write([]byte("123456789"))
	if h.Sum8() != 0xDF {
		t.Errorf("H2F после Reset = %#02x, want 0xdf", h.Sum8())
	}
}
