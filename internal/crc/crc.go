// Package crc — CRC-8 H2F (полином 0x2F, начальное 0xFF, финальный XOR 0xFF, без отражения).
package crc

const (
	Poly8H2F   = 0x2F
	Init8H2F   = 0xFF
	XorOut8H2F = 0xFF
)

var table8H2F [256]uint8

func init() {
	for i := 0; i < 256; i++ {
		c := uint8(i)
		for bit := 0; bit < 8; bit++ {
			if c&0x80 != 0 {
				c = c<<1 ^ Poly8H2F
			} else {
				c <<= 1
			}
		}
		table8H2F[i] = c
	}
}

// Calculate8H2F считает CRC по data. При first=false вычисление продолжается
// с результата предыдущего вызова start (финальный XOR снимается).
func Calculate8H2F(data []byte, start uint8, first bool) uint8 {
	c := uint8(Init8H2F)
	if !first {
		c = start ^ XorOut8H2F
	}
	for _, b := range data {
		c = table8H2F[c^b]
	}
	return c ^ XorOut8H2F
}

// H2F — инкрементальный вычислитель, реализует io.Writer.
type H2F struct {
	sum     uint8
	started bool
}

// Write добавляет данные к CRC. Ошибку не возвращает никогда.
func (h *H2F) Write(p []byte) (int, error) {
	h.sum = Calculate8H2F(p, h.sum, !h.started)
	h.started = true
	return len(p), nil
}

// WriteByte добавляет один байт.
func (h *H2F) WriteByte(b byte) error {
	_, err := h.Write([]byte{b})
	return err
}

// Sum8 возвращает текущее значение CRC.
func (h *H2F) Sum8() uint8 {
	if !h.started {
		return Calculate8H2F(nil, 0, true)
	}
	return h.sum
}

// Reset начинает вычисление заново.
func (h *H2F) Reset() {
	h.sum = 0
	h.started = false
}
