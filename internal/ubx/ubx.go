// Package ubx — минимальный протокол u-blox UBX: кадрирование, NAV-PVT для
// опорного времени и CFG-TP5 для настройки импульса времени.
package ubx

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Sync1 = 0xB5
	Sync2 = 0x62

	headerSize = 6 // sync(2) + class + id + length(2)
	// MaxPayload ограничивает длину, чтобы мусор в потоке не заставлял читать мегабайты.
	MaxPayload = 4096
)

const (
	ClassNAV = 0x01
	ClassACK = 0x05
	ClassCFG = 0x06

	IDNAVPVT = 0x07
	IDACK    = 0x01
	IDNAK    = 0x00
	IDTP5    = 0x31
)

var (
	ErrChecksum = errors.New("ubx: checksum mismatch")
	ErrTooLong  = errors.New("ubx: payload too long")
)

// Packet — сообщение UBX без синхробайтов и контрольной суммы.
type Packet struct {
	Class   uint8
	ID      uint8
	Payload []byte
}

func (p Packet) Is(class, id uint8) bool { return p.Class == class && p.ID == id }

// Checksum — 8-битный алгоритм Флетчера по class, id, length и payload.
func Checksum(data []byte) (ckA, ckB uint8) {
	for _, b := range data {
		ckA += b
		ckB += ckA
	}
	return ckA, ckB
}

// Encode собирает кадр: синхробайты, заголовок, payload, контрольная сумма.
func (p Packet) Encode() []byte {
	buf := make([]byte, 0, headerSize+len(p.Payload)+2)
	buf = append(buf, Sync1, Sync2, p.Class, p.ID)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(p.Payload)))
	buf = append(buf, p.Payload...)
	ckA, ckB := Checksum(buf[2:])
	return append(buf, ckA, ckB)
}

// Reader выделяет кадры UBX из потока, пропуская NMEA и прочий мусор.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 1024)}
}

// Next возвращает следующий кадр. При ошибке контрольной суммы кадр
// отбрасывается и возвращается ErrChecksum; чтение можно продолжать.
func (r *Reader) Next() (Packet, error) {
	if err := r.sync(); err != nil {
		return Packet{}, err
	}
	var hdr [4]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		return Packet{}, err
	}
	n := int(binary.LittleEndian.Uint16(hdr[2:]))
	if n > MaxPayload {
		return Packet{}, fmt.Errorf("%w: %d", ErrTooLong, n)
	}
	body := make([]byte, n+2)
	if _, err := io.ReadFull(r.r, body); err != nil {
		return Packet{}, err
	}
	ckA, ckB := Checksum(append(hdr[:], body[:n]...))
	if body[n] != ckA || body[n+1] != ckB {
		return Packet{}, fmt.Errorf("%w: class 0x%02x id 0x%02x", ErrChecksum, hdr[0], hdr[1])
	}
	return Packet{Class: hdr[0], ID: hdr[1], Payload: body[:n]}, nil
}

func (r *Reader) sync() error {
	prev := byte(0)
	for {
		b, err := r.r.ReadByte()
		if err != nil {
			return err
		}
		if prev == Sync1 && b == Sync2 {
			return nil
		}
		prev = b
	}
}
