package ubx

import (
	"encoding/binary"
	"fmt"
	"time"
)

const tp5PayloadSize = 32

// Флаги CFG-TP5.
const (
	tp5Active         = 0x01
	tp5LockGnssFreq   = 0x02
	tp5LockedOtherSet = 0x04
	tp5IsFreq         = 0x08
	tp5IsLength       = 0x10
	tp5AlignToTow     = 0x20
	tp5Polarity       = 0x40
)

// TimePulse — импульс времени приёмника, заводимый на вход PHC сетевой карты.
type TimePulse struct {
	Index  uint8
	Period time.Duration
	Width  time.Duration
	// CableDelay компенсирует кабель антенны.
	CableDelay time.Duration
	// RisingEdge — начало секунды по переднему фронту.
	RisingEdge bool
}

// DefaultTimePulse — 1 PPS, импульс 5 мс, передний фронт.
func DefaultTimePulse() TimePulse {
	return TimePulse{Period: time.Second, Width: 5 * time.Millisecond, RisingEdge: true}
}

func (tp TimePulse) validate() error {
	if tp.Period <= 0 || tp.Period%time.Microsecond != 0 {
		return fmt.Errorf("ubx: time pulse period %v", tp.Period)
	}
	if tp.Width <= 0 || tp.Width >= tp.Period {
		return fmt.Errorf("ubx: time pulse width %v for period %v", tp.Width, tp.Period)
	}
	return nil
}

// Packet собирает CFG-TP5: период в микросекундах, длительность в наносекундах,
// одинаковые значения с фиксацией по GNSS и без неё.
func (tp TimePulse) Packet() (Packet, error) {
	if err := tp.validate(); err != nil {
		return Packet{}, err
	}
	p := make([]byte, tp5PayloadSize)
	le := binary.LittleEndian
	p[0] = tp.Index
	le.PutUint16(p[4:], uint16(int16(tp.CableDelay/time.Nanosecond)))
	period := uint32(tp.Period / time.Microsecond)
	width := uint32(tp.Width / time.Nanosecond)
	le.PutUint32(p[8:], period)
	le.PutUint32(p[12:], period)
	le.PutUint32(p[16:], width)
	le.PutUint32(p[20:], width)

	flags := uint32(tp5Active | tp5LockGnssFreq | tp5LockedOtherSet | tp5IsLength | tp5AlignToTow)
	if tp.RisingEdge {
		flags |= tp5Polarity
	}
	le.PutUint32(p[28:], flags)
	return Packet{Class: ClassCFG, ID: IDTP5, Payload: p}, nil
}
