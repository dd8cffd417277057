// Package tstamp — 80-битные метки времени gPTP (16 бит старших секунд, 32 бита секунд,
// 32 бита наносекунд) и арифметика над ними с переносом, заёмом и знаком.
package tstamp

import (
	"encoding/binary"
	"fmt"
	"time"
)

// NanosPerSecond — число наносекунд в секунде; поле Nanoseconds всегда меньше.
const NanosPerSecond = 1_000_000_000

// Size — размер метки времени на проводе.
const Size = 10

// Timestamp — метка времени в формате PTP.
type Timestamp struct {
	SecondsHi   uint16
	Seconds     uint32
	Nanoseconds uint32
}

// Diff — результат вычитания: абсолютное значение и знак (Positive при a >= b).
type Diff struct {
	Value    Timestamp
	Positive bool
}

// Valid сообщает, что наносекунды в пределах секунды.
func (t Timestamp) Valid() bool {
	return t.Nanoseconds < NanosPerSecond
}

// IsZero возвращает true для нулевой метки.
func (t Timestamp) IsZero() bool {
	return t == Timestamp{}
}

func (t Timestamp) String() string {
	if t.SecondsHi != 0 {
		return fmt.Sprintf("%d:%d.%09d", t.SecondsHi, t.Seconds, t.Nanoseconds)
	}
	return fmt.Sprintf("%d.%09d", t.Seconds, t.Nanoseconds)
}

// Compare возвращает -1, 0 или 1 (лексикографически: SecondsHi, Seconds, Nanoseconds).
func Compare(a, b Timestamp) int {
	switch {
	case a.SecondsHi != b.SecondsHi:
		if a.SecondsHi > b.SecondsHi {
			return 1
		}
		return -1
	case a.Seconds != b.Seconds:
		if a.Seconds > b.Seconds {
			return 1
		}
		return -1
	case a.Nanoseconds != b.Nanoseconds:
		if a.Nanoseconds > b.Nanoseconds {
			return 1
		}
		return -1
	}
	return 0
}

// Add складывает метки. Перенос из наносекунд идёт в секунды,
// переполнение 32-битных секунд — один перенос в SecondsHi.
func Add(a, b Timestamp) Timestamp {
	var r Timestamp
	ns := a.Nanoseconds + b.Nanoseconds
	var carry uint32
	if ns >= NanosPerSecond {
		ns -= NanosPerSecond
		carry = 1
	}
	r.Nanoseconds = ns

	sec := a.Seconds + b.Seconds
	hiCarry := uint16(0)
	if sec < a.Seconds {
		hiCarry++
	}
	withCarry := sec + carry
	if withCarry < sec {
		hiCarry++
	}
	r.Seconds = withCarry
	r.SecondsHi = a.SecondsHi + b.SecondsHi + hiCarry
	return r
}

// Sub вычитает меньшую по модулю метку из большей и сообщает знак a-b.
func Sub(a, b Timestamp) Diff {
	if Compare(a, b) >= 0 {
		return Diff{Value: sub(a, b), Positive: true}
	}
	return Diff{Value: sub(b, a), Positive: false}
}

// sub требует a >= b.
func sub(a, b Timestamp) Timestamp {
	var r Timestamp
	borrow := uint32(0)
	if a.Nanoseconds >= b.Nanoseconds {
		r.Nanoseconds = a.Nanoseconds - b.Nanoseconds
	} else {
		r.Nanoseconds = a.Nanoseconds + NanosPerSecond - b.Nanoseconds
		borrow = 1
	}
	hiBorrow := uint16(0)
	sec := a.Seconds - b.Seconds
	if a.Seconds < b.Seconds {
		hiBorrow++
	}
	if sec < borrow {
		hiBorrow++
	}
	r.Seconds = sec - borrow
	r.SecondsHi = a.SecondsHi - b.SecondsHi - hiBorrow
	return r
}

// AddDiff прибавляет знаковую разность к метке. ok=false, если результат отрицателен.
func AddDiff(t Timestamp, d Diff) (Timestamp, bool) {
	if d.Positive {
		return Add(t, d.Value), true
	}
	r := Sub(t, d.Value)
	return r.Value, r.Positive
}

// AddDiffs складывает две знаковые разности.
func AddDiffs(a, b Diff) Diff {
	if a.Positive == b.Positive {
		return Diff{Value: Add(a.Value, b.Value), Positive: a.Positive}
	}
	if a.Positive {
		return Sub(a.Value, b.Value)
	}
	return Sub(b.Value, a.Value)
}

// Nanoseconds возвращает знаковое значение разности в наносекундах.
// ok=false, если модуль не помещается в int64.
func (d Diff) Nanoseconds() (int64, bool) {
	ns, ok := d.Value.Nanoseconds64()
	if !ok || ns > 1<<63-1 {
		return 0, false
	}
	if d.Positive {
		return int64(ns), true
	}
	return -int64(ns), true
}

// Nanoseconds64 возвращает метку в наносекундах; ok=false при переполнении uint64.
func (t Timestamp) Nanoseconds64() (uint64, bool) {
	secs := uint64(t.SecondsHi)<<32 | uint64(t.Seconds)
	if secs > (1<<64-1-uint64(t.Nanoseconds))/NanosPerSecond {
		return 0, false
	}
	return secs*NanosPerSecond + uint64(t.Nanoseconds), true
}

// FromNanoseconds строит метку из наносекунд.
func FromNanoseconds(ns uint64) Timestamp {
	secs := ns / NanosPerSecond
	return Timestamp{
		SecondsHi:   uint16(secs >> 32),
		Seconds:     uint32(secs),
		Nanoseconds: uint32(ns % NanosPerSecond),
	}
}

// FromDuration строит метку из неотрицательной длительности.
func FromDuration(d time.Duration) Timestamp {
	if d < 0 {
		return Timestamp{}
	}
	return FromNanoseconds(uint64(d))
}

// FromTime переводит time.Time (эпоха Unix) в метку.
func FromTime(t time.Time) Timestamp {
	sec := t.Unix()
	if sec < 0 {
		return Timestamp{}
	}
	return Timestamp{
		SecondsHi:   uint16(uint64(sec) >> 32),
		Seconds:     uint32(sec),
		Nanoseconds: uint32(t.Nanosecond()),
	}
}

// Time переводит метку в time.Time (UTC).
func (t Timestamp) Time() time.Time {
	sec := int64(t.SecondsHi)<<32 | int64(t.Seconds)
	return time.Unix(sec, int64(t.Nanoseconds)).UTC()
}

// Put записывает метку в 10 байт big-endian.
func Put(b []byte, t Timestamp) {
	_ = b[Size-1]
	binary.BigEndian.PutUint16(b[0:2], t.SecondsHi)
	binary.BigEndian.PutUint32(b[2:6], t.Seconds)
	binary.BigEndian.PutUint32(b[6:10], t.Nanoseconds)
}

// Read читает метку из 10 байт big-endian. Диапазон наносекунд не проверяется.
func Read(b []byte) Timestamp {
	_ = b[Size-1]
	return Timestamp{
		SecondsHi:   binary.BigEndian.Uint16(b[0:2]),
		Seconds:     binary.BigEndian.Uint32(b[2:6]),
		Nanoseconds: binary.BigEndian.Uint32(b[6:10]),
	}
}
