package tstamp

import "errors"

// ErrInvalidCorrection — поле коррекции содержит служебное значение «недействительно»
// или не помещается в метку.
var ErrInvalidCorrection = errors.New("tstamp: invalid correction field")

// correctionWeights[k] = 2^(32+k) нс в виде метки.
// Старшее слово коррекции раскладывается по битам без 64-битного умножения.
var correctionWeights = [16]Timestamp{
	{Seconds: 4, Nanoseconds: 294967296},
	{Seconds: 8, Nanoseconds: 589934592},
	{Seconds: 17, Nanoseconds: 179869184},
	{Seconds: 34, Nanoseconds: 359738368},
	{Seconds: 68, Nanoseconds: 719476736},
	{Seconds: 137, Nanoseconds: 438953472},
	{Seconds: 274, Nanoseconds: 877906944},
	{Seconds: 549, Nanoseconds: 755813888},
	{Seconds: 1099, Nanoseconds: 511627776},
	{Seconds: 2199, Nanoseconds: 23255552},
	{Seconds: 4398, Nanoseconds: 46511104},
	{Seconds: 8796, Nanoseconds: 93022208},
	{Seconds: 17592, Nanoseconds: 186044416},
	{Seconds: 35184, Nanoseconds: 372088832},
	{Seconds: 70368, Nanoseconds: 744177664},
	{Seconds: 140737, Nanoseconds: 488355328},
}

// SplitCorrection делит сырое поле коррекции (нс * 2^16) на старшие 16 и младшие 32 бита
// целых наносекунд; дробная часть отбрасывается.
func SplitCorrection(raw int64) (hi uint16, lo uint32) {
	u := uint64(raw)
	return uint16(u >> 48), uint32(u >> 16)
}

// DecodeCorrection переводит 48-битное значение коррекции в метку.
func DecodeCorrection(hi uint16, lo uint32) (Timestamp, error) {
	if hi == 0xFFFF && lo == 0xFFFFFFFF {
		return Timestamp{}, ErrInvalidCorrection
	}
	return Add(highWord(hi), FromNanoseconds(uint64(lo))), nil
}

func highWord(hi uint16) Timestamp {
	var t Timestamp
	for k := 0; k < 16; k++ {
		if hi&(1<<k) != 0 {
			t = Add(t, correctionWeights[k])
		}
	}
	return t
}

// CorrectionDecoder декодирует коррекцию и кэширует разложение последнего старшего слова:
// на практике оно почти всегда 0 и меняется редко.
type CorrectionDecoder struct {
	hi     uint16
	hiTime Timestamp
}

// Decode аналогичен DecodeCorrection.
func (d *CorrectionDecoder) Decode(hi uint16, lo uint32) (Timestamp, error) {
	if hi == 0xFFFF && lo == 0xFFFFFFFF {
		return Timestamp{}, ErrInvalidCorrection
	}
	if hi != d.hi {
		d.hi = hi
		d.hiTime = highWord(hi)
	}
	return Add(d.hiTime, FromNanoseconds(uint64(lo))), nil
}

// EncodeCorrection переводит наносекунды в сырое поле коррекции (нс * 2^16).
// Значения вне 48 бит насыщаются до 2^48-2: все единицы — признак
// недействительного поля.
func EncodeCorrection(ns uint64) int64 {
	const maxValid = 1<<48 - 2
	if ns > maxValid {
		ns = maxValid
	}
	return int64(ns << 16)
}
