package ubx

import (
	"encoding/binary"
	"fmt"
	"time"
)

// NavPVTSize — длина payload UBX-NAV-PVT (протокол 14+).
const NavPVTSize = 92

// Биты поля valid.
const (
	ValidDate          = 1 << 0
	ValidTime          = 1 << 1
	ValidFullyResolved = 1 << 2
)

// Типы фиксации.
const (
	FixNone     = 0
	Fix2D       = 2
	Fix3D       = 3
	FixGNSSDR   = 4
	FixTimeOnly = 5
)

// NavPVT — поля NAV-PVT, нужные для опорного времени.
type NavPVT struct {
	ITOW  uint32
	Time  time.Time
	Valid uint8
	// TimeAccuracy — оценка точности времени приёмником.
	TimeAccuracy time.Duration
	FixType      uint8
	NumSV        uint8
}

// ParseNavPVT разбирает payload NAV-PVT. Поле nano знаковое и добавляется
// к секундам даты (может быть отрицательным).
func ParseNavPVT(p []byte) (NavPVT, error) {
	if len(p) < NavPVTSize {
		return NavPVT{}, fmt.Errorf("ubx: NAV-PVT payload %d bytes", len(p))
	}
	le := binary.LittleEndian
	base := time.Date(int(le.Uint16(p[4:])), time.Month(p[6]), int(p[7]),
		int(p[8]), int(p[9]), int(p[10]), 0, time.UTC)
	nano := int32(le.Uint32(p[16:]))
	return NavPVT{
		ITOW:         le.Uint32(p[0:]),
		Time:         base.Add(time.Duration(nano)),
		Valid:        p[11],
		TimeAccuracy: time.Duration(le.Uint32(p[12:])),
		FixType:      p[20],
		NumSV:        p[23],
	}, nil
}

// Usable — дата и время действительны и полностью разрешены.
func (n NavPVT) Usable() bool {
	const want = ValidDate | ValidTime | ValidFullyResolved
	return n.Valid&want == want
}

func (n NavPVT) String() string {
	return fmt.Sprintf("%s fix=%d sv=%d tacc=%v valid=0x%02x",
		n.Time.Format(time.RFC3339Nano), n.FixType, n.NumSV, n.TimeAccuracy, n.Valid)
}
