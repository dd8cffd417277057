// Package secure — защита подзаписей вендорского расширения Follow_Up контрольными суммами
// CRC-8 H2F: выбор полей заголовка, соль DataID по номеру последовательности,
// расчёт на передаче и проверка на приёме по режиму для каждой подзаписи.
package secure

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shiwa/timecard-mini/gptpsync/internal/crc"
	"github.com/shiwa/timecard-mini/gptpsync/internal/tstamp"
	"github.com/shiwa/timecard-mini/gptpsync/internal/wire"
)

var (
	ErrCRCMismatch = errors.New("secure: crc mismatch")
	ErrNotSecured  = errors.New("secure: secured sub-record required")
	ErrTimeMissing = errors.New("secure: time sub-record required")
)

// Mode — режим проверки подзаписи на приёме.
type Mode uint8

const (
	// Validated — принимается только защищённый вариант с совпадающей CRC.
	Validated Mode = iota
	// NotValidated — защищённый вариант никогда не используется, незащищённый принимается.
	NotValidated
	// Ignored — CRC не проверяется, значение используется.
	Ignored
	// Optional — CRC проверяется, несовпадение только отмечается.
	Optional
)

func (m Mode) String() string {
	switch m {
	case Validated:
		return "validated"
	case NotValidated:
		return "not_validated"
	case Ignored:
		return "ignored"
	case Optional:
		return "optional"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// ParseMode разбирает режим из конфига; пустая строка — Ignored.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "validated":
		return Validated, nil
	case "not_validated", "notvalidated":
		return NotValidated, nil
	case "", "ignored":
		return Ignored, nil
	case "optional":
		return Optional, nil
	}
	return Ignored, fmt.Errorf("unknown crc mode %q", s)
}

// Fields — поля заголовка, покрываемые CRC подзаписи Time (CRC_Time_Flags).
type Fields uint8

const (
	FieldMessageLength          Fields = 0x01
	FieldDomain                 Fields = 0x02
	FieldCorrection             Fields = 0x04
	FieldSourcePortIdentity     Fields = 0x08
	FieldSequenceID             Fields = 0x10
	FieldPreciseOriginTimestamp Fields = 0x20
)

// DataIDList — соль CRC, выбирается по sequenceId mod 16.
type DataIDList [16]uint8

// For возвращает DataID для номера последовательности.
func (l *DataIDList) For(seq uint16) uint8 {
	return l[seq%16]
}

// Config — настройки защиты для одного канала.
type Config struct {
	// TxSecured — передавать защищённые варианты подзаписей.
	TxSecured bool
	// TxFields — поля, которые передающая сторона покрывает CRC_Time_0/1.
	TxFields Fields
	DataIDs  DataIDList

	RxTime     Mode
	RxStatus   Mode
	RxUserData Mode
	RxOffset   Mode
}

// Frame — поля Follow_Up, по которым считается CRC.
type Frame struct {
	Header wire.Header
	POT    tstamp.Timestamp
}

func (f *Frame) dataID(ids *DataIDList) uint8 {
	return ids.For(f.Header.SequenceID)
}

// TimeCRC считает CRC_Time_0 (флаги, domain, sourcePortIdentity, POT, DataID)
// и CRC_Time_1 (флаги, messageLength, correction, sequenceId, DataID).
func TimeCRC(f *Frame, flags Fields, dataID uint8) (crc0, crc1 uint8) {
	var h crc.H2F
	var buf [tstamp.Size]byte

	_ = h.WriteByte(uint8(flags))
	if flags&FieldDomain != 0 {
		_ = h.WriteByte(f.Header.Domain)
	}
	if flags&FieldSourcePortIdentity != 0 {
		f.Header.SourcePortIdentity.Put(buf[:])
		_, _ = h.Write(buf[:wire.PortIdentitySize])
	}
	if flags&FieldPreciseOriginTimestamp != 0 {
		tstamp.Put(buf[:], f.POT)
		_, _ = h.Write(buf[:])
	}
	_ = h.WriteByte(dataID)
	crc0 = h.Sum8()

	h.Reset()
	_ = h.WriteByte(uint8(flags))
	if flags&FieldMessageLength != 0 {
		_, _ = h.Write([]byte{byte(f.Header.MessageLength >> 8), byte(f.Header.MessageLength)})
	}
	if flags&FieldCorrection != 0 {
		c := uint64(f.Header.Correction)
		for i := 7; i >= 0; i-- {
			_ = h.WriteByte(byte(c >> (8 * i)))
		}
	}
	if flags&FieldSequenceID != 0 {
		_, _ = h.Write([]byte{byte(f.Header.SequenceID >> 8), byte(f.Header.SequenceID)})
	}
	_ = h.WriteByte(dataID)
	crc1 = h.Sum8()
	return crc0, crc1
}

// StatusCRC — CRC подзаписи Status.
func StatusCRC(r *wire.StatusRecord, dataID uint8) uint8 {
	return crc.Calculate8H2F([]byte{r.Status, dataID}, crc.Init8H2F, true)
}

// UserDataCRC — CRC подзаписи UserData.
func UserDataCRC(r *wire.UserDataRecord, dataID uint8) uint8 {
	return crc.Calculate8H2F([]byte{r.Length, r.Bytes[0], r.Bytes[1], r.Bytes[2], dataID}, crc.Init8H2F, true)
}

// OffsetCRC — CRC подзаписи OFS.
func OffsetCRC(r *wire.OffsetRecord, dataID uint8) uint8 {
	b := []byte{
		r.TimeDomain,
		byte(r.Seconds >> 40), byte(r.Seconds >> 32), byte(r.Seconds >> 24),
		byte(r.Seconds >> 16), byte(r.Seconds >> 8), byte(r.Seconds),
		byte(r.Nanoseconds >> 24), byte(r.Nanoseconds >> 16), byte(r.Nanoseconds >> 8), byte(r.Nanoseconds),
		r.Status, r.UserLength, r.UserBytes[0], r.UserBytes[1], r.UserBytes[2],
		dataID,
	}
	return crc.Calculate8H2F(b, crc.Init8H2F, true)
}

// Seal помечает подзаписи как защищённые (если TxSecured) и заполняет их CRC.
// Заголовок во f должен содержать итоговые messageLength, correction и sequenceId.
func Seal(cfg *Config, f *Frame, e *wire.Extension) {
	id := f.dataID(&cfg.DataIDs)
	if e.Time != nil {
		e.Time.Flags = uint8(cfg.TxFields)
		e.Time.CRC0, e.Time.CRC1 = TimeCRC(f, cfg.TxFields, id)
	}
	if s := e.Status; s != nil {
		s.Secured = cfg.TxSecured
		s.CRC = 0
		if s.Secured {
			s.CRC = StatusCRC(s, id)
		}
	}
	if u := e.UserData; u != nil {
		u.Secured = cfg.TxSecured
		u.CRC = 0
		if u.Secured {
			u.CRC = UserDataCRC(u, id)
		}
	}
	if o := e.Offset; o != nil {
		o.Secured = cfg.TxSecured
		o.CRC = 0
		if o.Secured {
			o.CRC = OffsetCRC(o, id)
		}
	}
}

// Rejection — подзапись, отброшенная при проверке, и причина.
type Rejection struct {
	SubRecord string
	Err       error
}

// Report — итог проверки: отброшенные подзаписи и допущенные в режиме Optional несовпадения.
type Report struct {
	Rejected  []Rejection
	Tolerated []string
}

// Verify проверяет вендорское расширение принятого Follow_Up.
// Ошибка подзаписи Time отвергает весь кадр (возвращается error); ошибки
// Status/UserData/OFS убирают только соответствующую подзапись из e.
// e может быть nil (расширения нет).
func Verify(cfg *Config, f *Frame, e *wire.Extension) (Report, error) {
	var rep Report
	id := f.dataID(&cfg.DataIDs)

	var timeRec *wire.TimeRecord
	if e != nil {
		timeRec = e.Time
	}
	switch cfg.RxTime {
	case Validated, Optional:
		if timeRec == nil {
			if cfg.RxTime == Validated {
				return rep, ErrTimeMissing
			}
			break
		}
		c0, c1 := TimeCRC(f, Fields(timeRec.Flags), id)
		if c0 != timeRec.CRC0 || c1 != timeRec.CRC1 {
			if cfg.RxTime == Validated {
				return rep, fmt.Errorf("%w: time sub-record", ErrCRCMismatch)
			}
			rep.Tolerated = append(rep.Tolerated, "time")
		}
	}
	if e == nil {
		return rep, nil
	}

	if s := e.Status; s != nil {
		if ok, tolerated, err := check(cfg.RxStatus, s.Secured, func() bool { return StatusCRC(s, id) == s.CRC }); !ok {
			rep.Rejected = append(rep.Rejected, Rejection{"status", err})
			e.Status = nil
		} else if tolerated {
			rep.Tolerated = append(rep.Tolerated, "status")
		}
	}
	if u := e.UserData; u != nil {
		if ok, tolerated, err := check(cfg.RxUserData, u.Secured, func() bool { return UserDataCRC(u, id) == u.CRC }); !ok {
			rep.Rejected = append(rep.Rejected, Rejection{"userdata", err})
			e.UserData = nil
		} else if tolerated {
			rep.Tolerated = append(rep.Tolerated, "userdata")
		}
	}
	if o := e.Offset; o != nil {
		if ok, tolerated, err := check(cfg.RxOffset, o.Secured, func() bool { return OffsetCRC(o, id) == o.CRC }); !ok {
			rep.Rejected = append(rep.Rejected, Rejection{"offset", err})
			e.Offset = nil
		} else if tolerated {
			rep.Tolerated = append(rep.Tolerated, "offset")
		}
	}
	return rep, nil
}

// check применяет режим к одной подзаписи: ok — можно использовать значение,
// tolerated — CRC не совпала, но режим это допускает.
func check(m Mode, secured bool, match func() bool) (ok, tolerated bool, err error) {
	switch m {
	case Validated:
		if !secured {
			return false, false, ErrNotSecured
		}
		if !match() {
			return false, false, ErrCRCMismatch
		}
		return true, false, nil
	case NotValidated:
		if secured {
			return false, false, fmt.Errorf("secured variant not accepted in %s mode", m)
		}
		return true, false, nil
	case Optional:
		if secured && !match() {
			return true, true, nil
		}
		return true, false, nil
	default:
		return true, false, nil
	}
}
