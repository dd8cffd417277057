package wire

import (
	"encoding/binary"
	"fmt"
)

// TLVOrganizationExtension — тип организационного расширения.
const TLVOrganizationExtension = 0x0003

// Базовое расширение 802.1AS (Follow_Up information TLV).
// Длина 28 сохраняется как есть ради совместимости на проводе.
const (
	BaseTLVLength  = 28
	BaseTLVSize    = 32
	BaseOrgID      = 0x0080C2
	BaseOrgSubType = 1
)

// Вендорское расширение с подзаписями.
const (
	VendorTLVHeaderSize = 10
	VendorOrgID         = 0x1A75FB
	VendorOrgSubType    = 0x605676
)

// Типы подзаписей вендорского расширения.
const (
	SubTimeSecured        = 0x28
	SubStatusSecured      = 0x50
	SubStatusNotSecured   = 0x51
	SubUserDataSecured    = 0x60
	SubUserDataNotSecured = 0x61
	SubOffsetSecured      = 0x44
	SubOffsetNotSecured   = 0x34
)

// Размеры подзаписей целиком (тип + длина + значение).
const (
	SubTimeSize     = 5
	SubStatusSize   = 4
	SubUserDataSize = 7
	SubOffsetSize   = 19
)

func putBaseTLV(b []byte) {
	binary.BigEndian.PutUint16(b[0:], TLVOrganizationExtension)
	binary.BigEndian.PutUint16(b[2:], BaseTLVLength)
	putUint24(b[4:], BaseOrgID)
	putUint24(b[7:], BaseOrgSubType)
	clear(b[10:BaseTLVSize])
}

// WalkTLVs обходит последовательность TLV (тип 2 байта, длина 2 байта, значение)
// и вызывает fn с каждой записью целиком. Запись, выходящая за буфер, или хвост
// короче заголовка TLV — ErrMalformed.
func WalkTLVs(b []byte, fn func(tlv []byte) error) error {
	cur := 0
	for cur < len(b) {
		if len(b)-cur < 4 {
			return fmt.Errorf("%w: %d trailing bytes after TLV at %d", ErrMalformed, len(b)-cur, cur)
		}
		next := cur + 4 + int(binary.BigEndian.Uint16(b[cur+2:]))
		if next > len(b) {
			return fmt.Errorf("%w: TLV at %d ends at %d beyond %d", ErrMalformed, cur, next, len(b))
		}
		if err := fn(b[cur:next]); err != nil {
			return err
		}
		cur = next
	}
	return nil
}

func tlvIdent(tlv []byte) (typ uint16, org, sub uint32) {
	typ = binary.BigEndian.Uint16(tlv)
	if len(tlv) >= VendorTLVHeaderSize {
		org = uint24(tlv[4:])
		sub = uint24(tlv[7:])
	}
	return typ, org, sub
}

// TimeRecord — подзапись Time: какие поля покрыты CRC и два байта CRC.
type TimeRecord struct {
	Flags uint8
	CRC0  uint8
	CRC1  uint8
}

// StatusRecord — подзапись Status.
type StatusRecord struct {
	Secured bool
	Status  uint8
	CRC     uint8
}

// UserDataRecord — подзапись UserData.
type UserDataRecord struct {
	Secured bool
	Length  uint8
	Bytes   [3]byte
	CRC     uint8
}

// OffsetRecord — подзапись OFS (смещённая шкала времени).
type OffsetRecord struct {
	Secured     bool
	TimeDomain  uint8
	Seconds     uint64 // 48 бит
	Nanoseconds uint32
	Status      uint8
	UserLength  uint8
	UserBytes   [3]byte
	CRC         uint8
}

// Extension — вендорское расширение. Отсутствующие подзаписи — nil.
type Extension struct {
	Time     *TimeRecord
	Status   *StatusRecord
	UserData *UserDataRecord
	Offset   *OffsetRecord
	// Skipped — число пропущенных подзаписей неизвестного типа.
	Skipped int
}

// Size — полный размер расширения на проводе.
func (e *Extension) Size() int {
	n := VendorTLVHeaderSize
	if e.Time != nil {
		n += SubTimeSize
	}
	if e.Status != nil {
		n += SubStatusSize
	}
	if e.UserData != nil {
		n += SubUserDataSize
	}
	if e.Offset != nil {
		n += SubOffsetSize
	}
	return n
}

// PutExtension записывает расширение в b и возвращает число байт.
func PutExtension(b []byte, e *Extension) int {
	size := e.Size()
	_ = b[size-1]
	binary.BigEndian.PutUint16(b[0:], TLVOrganizationExtension)
	binary.BigEndian.PutUint16(b[2:], uint16(size-4))
	putUint24(b[4:], VendorOrgID)
	putUint24(b[7:], VendorOrgSubType)
	cur := VendorTLVHeaderSize
	if t := e.Time; t != nil {
		b[cur], b[cur+1] = SubTimeSecured, SubTimeSize-2
		b[cur+2], b[cur+3], b[cur+4] = t.Flags, t.CRC0, t.CRC1
		cur += SubTimeSize
	}
	if s := e.Status; s != nil {
		b[cur], b[cur+1] = pick(s.Secured, SubStatusSecured, SubStatusNotSecured), SubStatusSize-2
		b[cur+2], b[cur+3] = s.Status, securedCRC(s.Secured, s.CRC)
		cur += SubStatusSize
	}
	if u := e.UserData; u != nil {
		b[cur], b[cur+1] = pick(u.Secured, SubUserDataSecured, SubUserDataNotSecured), SubUserDataSize-2
		b[cur+2] = u.Length
		copy(b[cur+3:cur+6], u.Bytes[:])
		b[cur+6] = securedCRC(u.Secured, u.CRC)
		cur += SubUserDataSize
	}
	if o := e.Offset; o != nil {
		b[cur], b[cur+1] = pick(o.Secured, SubOffsetSecured, SubOffsetNotSecured), SubOffsetSize-2
		b[cur+2] = o.TimeDomain
		putUint48(b[cur+3:], o.Seconds)
		binary.BigEndian.PutUint32(b[cur+9:], o.Nanoseconds)
		b[cur+13] = o.Status
		b[cur+14] = o.UserLength
		copy(b[cur+15:cur+18], o.UserBytes[:])
		b[cur+18] = securedCRC(o.Secured, o.CRC)
		cur += SubOffsetSize
	}
	return cur
}

// ParseExtension разбирает вендорское расширение начиная с заголовка TLV.
// Каждый шаг проверяется и по объявленной длине, и по длине буфера; курсор
// должен закончиться ровно на объявленной границе. Неизвестные подзаписи пропускаются.
func ParseExtension(b []byte) (Extension, error) {
	var e Extension
	if len(b) < VendorTLVHeaderSize {
		return e, fmt.Errorf("%w: extension header %d bytes", ErrMalformed, len(b))
	}
	end := 4 + int(binary.BigEndian.Uint16(b[2:]))
	if end > len(b) {
		return e, fmt.Errorf("%w: extension length %d exceeds buffer %d", ErrMalformed, end, len(b))
	}
	if end < VendorTLVHeaderSize {
		return e, fmt.Errorf("%w: extension length %d shorter than header", ErrMalformed, end)
	}
	cur := VendorTLVHeaderSize
	for cur < end {
		if end-cur < 2 {
			return e, fmt.Errorf("%w: sub-record header cut at %d", ErrMalformed, cur)
		}
		typ, n := b[cur], int(b[cur+1])
		next := cur + 2 + n
		if next > end {
			return e, fmt.Errorf("%w: sub-record %#x at %d ends at %d beyond %d", ErrMalformed, typ, cur, next, end)
		}
		v := b[cur+2 : next]
		switch typ {
		case SubTimeSecured:
			if n < SubTimeSize-2 {
				return e, shortSub(typ, n)
			}
			e.Time = &TimeRecord{Flags: v[0], CRC0: v[1], CRC1: v[2]}
		case SubStatusSecured, SubStatusNotSecured:
			if n < SubStatusSize-2 {
				return e, shortSub(typ, n)
			}
			e.Status = &StatusRecord{Secured: typ == SubStatusSecured, Status: v[0], CRC: v[1]}
		case SubUserDataSecured, SubUserDataNotSecured:
			if n < SubUserDataSize-2 {
				return e, shortSub(typ, n)
			}
			u := &UserDataRecord{Secured: typ == SubUserDataSecured, Length: v[0], CRC: v[4]}
			copy(u.Bytes[:], v[1:4])
			e.UserData = u
		case SubOffsetSecured, SubOffsetNotSecured:
			if n < SubOffsetSize-2 {
				return e, shortSub(typ, n)
			}
			o := &OffsetRecord{
				Secured:     typ == SubOffsetSecured,
				TimeDomain:  v[0],
				Seconds:     uint48(v[1:]),
				Nanoseconds: binary.BigEndian.Uint32(v[7:]),
				Status:      v[11],
				UserLength:  v[12],
				CRC:         v[16],
			}
			copy(o.UserBytes[:], v[13:16])
			e.Offset = o
		default:
			e.Skipped++
		}
		cur = next
	}
	return e, nil
}

func shortSub(typ uint8, n int) error {
	return fmt.Errorf("%w: sub-record %#x length %d too short", ErrMalformed, typ, n)
}

func pick(secured bool, a, b uint8) uint8 {
	if secured {
		return a
	}
	return b
}

func securedCRC(secured bool, crc uint8) uint8 {
	if secured {
		return crc
	}
	return 0
}

func putUint24(b []byte, v uint32) {
	b[0], b[1], b[2] = byte(v>>16), byte(v>>8), byte(v)
}

func uint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func putUint48(b []byte, v uint64) {
	binary.BigEndian.PutUint16(b[0:], uint16(v>>32))
	binary.BigEndian.PutUint32(b[2:], uint32(v))
}

func uint48(b []byte) uint64 {
	return uint64(binary.BigEndian.Uint16(b[0:]))<<32 | uint64(binary.BigEndian.Uint32(b[2:]))
}

// Расширение аутентификации Pdelay: вызов в Pdelay_Req, ответ в Pdelay_Resp.
const (
	TLVAuthChallenge = 0x2001
	TLVAuthResponse  = 0x2002

	AuthICVSize           = 16
	AuthChallengeTLVSize  = 4 + 10
	AuthResponseTLVSize   = 4 + 10 + AuthICVSize
	authChallengeTypeNone = 0
)

// AuthTLV — вызов или ответ аутентификации.
type AuthTLV struct {
	Response      bool
	RequestNonce  uint32
	ResponseNonce uint32
	ICV           [AuthICVSize]byte
}

// Size — размер на проводе.
func (a *AuthTLV) Size() int {
	if a.Response {
		return AuthResponseTLVSize
	}
	return AuthChallengeTLVSize
}

// PutAuthTLV записывает TLV и возвращает число байт.
func PutAuthTLV(b []byte, a *AuthTLV) int {
	size := a.Size()
	typ := uint16(TLVAuthChallenge)
	if a.Response {
		typ = TLVAuthResponse
	}
	binary.BigEndian.PutUint16(b[0:], typ)
	binary.BigEndian.PutUint16(b[2:], uint16(size-4))
	b[4], b[5] = authChallengeTypeNone, 0
	binary.BigEndian.PutUint32(b[6:], a.RequestNonce)
	binary.BigEndian.PutUint32(b[10:], a.ResponseNonce)
	if a.Response {
		copy(b[14:size], a.ICV[:])
	}
	return size
}

// FindAuthTLV ищет TLV аутентификации среди TLV после фиксированной нагрузки.
func FindAuthTLV(b []byte) (*AuthTLV, error) {
	var found *AuthTLV
	err := WalkTLVs(b, func(tlv []byte) error {
		typ := binary.BigEndian.Uint16(tlv)
		if typ != TLVAuthChallenge && typ != TLVAuthResponse {
			return nil
		}
		a := &AuthTLV{Response: typ == TLVAuthResponse}
		if len(tlv) < a.Size() {
			return fmt.Errorf("%w: auth TLV %d bytes", ErrMalformed, len(tlv))
		}
		a.RequestNonce = binary.BigEndian.Uint32(tlv[6:])
		a.ResponseNonce = binary.BigEndian.Uint32(tlv[10:])
		if a.Response {
			copy(a.ICV[:], tlv[14:14+AuthICVSize])
		}
		found = a
		return nil
	})
	return found, err
}
