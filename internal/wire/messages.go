package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/shiwa/timecard-mini/gptpsync/internal/tstamp"
)

const tstampSize = tstamp.Size

// PutSync заполняет нагрузку Sync (10 байт резерва).
func PutSync(p []byte) {
	clear(p[:SyncPayloadSize])
}

// PutPdelayReq заполняет нагрузку Pdelay_Req (20 байт резерва).
func PutPdelayReq(p []byte) {
	clear(p[:PdelayReqPayloadSize])
}

// FollowUp — разобранная нагрузка Follow_Up.
type FollowUp struct {
	PreciseOriginTimestamp tstamp.Timestamp
	// Extension — вендорское расширение, nil если отсутствует.
	Extension *Extension
}

// PutFollowUp записывает POT и базовое расширение 802.1AS; возвращает число байт.
// Вендорское расширение дописывается отдельно через PutExtension.
func PutFollowUp(p []byte, pot tstamp.Timestamp) int {
	tstamp.Put(p[0:], pot)
	putBaseTLV(p[tstampSize:])
	return FollowUpPayloadSize
}

// ParseFollowUp разбирает нагрузку Follow_Up: POT, обязательное базовое расширение
// и необязательное вендорское. Прочие TLV пропускаются.
func ParseFollowUp(p []byte) (FollowUp, error) {
	var f FollowUp
	if len(p) < FollowUpPayloadSize {
		return f, fmt.Errorf("%w: follow-up payload %d bytes", ErrMalformed, len(p))
	}
	f.PreciseOriginTimestamp = tstamp.Read(p)
	if !f.PreciseOriginTimestamp.Valid() {
		return f, fmt.Errorf("%w: origin timestamp nanoseconds %d", ErrMalformed, f.PreciseOriginTimestamp.Nanoseconds)
	}
	sawBase := false
	err := WalkTLVs(p[tstampSize:], func(tlv []byte) error {
		typ, org, sub := tlvIdent(tlv)
		switch {
		case typ == TLVOrganizationExtension && org == BaseOrgID && sub == BaseOrgSubType:
			sawBase = true
		case typ == TLVOrganizationExtension && org == VendorOrgID && sub == VendorOrgSubType:
			ext, err := ParseExtension(tlv)
			if err != nil {
				return err
			}
			f.Extension = &ext
		}
		return nil
	})
	if err != nil {
		return f, err
	}
	if !sawBase {
		return f, fmt.Errorf("%w: follow-up without 802.1AS information TLV", ErrMalformed)
	}
	return f, nil
}

// SetTimeCRC переписывает CRC подзаписи Time в нагрузке Follow_Up p на месте;
// остальные TLV и подзаписи не трогаются. false — подзаписи Time нет.
func SetTimeCRC(p []byte, crc0, crc1 uint8) (bool, error) {
	if len(p) < FollowUpPayloadSize {
		return false, fmt.Errorf("%w: follow-up payload %d bytes", ErrMalformed, len(p))
	}
	found := false
	err := WalkTLVs(p[tstampSize:], func(tlv []byte) error {
		typ, org, sub := tlvIdent(tlv)
		if found || typ != TLVOrganizationExtension || org != VendorOrgID || sub != VendorOrgSubType {
			return nil
		}
		for cur := VendorTLVHeaderSize; cur+2 <= len(tlv); {
			next := cur + 2 + int(tlv[cur+1])
			if next > len(tlv) {
				return fmt.Errorf("%w: sub-record at %d ends at %d beyond %d", ErrMalformed, cur, next, len(tlv))
			}
			if tlv[cur] == SubTimeSecured && next-cur >= SubTimeSize {
				tlv[cur+3], tlv[cur+4] = crc0, crc1
				found = true
				return nil
			}
			cur = next
		}
		return nil
	})
	return found, err
}

// PdelayResp — нагрузка Pdelay_Resp (t2) и Pdelay_Resp_Follow_Up (t3).
type PdelayResp struct {
	Timestamp  tstamp.Timestamp
	Requesting PortIdentity
}

// PutPdelayResp записывает метку и идентичность запросившего порта.
func PutPdelayResp(p []byte, r PdelayResp) int {
	tstamp.Put(p[0:], r.Timestamp)
	r.Requesting.Put(p[tstampSize:])
	return PdelayRespPayloadSize
}

// ParsePdelayResp разбирает нагрузку ответа или follow-up ответа.
func ParsePdelayResp(p []byte) (PdelayResp, error) {
	if len(p) < PdelayRespPayloadSize {
		return PdelayResp{}, fmt.Errorf("%w: pdelay response payload %d bytes", ErrMalformed, len(p))
	}
	r := PdelayResp{
		Timestamp:  tstamp.Read(p),
		Requesting: ReadPortIdentity(p[tstampSize:]),
	}
	if !r.Timestamp.Valid() {
		return r, fmt.Errorf("%w: pdelay timestamp nanoseconds %d", ErrMalformed, r.Timestamp.Nanoseconds)
	}
	return r, nil
}

// ClockQuality — качество часов гроссмейстера.
type ClockQuality struct {
	Class                   uint8
	Accuracy                uint8
	OffsetScaledLogVariance uint16
}

// Announce — нагрузка Announce с path trace из одной идентичности.
type Announce struct {
	CurrentUTCOffset    int16
	Priority1           uint8
	Quality             ClockQuality
	Priority2           uint8
	GrandmasterIdentity [8]byte
	StepsRemoved        uint16
	TimeSource          uint8
	PathTrace           [8]byte
}

// TLVPathTrace — тип TLV path trace.
const TLVPathTrace = 0x0008

// PutAnnounce записывает нагрузку Announce (42 байта).
func PutAnnounce(p []byte, a Announce) int {
	clear(p[:AnnouncePayloadSize])
	binary.BigEndian.PutUint16(p[10:], uint16(a.CurrentUTCOffset))
	p[13] = a.Priority1
	p[14] = a.Quality.Class
	p[15] = a.Quality.Accuracy
	binary.BigEndian.PutUint16(p[16:], a.Quality.OffsetScaledLogVariance)
	p[18] = a.Priority2
	copy(p[19:27], a.GrandmasterIdentity[:])
	binary.BigEndian.PutUint16(p[27:], a.StepsRemoved)
	p[29] = a.TimeSource
	binary.BigEndian.PutUint16(p[30:], TLVPathTrace)
	binary.BigEndian.PutUint16(p[32:], 8)
	copy(p[34:42], a.PathTrace[:])
	return AnnouncePayloadSize
}

// ParseAnnounce разбирает нагрузку Announce.
func ParseAnnounce(p []byte) (Announce, error) {
	var a Announce
	if len(p) < AnnouncePayloadSize {
		return a, fmt.Errorf("%w: announce payload %d bytes", ErrMalformed, len(p))
	}
	a.CurrentUTCOffset = int16(binary.BigEndian.Uint16(p[10:]))
	a.Priority1 = p[13]
	a.Quality.Class = p[14]
	a.Quality.Accuracy = p[15]
	a.Quality.OffsetScaledLogVariance = binary.BigEndian.Uint16(p[16:])
	a.Priority2 = p[18]
	copy(a.GrandmasterIdentity[:], p[19:27])
	a.StepsRemoved = binary.BigEndian.Uint16(p[27:])
	a.TimeSource = p[29]
	if binary.BigEndian.Uint16(p[30:]) != TLVPathTrace || binary.BigEndian.Uint16(p[32:]) < 8 {
		return a, fmt.Errorf("%w: announce without path trace", ErrMalformed)
	}
	copy(a.PathTrace[:], p[34:42])
	return a, nil
}
