// Package wire — кодек кадров gPTP (IEEE 802.1AS): общий заголовок 34 байта,
// полезные нагрузки Sync, Follow_Up, Pdelay_Req/Resp/Resp_Follow_Up, Announce
// и расширения TLV (базовое 802.1 и вендорское с подзаписями Time/Status/UserData/OFS).
// Все поля big-endian.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// EtherType для PTP поверх Ethernet.
const EtherType = 0x88F7

// DefaultDestination — групповой адрес gPTP (не пересылается мостами 802.1D).
var DefaultDestination = net.HardwareAddr{0x01, 0x80, 0xC2, 0x00, 0x00, 0x0E}

const (
	HeaderSize        = 34
	TransportSpecific = 1 // gPTP
	Version           = 2
)

// Смещения полей заголовка.
const (
	offMsgType     = 0
	offVersion     = 1
	offLength      = 2
	offDomain      = 4
	offFlags       = 6
	offCorrection  = 8
	offSourcePort  = 20
	offSequenceID  = 30
	offControl     = 32
	offLogInterval = 33
)

// Флаги заголовка (16 бит, старший байт — flagField[0]).
const (
	FlagLeap61             uint16 = 0x0001
	FlagLeap59             uint16 = 0x0002
	FlagUTCOffsetValid     uint16 = 0x0004
	FlagPTPTimescale       uint16 = 0x0008
	FlagTimeTraceable      uint16 = 0x0010
	FlagFrequencyTraceable uint16 = 0x0020
	FlagTwoStep            uint16 = 0x0200
)

// LogIntervalUnused — logMessageInterval для Pdelay_Resp и Pdelay_Resp_Follow_Up.
const LogIntervalUnused int8 = 0x7F

var (
	ErrMalformed      = errors.New("wire: malformed message")
	ErrDomainMismatch = errors.New("wire: domain mismatch")
	ErrUnknownMessage = errors.New("wire: unknown message type")
)

// MessageType — тип сообщения (младший полубайт первого байта).
type MessageType uint8

const (
	MsgSync               MessageType = 0x00
	MsgPdelayReq          MessageType = 0x02
	MsgPdelayResp         MessageType = 0x03
	MsgFollowUp           MessageType = 0x08
	MsgPdelayRespFollowUp MessageType = 0x0A
	MsgAnnounce           MessageType = 0x0B
)

// Размеры полезной нагрузки без вендорских TLV.
const (
	SyncPayloadSize          = 10
	FollowUpPayloadSize      = tstampSize + BaseTLVSize
	PdelayReqPayloadSize     = 20
	PdelayRespPayloadSize    = tstampSize + PortIdentitySize
	PdelayRespFupPayloadSize = tstampSize + PortIdentitySize
	AnnouncePayloadSize      = 42
)

func (m MessageType) String() string {
	switch m {
	case MsgSync:
		return "Sync"
	case MsgPdelayReq:
		return "Pdelay_Req"
	case MsgPdelayResp:
		return "Pdelay_Resp"
	case MsgFollowUp:
		return "Follow_Up"
	case MsgPdelayRespFollowUp:
		return "Pdelay_Resp_Follow_Up"
	case MsgAnnounce:
		return "Announce"
	default:
		return fmt.Sprintf("MessageType(%#x)", uint8(m))
	}
}

// PayloadSize — фиксированный размер нагрузки; 0 для неизвестного типа.
func (m MessageType) PayloadSize() int {
	switch m {
	case MsgSync:
		return SyncPayloadSize
	case MsgFollowUp:
		return FollowUpPayloadSize
	case MsgPdelayReq:
		return PdelayReqPayloadSize
	case MsgPdelayResp:
		return PdelayRespPayloadSize
	case MsgPdelayRespFollowUp:
		return PdelayRespFupPayloadSize
	case MsgAnnounce:
		return AnnouncePayloadSize
	}
	return 0
}

// FrameSize — длина сообщения без вендорских расширений.
func (m MessageType) FrameSize() int {
	return HeaderSize + m.PayloadSize()
}

// Control — значение controlField (устаревшее поле 1588v1, сохраняется для совместимости).
func (m MessageType) Control() uint8 {
	switch m {
	case MsgSync:
		return 0
	case MsgFollowUp:
		return 2
	}
	return 5
}

func (m MessageType) known() bool {
	return m.PayloadSize() != 0
}

// PortIdentitySize — clockIdentity (8) + portNumber (2).
const PortIdentitySize = 10

// PortIdentity — 80-битная идентичность порта.
type PortIdentity struct {
	ClockIdentity [8]byte
	PortNumber    uint16
}

// NewPortIdentity строит идентичность из MAC: 3 байта, FF FE, 3 байта, номер порта.
func NewPortIdentity(addr net.HardwareAddr, port uint16) PortIdentity {
	var id PortIdentity
	if len(addr) >= 6 {
		copy(id.ClockIdentity[0:3], addr[0:3])
		id.ClockIdentity[3] = 0xFF
		id.ClockIdentity[4] = 0xFE
		copy(id.ClockIdentity[5:8], addr[3:6])
	}
	id.PortNumber = port
	return id
}

func (p PortIdentity) String() string {
	c := p.ClockIdentity
	return fmt.Sprintf("%02x%02x%02x.%02x%02x.%02x%02x%02x-%d", c[0], c[1], c[2], c[3], c[4], c[5], c[6], c[7], p.PortNumber)
}

// Put записывает идентичность в 10 байт.
func (p PortIdentity) Put(b []byte) {
	copy(b[0:8], p.ClockIdentity[:])
	binary.BigEndian.PutUint16(b[8:10], p.PortNumber)
}

// ReadPortIdentity читает идентичность из 10 байт.
func ReadPortIdentity(b []byte) PortIdentity {
	var p PortIdentity
	copy(p.ClockIdentity[:], b[0:8])
	p.PortNumber = binary.BigEndian.Uint16(b[8:10])
	return p
}

// Header — общий заголовок PTP.
type Header struct {
	MessageType        MessageType
	TransportSpecific  uint8
	Version            uint8
	MessageLength      uint16
	Domain             uint8
	Flags              uint16
	Correction         int64 // наносекунды * 2^16
	SourcePortIdentity PortIdentity
	SequenceID         uint16
	Control            uint8
	LogMessageInterval int8
}

// NewHeader заполняет заголовок для исходящего кадра с флагами, control и длиной по типу.
func NewHeader(t MessageType, domain uint8, seq uint16, logInterval int8, addr net.HardwareAddr) Header {
	h := Header{
		MessageType:        t,
		TransportSpecific:  TransportSpecific,
		Version:            Version,
		MessageLength:      uint16(t.FrameSize()),
		Domain:             domain,
		SourcePortIdentity: NewPortIdentity(addr, 1),
		SequenceID:         seq,
		Control:            t.Control(),
		LogMessageInterval: logInterval,
	}
	switch t {
	case MsgSync:
		h.Flags = FlagTwoStep | FlagPTPTimescale
	case MsgFollowUp, MsgAnnounce:
		h.Flags = FlagPTPTimescale
	case MsgPdelayResp:
		h.Flags = FlagTwoStep
		h.LogMessageInterval = LogIntervalUnused
	case MsgPdelayRespFollowUp:
		h.LogMessageInterval = LogIntervalUnused
	}
	return h
}

// Put записывает заголовок в первые 34 байта b.
func (h *Header) Put(b []byte) {
	_ = b[HeaderSize-1]
	b[offMsgType] = h.TransportSpecific<<4 | uint8(h.MessageType)&0x0F
	b[offVersion] = h.Version & 0x0F
	binary.BigEndian.PutUint16(b[offLength:], h.MessageLength)
	b[offDomain] = h.Domain
	b[5] = 0
	binary.BigEndian.PutUint16(b[offFlags:], h.Flags)
	binary.BigEndian.PutUint64(b[offCorrection:], uint64(h.Correction))
	clear(b[16:20])
	h.SourcePortIdentity.Put(b[offSourcePort:])
	binary.BigEndian.PutUint16(b[offSequenceID:], h.SequenceID)
	b[offControl] = h.Control
	b[offLogInterval] = uint8(h.LogMessageInterval)
}

// EncodeHeader возвращает заголовок в виде массива.
func EncodeHeader(h Header) [HeaderSize]byte {
	var b [HeaderSize]byte
	h.Put(b[:])
	return b
}

// DecodeHeader разбирает заголовок и проверяет длину и домен.
// Объявленная длина не может превышать буфер и быть меньше фиксированного размера типа.
func DecodeHeader(b []byte, domain uint8) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes, header needs %d", ErrMalformed, len(b), HeaderSize)
	}
	h := Header{
		MessageType:        MessageType(b[offMsgType] & 0x0F),
		TransportSpecific:  b[offMsgType] >> 4,
		Version:            b[offVersion] & 0x0F,
		MessageLength:      binary.BigEndian.Uint16(b[offLength:]),
		Domain:             b[offDomain],
		Flags:              binary.BigEndian.Uint16(b[offFlags:]),
		Correction:         int64(binary.BigEndian.Uint64(b[offCorrection:])),
		SourcePortIdentity: ReadPortIdentity(b[offSourcePort:]),
		SequenceID:         binary.BigEndian.Uint16(b[offSequenceID:]),
		Control:            b[offControl],
		LogMessageInterval: int8(b[offLogInterval]),
	}
	if int(h.MessageLength) > len(b) {
		return h, fmt.Errorf("%w: declared length %d exceeds buffer %d", ErrMalformed, h.MessageLength, len(b))
	}
	if h.Domain != domain {
		return h, fmt.Errorf("%w: got %d, want %d", ErrDomainMismatch, h.Domain, domain)
	}
	if !h.MessageType.known() {
		return h, fmt.Errorf("%w: %s", ErrUnknownMessage, h.MessageType)
	}
	if int(h.MessageLength) < h.MessageType.FrameSize() {
		return h, fmt.Errorf("%w: %s length %d < %d", ErrMalformed, h.MessageType, h.MessageLength, h.MessageType.FrameSize())
	}
	return h, nil
}

// Payload возвращает нагрузку сообщения в границах объявленной длины.
func (h *Header) Payload(frame []byte) []byte {
	return frame[HeaderSize:h.MessageLength]
}
