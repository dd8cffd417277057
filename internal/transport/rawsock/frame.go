package rawsock

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/shiwa/timecard-mini/gptpsync/internal/wire"
)

// EtherTypePTP — EtherType кадров gPTP.
const EtherTypePTP = layers.EthernetType(wire.EtherType)

// ErrNotPTP — кадр не несёт gPTP.
var ErrNotPTP = errors.New("rawsock: not a gPTP frame")

// Frame — разобранный Ethernet-кадр gPTP.
type Frame struct {
	Src, Dst net.HardwareAddr
	// VLAN — идентификатор 802.1Q, 0 для нетегированного кадра.
	VLAN     uint16
	Priority uint8
	Payload  []byte
}

// Encode оборачивает сообщение gPTP в Ethernet-кадр. Короткие кадры
// дополняются до минимального размера. priority > 0 добавляет тег 802.1Q
// с VLAN 0 (priority tag).
func Encode(dst, src net.HardwareAddr, priority uint8, payload []byte) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	eth := &layers.Ethernet{SrcMAC: src, DstMAC: dst, EthernetType: EtherTypePTP}
	ls := []gopacket.SerializableLayer{eth}
	if priority > 0 {
		eth.EthernetType = layers.EthernetTypeDot1Q
		ls = append(ls, &layers.Dot1Q{Priority: priority & 0x7, Type: EtherTypePTP})
	}
	ls = append(ls, gopacket.Payload(payload))
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, ls...); err != nil {
		return nil, fmt.Errorf("rawsock: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode разбирает Ethernet-кадр (в том числе с тегом 802.1Q) и возвращает
// сообщение gPTP. Payload ссылается на b.
func Decode(b []byte) (Frame, error) {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return Frame{}, fmt.Errorf("rawsock: decode: %w", err)
	}
	f := Frame{Src: eth.SrcMAC, Dst: eth.DstMAC}
	typ, payload := eth.EthernetType, eth.Payload
	if typ == layers.EthernetTypeDot1Q {
		var tag layers.Dot1Q
		if err := tag.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			return Frame{}, fmt.Errorf("rawsock: decode vlan: %w", err)
		}
		f.VLAN, f.Priority = tag.VLANIdentifier, tag.Priority
		typ, payload = tag.Type, tag.Payload
	}
	if typ != EtherTypePTP {
		return Frame{}, fmt.Errorf("%w: ethertype %v", ErrNotPTP, typ)
	}
	f.Payload = payload
	return f, nil
}

// txKey сопоставляет кадр из очереди ошибок с отправленным буфером.
type txKey struct {
	msgType uint8
	seq     uint16
}

// keyOf читает тип и sequenceId из сообщения gPTP.
func keyOf(msg []byte) (txKey, bool) {
	if len(msg) < wire.HeaderSize {
		return txKey{}, false
	}
	return txKey{msgType: msg[0] & 0x0F, seq: uint16(msg[30])<<8 | uint16(msg[31])}, true
}
