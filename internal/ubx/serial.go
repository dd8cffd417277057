package ubx

import (
	"errors"
	"fmt"
	"time"

	"github.com/tarm/serial"
)

// ErrNak — приёмник отклонил конфигурацию.
var ErrNak = errors.New("ubx: configuration rejected (NAK)")

// Port — приёмник на последовательном порту.
type Port struct {
	port   *serial.Port
	reader *Reader
	device string
}

// Open открывает порт; timeout ограничивает одно чтение (0 — без ограничения).
func Open(device string, baud int, timeout time.Duration) (*Port, error) {
	p, err := serial.OpenPort(&serial.Config{Name: device, Baud: baud, ReadTimeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("serial open %s: %w", device, err)
	}
	return &Port{port: p, reader: NewReader(p), device: device}, nil
}

func (p *Port) Device() string { return p.device }

// Write отправляет сообщение.
func (p *Port) Write(pkt Packet) error {
	_, err := p.port.Write(pkt.Encode())
	return err
}

// Next читает следующий кадр.
func (p *Port) Next() (Packet, error) { return p.reader.Next() }

// Configure отправляет CFG-сообщение и ждёт ACK/NAK не более maxFrames кадров.
func (p *Port) Configure(pkt Packet, maxFrames int) error {
	if err := p.Write(pkt); err != nil {
		return err
	}
	return awaitAck(p.reader, pkt, maxFrames)
}

func awaitAck(r *Reader, pkt Packet, maxFrames int) error {
	for i := 0; i < maxFrames; i++ {
		got, err := r.Next()
		if errors.Is(err, ErrChecksum) {
			continue
		}
		if err != nil {
			return err
		}
		if got.Class != ClassACK || len(got.Payload) < 2 || got.Payload[0] != pkt.Class || got.Payload[1] != pkt.ID {
			continue
		}
		if got.ID == IDNAK {
			return ErrNak
		}
		return nil
	}
	return fmt.Errorf("ubx: no ACK for class 0x%02x id 0x%02x", pkt.Class, pkt.ID)
}

func (p *Port) Close() error {
	if p.port == nil {
		return nil
	}
	return p.port.Close()
}
