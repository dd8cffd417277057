package engine

import (
	"errors"
	"net"

	"github.com/shiwa/timecard-mini/gptpsync/internal/timebase"
	"github.com/shiwa/timecard-mini/gptpsync/internal/tstamp"
	"github.com/shiwa/timecard-mini/gptpsync/internal/wire"
)

// ErrBusy — транспорт не может выдать буфер передачи.
var ErrBusy = errors.New("engine: no transmit buffer available")

// LinkID — индекс канала в арене движка.
type LinkID int

// NoPort — кадр относится к самому каналу, а не к порту коммутатора.
const NoPort = -1

// TxBuffer — буфер передачи, выданный транспортом.
type TxBuffer struct {
	Handle uint32
	Data   []byte
	// Port — порт коммутатора для передачи, NoPort для обычного канала.
	Port int
	// CorrelationID — идентификатор транзакции для сопоставления
	// асинхронных меток коммутатора с кадром.
	CorrelationID uint32
	Priority      uint8
}

// RxInfo — сведения о принятом кадре.
type RxInfo struct {
	Timestamp      tstamp.Timestamp
	TimestampValid bool
	// CorrelationID — идентификатор, с которым коммутатор позже сообщит метки этого кадра.
	CorrelationID uint32
}

// Direction — направление метки коммутатора.
type Direction uint8

const (
	Ingress Direction = iota
	Egress
)

func (d Direction) String() string {
	if d == Egress {
		return "egress"
	}
	return "ingress"
}

// Transport — доступ к физическому каналу.
//
// Транспорт сообщает о событиях через методы Engine (OnFrameReceived,
// OnTransmitConfirmed, OnSwitchTimestampIndicated) и не должен вызывать их
// синхронно изнутри Transmit: канал в этот момент заблокирован.
// Метки коммутатора для кадра сообщаются после самого кадра.
type Transport interface {
	ProvideTxBuffer(link LinkID, size int) (*TxBuffer, error)
	ReleaseTxBuffer(link LinkID, buf *TxBuffer)
	Transmit(link LinkID, buf *TxBuffer, dst net.HardwareAddr, length int) error
	EnableEgressTimestamp(link LinkID, buf *TxBuffer)
	// EgressTimestamp вызывается из OnTransmitConfirmed; ok=false — метки нет.
	EgressTimestamp(link LinkID, buf *TxBuffer) (tstamp.Timestamp, bool)
	LocalTime(link LinkID) (tstamp.Timestamp, error)
}

// TimeBase — синхронизированная шкала времени домена.
type TimeBase interface {
	Snapshot() (timebase.Snapshot, error)
	SetGlobalTime(u timebase.Update) error
	SetTimeout(on bool)
	SetOffsetTime(domain uint8, o timebase.Offset) error
	OffsetTime(domain uint8) (timebase.Offset, bool)
	RecordSync(r timebase.SyncRecord)
	RecordPdelay(r timebase.PdelayRecord)
}

// Authenticator — служба вызова/ответа для аутентификации Pdelay.
type Authenticator interface {
	Challenge(link LinkID, seq uint16) (wire.AuthTLV, error)
	Respond(link LinkID, seq uint16, requester wire.PortIdentity, challenge wire.AuthTLV) (wire.AuthTLV, error)
	Verify(link LinkID, seq uint16, requester wire.PortIdentity, challenge, response wire.AuthTLV) error
}

// Logger — журнал движка.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
