//go:build !linux

package rawsock

import (
	"context"
	"net"

	"github.com/shiwa/timecard-mini/gptpsync/internal/engine"
	"github.com/shiwa/timecard-mini/gptpsync/internal/tstamp"
)

// Transport — заглушка на не-Linux: Open всегда возвращает ErrUnsupported.
type Transport struct{}

func Open(Options) (*Transport, error) { return nil, ErrUnsupported }

func (t *Transport) Bind(Receiver) {}

func (t *Transport) Addr(engine.LinkID) (net.HardwareAddr, error) { return nil, ErrUnsupported }

func (t *Transport) Run(context.Context) error { return ErrUnsupported }

func (t *Transport) Close() error { return nil }

func (t *Transport) ProvideTxBuffer(engine.LinkID, int) (*engine.TxBuffer, error) {
	return nil, ErrUnsupported
}

func (t *Transport) ReleaseTxBuffer(engine.LinkID, *engine.TxBuffer) {}

func (t *Transport) EnableEgressTimestamp(engine.LinkID, *engine.TxBuffer) {}

func (t *Transport) EgressTimestamp(engine.LinkID, *engine.TxBuffer) (tstamp.Timestamp, bool) {
	return tstamp.Timestamp{}, false
}

func (t *Transport) LocalTime(engine.LinkID) (tstamp.Timestamp, error) {
	return tstamp.Timestamp{}, ErrUnsupported
}

func (t *Transport) Transmit(engine.LinkID, *engine.TxBuffer, net.HardwareAddr, int) error {
	return ErrUnsupported
}
