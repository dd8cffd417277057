// Package rawsock — транспорт gPTP поверх сырых Ethernet-сокетов Linux
// (AF_PACKET, EtherType 0x88F7) с метками времени SO_TIMESTAMPING.
//
// Каждый канал движка привязан к одному сетевому интерфейсу. Метки приёма
// приходят вместе с кадром, метки отправки читаются из очереди ошибок сокета
// и сопоставляются с буфером по типу сообщения и sequenceId. Локальное время
// канала берётся из PHC интерфейса, если он задан, иначе из системных часов.
package rawsock

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/shiwa/timecard-mini/gptpsync/internal/engine"
)

var (
	// ErrUnsupported — сырые сокеты недоступны на этой платформе.
	ErrUnsupported = errors.New("rawsock: raw sockets are supported on linux only")
	// ErrUnknownLink — у транспорта нет такого канала.
	ErrUnknownLink = errors.New("rawsock: unknown link")
)

// Interface — сетевой интерфейс одного канала.
type Interface struct {
	Name string
	// PHC — устройство часов интерфейса (/dev/ptp0); пусто — системные часы.
	PHC string
}

// Options — параметры транспорта.
type Options struct {
	// Interfaces по порядку соответствуют LinkID движка.
	Interfaces []Interface
	// Hardware включает аппаратные метки (SIOCSHWTSTAMP); иначе программные.
	Hardware bool
	// PollInterval — период опроса сокетов и сброса потерянных меток отправки.
	PollInterval time.Duration
	// TxTimestampTimeout — сколько ждать метку отправки до подтверждения без неё.
	TxTimestampTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 50 * time.Millisecond
	}
	if o.TxTimestampTimeout <= 0 {
		o.TxTimestampTimeout = 100 * time.Millisecond
	}
}

// Receiver — получатель событий транспорта (engine.Engine).
type Receiver interface {
	OnFrameReceived(id engine.LinkID, port int, src net.HardwareAddr, frame []byte, rx engine.RxInfo)
	OnTransmitConfirmed(id engine.LinkID, buf *engine.TxBuffer)
	OnLinkStateChanged(id engine.LinkID, up bool)
}

// queue выполняет отложенные вызовы движка вне Transmit. Очередь не
// ограничена: Transmit не должен ждать, пока движок освободит канал.
type queue struct {
	mu   sync.Mutex
	fns  []func()
	kick chan struct{}
}

func newQueue() *queue {
	return &queue{kick: make(chan struct{}, 1)}
}

func (q *queue) post(fn func()) {
	q.mu.Lock()
	q.fns = append(q.fns, fn)
	q.mu.Unlock()
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

func (q *queue) take() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	fns := q.fns
	q.fns = nil
	return fns
}

// run выполняет вызовы до отмены контекста.
func (q *queue) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.kick:
			for _, fn := range q.take() {
				fn()
			}
		}
	}
}
