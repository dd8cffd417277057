package refclock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/shiwa/timecard-mini/gptpsync/internal/logger"
	"github.com/shiwa/timecard-mini/gptpsync/internal/ubx"
)

var log = logger.New("refclock")

// NAV-PVT обычно приходит раз в секунду; чтение порта не блокируется дольше.
const gnssReadTimeout = 1500 * time.Millisecond

type packetReader interface {
	Next() (ubx.Packet, error)
}

// GNSS — источник времени по приёмнику u-blox (UBX-NAV-PVT).
// Run читает решения в фоне; Now экстраполирует последнее пригодное
// решение по системным часам.
type GNSS struct {
	fixClock
	name     string
	r        packetReader
	closer   io.Closer
	once     sync.Once
	closeErr error
}

// GNSSOptions — параметры GNSS-источника.
type GNSSOptions struct {
	Device   string
	Baud     int
	Holdover time.Duration
	// Offset — статическая поправка (задержка выдачи NAV-PVT).
	Offset time.Duration
	// TimePulse — если задан, при открытии настраивается CFG-TP5.
	TimePulse *ubx.TimePulse
}

// OpenGNSS открывает приёмник на последовательном порту.
func OpenGNSS(o GNSSOptions) (*GNSS, error) {
	if o.Baud == 0 {
		o.Baud = 9600
	}
	port, err := ubx.Open(o.Device, o.Baud, gnssReadTimeout)
	if err != nil {
		return nil, err
	}
	if o.TimePulse != nil {
		pkt, err := o.TimePulse.Packet()
		if err == nil {
			err = port.Configure(pkt, 32)
		}
		if err != nil {
			_ = port.Close()
			return nil, fmt.Errorf("gnss %s: timepulse: %w", o.Device, err)
		}
		log.Infof("gnss %s: импульс времени настроен (период %v, длительность %v)",
			o.Device, o.TimePulse.Period, o.TimePulse.Width)
	}
	return newGNSS("gnss:"+o.Device, port, port, o.Holdover, o.Offset), nil
}

func newGNSS(name string, r packetReader, c io.Closer, holdover, offset time.Duration) *GNSS {
	return &GNSS{fixClock: newFixClock(holdover, offset), name: name, r: r, closer: c}
}

func (g *GNSS) Name() string     { return g.name }
func (g *GNSS) Protocol() string { return "gnss" }

// Run читает NAV-PVT до отмены ctx или закрытия порта.
func (g *GNSS) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = g.Close() })
	defer stop()
	for {
		pkt, err := g.r.Next()
		switch {
		case err == nil:
			if pkt.Is(ubx.ClassNAV, ubx.IDNAVPVT) {
				g.handle(pkt.Payload)
			}
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ubx.ErrChecksum), errors.Is(err, ubx.ErrTooLong), errors.Is(err, io.ErrNoProgress):
			log.Debugf("%s: %v", g.name, err)
		default:
			return fmt.Errorf("%s: %w", g.name, err)
		}
	}
}

func (g *GNSS) handle(payload []byte) {
	pvt, err := ubx.ParseNavPVT(payload)
	if err != nil {
		log.Debugf("%s: %v", g.name, err)
		return
	}
	if g.observe(pvt.Time, pvt.Usable()) {
		log.Infof("%s: первое решение %v", g.name, pvt)
	}
}

func (g *GNSS) Close() error {
	g.once.Do(func() {
		if g.closer != nil {
			g.closeErr = g.closer.Close()
		}
	})
	return g.closeErr
}
