package engine

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shiwa/timecard-mini/gptpsync/internal/diag"
	"github.com/shiwa/timecard-mini/gptpsync/internal/timebase"
	"github.com/shiwa/timecard-mini/gptpsync/internal/tstamp"
	"github.com/shiwa/timecard-mini/gptpsync/internal/wire"
)

// link — контекст одного канала. Все поля, кроме frames, debounceUntil
// и deferred, защищены mu; обработчик события держит mu целиком.
type link struct {
	mu sync.Mutex

	e        *Engine
	id       LinkID
	cfg      LinkConfig
	tb       TimeBase
	identity wire.PortIdentity
	dst      net.HardwareAddr

	up        bool
	txEnabled bool

	frames        txFlags
	debounceUntil atomic.Uint64
	// deferred — Sync/Follow_Up ждут debounceUntil; такт не трогает канал
	// до глобального минимума пробуждения.
	deferred atomic.Bool
	scans    uint64

	t timing

	master   masterCtx
	slave    slaveCtx
	announce announceCtx
	pd       *pdelay
	ports    []*port
	bridge   *bridgeCtx
	corr     tstamp.CorrectionDecoder
	corrID   uint32
}

// timing — интервалы конфигурации в тактах планировщика.
type timing struct {
	sync        uint32
	fup         uint32
	pair        uint32
	debounce    uint32
	resume      uint32
	announce    uint32
	pdelay      uint32
	pdelayResp  uint32
	bridgeDelay uint32
}

func ticksOf(d, period time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32((d + period - 1) / period)
}

func newTiming(c *LinkConfig, period time.Duration) timing {
	t := timing{
		sync:       ticksOf(c.SyncInterval, period),
		fup:        ticksOf(c.FollowUpTimeout, period),
		pair:       ticksOf(c.SyncPairTimeout, period),
		debounce:   ticksOf(c.DebounceTime, period),
		resume:     ticksOf(c.CyclicResumeTime, period),
		announce:   ticksOf(c.Announce.Interval, period),
		pdelay:     ticksOf(c.Pdelay.Interval, period),
		pdelayResp: ticksOf(c.Pdelay.RespTimeout, period),
	}
	if c.Bridge != nil {
		t.bridgeDelay = ticksOf(c.Bridge.TxPeriod/2, period)
	}
	if t.fup == 0 {
		t.fup = t.sync
	}
	if t.pdelayResp == 0 {
		t.pdelayResp = t.pdelay
	}
	return t
}

func newLink(e *Engine, id LinkID, cfg LinkConfig, tb TimeBase) *link {
	l := &link{
		e:         e,
		id:        id,
		cfg:       cfg,
		tb:        tb,
		identity:  wire.NewPortIdentity(cfg.Addr, 1),
		dst:       cfg.Destination,
		txEnabled: true,
		t:         newTiming(&cfg, e.period),
	}
	if len(l.dst) == 0 {
		l.dst = wire.DefaultDestination
	}
	if cfg.Bridge != nil {
		l.bridge = newBridge(l, cfg.Bridge)
	} else if cfg.Pdelay.Initiator || cfg.Pdelay.Responder {
		l.pd = newPdelay(l, NoPort, l.identity, &l.frames, cfg.Pdelay.Initiator, cfg.Pdelay.Responder)
	}
	return l
}

// header строит заголовок исходящего кадра от имени канала.
func (l *link) header(t wire.MessageType, seq uint16, logInterval int8) wire.Header {
	return wire.NewHeader(t, l.cfg.Domain, seq, logInterval, l.cfg.Addr)
}

// allocate запрашивает буфер и проверяет его размер.
func (l *link) allocate(size, portIdx int) (*TxBuffer, error) {
	buf, err := l.e.tr.ProvideTxBuffer(l.id, size)
	if err != nil {
		return nil, err
	}
	if len(buf.Data) < size {
		l.e.tr.ReleaseTxBuffer(l.id, buf)
		return nil, ErrBusy
	}
	buf.Port = portIdx
	buf.Priority = l.cfg.Priority
	return buf, nil
}

// transmit отправляет кадр; при ошибке буфер считается возвращённым транспорту.
func (l *link) transmit(buf *TxBuffer, length int, timestamp bool) error {
	if timestamp {
		l.e.tr.EnableEgressTimestamp(l.id, buf)
	}
	return l.e.tr.Transmit(l.id, buf, l.dst, length)
}

func (l *link) nextCorrelationID() uint32 {
	l.corrID++
	if l.corrID == 0 {
		l.corrID = 1
	}
	return l.corrID
}

func (l *link) report(ev diag.Event, failed bool) {
	l.e.diag.Report(l.cfg.Name, ev, failed)
}

// touchDebounce откладывает следующий Sync/Follow_Up на время успокоения.
func (l *link) touchDebounce(now uint64) {
	if l.t.debounce == 0 {
		return
	}
	until := now + uint64(l.t.debounce)
	l.debounceUntil.Store(until)
	l.e.scheduleWake(until)
}

// pending — объединение флагов канала и его портов.
func (l *link) pending() TxFlag {
	f := l.frames.load()
	for _, p := range l.ports {
		f |= p.frames.load()
	}
	return f
}

// pathDelay — текущая задержка пути для приёма Sync.
func (l *link) pathDelay() uint32 {
	switch {
	case l.pd != nil:
		return l.pd.current()
	case l.bridge != nil && l.bridge.slave != nil && l.bridge.slave.pd != nil:
		return l.bridge.slave.pd.current()
	}
	return l.cfg.Pdelay.Default
}

// setUp обрабатывает смену состояния линии; при падении сбрасывает все контексты.
func (l *link) setUp(up bool) {
	if up == l.up {
		return
	}
	l.up = up
	l.resetMaster()
	l.slave.reset()
	l.frames.reset()
	if l.pd != nil {
		l.pd.reset()
	}
	if l.bridge != nil {
		l.bridge.reset()
	}
	if !up {
		return
	}
	l.master.countdown = 1
	l.announce.countdown = 1
	l.slave.pairCountdown = l.t.pair
	if l.pd != nil {
		l.pd.countdown = 1
	}
	for _, p := range l.ports {
		if p.pd != nil {
			p.pd.countdown = 1
		}
	}
}

func (l *link) tickTimeouts(now uint64) {
	if !l.up {
		return
	}
	l.masterTimeouts()
	if l.cfg.Role == RoleSlave {
		l.slaveTimeouts()
	}
	if l.pd != nil {
		l.pd.tickTimeout()
	}
	if l.bridge != nil {
		l.bridge.tickTimeouts()
	}
}

func (l *link) tickTriggers(now uint64) {
	if !l.up {
		return
	}
	if l.cfg.Role == RoleMaster && l.txEnabled {
		if l.bridge != nil {
			l.bridge.trigger(now)
		} else {
			l.masterTrigger()
		}
		l.announceTrigger()
	}
	if l.bridge != nil {
		l.bridge.delayedTrigger(now)
	}
	if l.pd != nil {
		l.pd.tickTrigger()
	}
	for _, p := range l.ports {
		if p.pd != nil {
			p.pd.tickTrigger()
		}
	}
}

// waiting — канал ждёт только окончания debounce.
func (l *link) waiting(now uint64) bool {
	return l.deferred.Load() && now < l.debounceUntil.Load()
}

// processFrames отправляет кадры, помеченные к передаче. Sync и Follow_Up
// ждут окончания debounce; Pdelay и Announce уходят сразу.
func (l *link) processFrames(now uint64) {
	l.scans++
	if !l.up {
		l.frames.reset()
		l.deferred.Store(false)
		return
	}
	if l.pd != nil {
		l.pd.process()
	}
	for _, p := range l.ports {
		if p.pd != nil {
			p.pd.process()
		}
	}
	if l.frames.has(TxAnnounce) {
		l.frames.clear(TxAnnounce)
		l.sendAnnounce()
	}
	if l.pending()&debounced == 0 {
		l.deferred.Store(false)
		return
	}
	if until := l.debounceUntil.Load(); now < until {
		l.deferred.Store(true)
		l.e.scheduleWake(until)
		return
	}
	l.deferred.Store(false)
	if l.bridge != nil {
		l.bridge.process(now)
		return
	}
	if l.frames.has(TxSync) {
		l.frames.clear(TxSync)
		l.sendSync(now)
	}
	if l.frames.has(TxFollowUp) {
		l.frames.clear(TxFollowUp)
		l.sendFollowUp(now)
	}
}

// onFrame разбирает заголовок и направляет кадр обработчику типа.
func (l *link) onFrame(now uint64, portIdx int, frame []byte, rx RxInfo) {
	h, err := wire.DecodeHeader(frame, l.cfg.Domain)
	if err != nil {
		l.e.log.Debugf("%s: кадр отброшен: %v", l.cfg.Name, err)
		return
	}
	frame = frame[:h.MessageLength]

	if l.bridge != nil {
		l.bridge.onFrame(now, portIdx, &h, frame, rx)
		return
	}
	switch h.MessageType {
	case wire.MsgSync:
		l.onSync(&h, rx)
	case wire.MsgFollowUp:
		l.onFollowUp(&h, frame)
	case wire.MsgPdelayReq, wire.MsgPdelayResp, wire.MsgPdelayRespFollowUp:
		if l.pd == nil {
			return
		}
		l.pd.onFrame(&h, frame, rx)
	case wire.MsgAnnounce:
		l.onAnnounce(&h, frame)
	}
}

// onConfirmed сопоставляет подтверждение передачи с ожидающим контекстом.
func (l *link) onConfirmed(now uint64, buf *TxBuffer) {
	if l.master.buf == buf {
		l.onSyncConfirmed(now, buf)
		return
	}
	if l.pd != nil && l.pd.onConfirmed(buf) {
		return
	}
	for _, p := range l.ports {
		if p.pd != nil && p.pd.onConfirmed(buf) {
			return
		}
	}
	l.e.log.Debugf("%s: подтверждение неизвестного буфера %d", l.cfg.Name, buf.Handle)
}

func (l *link) recordSync(r timebase.SyncRecord) {
	if !l.cfg.TimeValidation {
		return
	}
	r.Link = l.cfg.Name
	r.Domain = l.cfg.Domain
	l.tb.RecordSync(r)
}

func (l *link) recordPdelay(r timebase.PdelayRecord) {
	if !l.cfg.TimeValidation {
		return
	}
	r.Link = l.cfg.Name
	l.tb.RecordPdelay(r)
}
