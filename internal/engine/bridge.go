package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/shiwa/timecard-mini/gptpsync/internal/diag"
	"github.com/shiwa/timecard-mini/gptpsync/internal/secure"
	"github.com/shiwa/timecard-mini/gptpsync/internal/timebase"
	"github.com/shiwa/timecard-mini/gptpsync/internal/tstamp"
	"github.com/shiwa/timecard-mini/gptpsync/internal/wire"
)

// maxResidenceSeconds — время пребывания в мосту, с которого поправка не вносится.
const maxResidenceSeconds = 4

// port — порт коммутатора и его метки, сопоставляемые по идентификатору транзакции.
type port struct {
	idx      int
	cfg      PortConfig
	identity wire.PortIdentity
	master   bool

	state   PortState
	corrID  uint32
	ingress tstamp.Timestamp
	egress  tstamp.Timestamp
	frames  txFlags
	pd      *pdelay
}

func (p *port) idle() {
	p.state = PortIdle
	p.corrID = 0
	p.frames.clear(debounced)
}

// bridgeCtx — канал коммутатора. Приёмная сторона (слейв-порт, хост-порт)
// и передающая (мастер-порты) ведут отдельные циклы.
type bridgeCtx struct {
	l     *link
	cfg   *BridgeConfig
	host  *port
	slave *port

	rxState SyncState
	rxWait  uint32
	txState SyncState
	txWait  uint32

	syncFrame  []byte
	cpuIngress tstamp.Timestamp

	fupReceived  bool
	fupHdr       wire.Header
	fupFrame     []byte
	base, corr   tstamp.Timestamp
	ext          *wire.Extension
	synchronized bool

	txSeq     uint16
	nextTxSeq uint16
	snap      timebase.Snapshot
	delay     uint32
}

func newBridge(l *link, cfg *BridgeConfig) *bridgeCtx {
	b := &bridgeCtx{l: l, cfg: cfg}
	for i, pc := range cfg.Ports {
		p := &port{
			idx:      i,
			cfg:      pc,
			identity: wire.NewPortIdentity(l.cfg.Addr, pc.sourcePort()),
			master:   i != cfg.HostPort && i != cfg.SlavePort,
		}
		if i != cfg.HostPort && (pc.PdelayInitiator || pc.PdelayResponder) {
			p.pd = newPdelay(l, i, p.identity, &p.frames, pc.PdelayInitiator, pc.PdelayResponder)
		}
		l.ports = append(l.ports, p)
	}
	b.host = l.ports[cfg.HostPort]
	if cfg.SlavePort != NoPort {
		b.slave = l.ports[cfg.SlavePort]
	}
	return b
}

// stampPort записывает индекс коммутатора и номер порта в байты 6-7 correction.
func (b *bridgeCtx) stampPort(corr int64, p *port) int64 {
	if !b.cfg.PortIdxInCorrField {
		return corr
	}
	return corr&^0xFFFF | int64(b.cfg.SwitchIdx)<<8 | int64(p.cfg.Number&0xFF)
}

// restamp правит копию принятого кадра для порта p: номер порта источника,
// если он задан, и индексы в correction.
func (b *bridgeCtx) restamp(frame []byte, p *port) {
	if p.cfg.SourcePort != 0 {
		binary.BigEndian.PutUint16(frame[28:], p.cfg.SourcePort)
	}
	if b.cfg.PortIdxInCorrField {
		frame[14], frame[15] = b.cfg.SwitchIdx, uint8(p.cfg.Number)
	}
}

// relay — прозрачная ретрансляция принятых Sync/Follow_Up.
func (b *bridgeCtx) relay() bool {
	return b.cfg.Simple && b.l.cfg.Role == RoleSlave
}

// syncsLocal — мост обновляет собственную шкалу по принятому времени.
func (b *bridgeCtx) syncsLocal() bool {
	return b.l.cfg.Role == RoleSlave && (!b.cfg.Simple || b.cfg.Synchronize)
}

func (b *bridgeCtx) state() SyncState {
	if b.rxState != StateIdle {
		return b.rxState
	}
	return b.txState
}

func (b *bridgeCtx) reset() {
	for _, p := range b.l.ports {
		p.idle()
		p.frames.reset()
		if p.pd != nil {
			p.pd.reset()
		}
	}
	b.resetRx()
	b.txState = StateIdle
	b.delay = 0
}

func (b *bridgeCtx) resetRx() {
	b.rxState = StateIdle
	b.fupReceived = false
	b.synchronized = false
	if b.slave != nil {
		b.slave.idle()
	}
	b.host.idle()
}

func (b *bridgeCtx) resetTx() {
	b.txState = StateIdle
	for _, p := range b.l.ports {
		if p.master {
			p.idle()
		}
	}
}

func (b *bridgeCtx) tickTimeouts() {
	for _, p := range b.l.ports {
		if p.pd != nil {
			p.pd.tickTimeout()
		}
	}
	if b.rxState != StateIdle && b.rxWait > 0 {
		b.rxWait--
		if b.rxWait == 0 {
			if !b.fupReceived || (b.syncsLocal() && !b.synchronized) {
				b.l.dropPair(fmt.Sprintf("цикл моста не завершён (%s, слейв-порт %s, хост-порт %s)",
					b.rxState, b.slave.state, b.host.state))
			}
			b.resetRx()
			if b.relay() {
				b.resetTx()
			}
		}
	}
	if b.txState != StateIdle && b.txWait > 0 {
		b.txWait--
		if b.txWait == 0 {
			b.l.e.log.Debugf("%s: нет меток отправки на мастер-портах", b.l.cfg.Name)
			b.resetTx()
		}
	}
}

// trigger — периодический Sync моста-гроссмейстера.
func (b *bridgeCtx) trigger(now uint64) {
	l := b.l
	m := &l.master
	l.checkImmediate()
	if m.countdown > 0 {
		m.countdown--
	}
	if !m.immediate && m.countdown > 0 {
		return
	}
	if b.txState != StateIdle {
		return
	}
	b.startMasterSync()
	if m.immediate && l.t.resume > 0 {
		m.countdown = l.t.resume
	} else {
		m.countdown = l.t.sync
	}
	m.immediate = false
}

// delayedTrigger — Sync на мастер-портах граничного моста после пересинхронизации.
func (b *bridgeCtx) delayedTrigger(now uint64) {
	if b.delay == 0 {
		return
	}
	b.delay--
	if b.delay == 0 && b.txState == StateIdle && b.l.txEnabled {
		b.startMasterSync()
	}
}

func (b *bridgeCtx) startMasterSync() {
	l := b.l
	snap, err := l.tb.Snapshot()
	if err != nil {
		l.e.log.Errorf("%s: шкала времени недоступна: %v", l.cfg.Name, err)
		return
	}
	b.snap = snap
	b.txSeq = b.nextTxSeq
	b.nextTxSeq++
	for _, p := range l.ports {
		if p.master {
			p.frames.set(TxSync)
		}
	}
	b.txState = StateWaitEgressTimestamp
	b.txWait = l.t.fup
}

func (b *bridgeCtx) onFrame(now uint64, portIdx int, h *wire.Header, frame []byte, rx RxInfo) {
	l := b.l
	if portIdx < 0 || portIdx >= len(l.ports) {
		l.e.log.Debugf("%s: кадр с неизвестного порта %d", l.cfg.Name, portIdx)
		return
	}
	p := l.ports[portIdx]
	switch h.MessageType {
	case wire.MsgSync:
		if p != b.slave {
			l.e.log.Debugf("%s: Sync %d на порту %d не слейв", l.cfg.Name, h.SequenceID, portIdx)
			l.report(diag.UnexpectedSync, true)
			return
		}
		b.onSync(h, frame, rx)
	case wire.MsgFollowUp:
		if p == b.slave {
			b.onFollowUp(now, h, frame)
		}
	case wire.MsgPdelayReq, wire.MsgPdelayResp, wire.MsgPdelayRespFollowUp:
		if p.pd != nil {
			p.pd.onFrame(h, frame, rx)
		}
	case wire.MsgAnnounce:
		if p == b.slave {
			l.onAnnounce(h, frame)
		}
	}
}

func (b *bridgeCtx) onSync(h *wire.Header, frame []byte, rx RxInfo) {
	l := b.l
	if b.rxState != StateIdle {
		b.resetRx()
	}
	if !l.acceptSync(h, rx) {
		return
	}
	b.syncFrame = append(b.syncFrame[:0], frame...)
	b.cpuIngress = rx.Timestamp
	b.slave.corrID = rx.CorrelationID
	b.slave.state = PortWaitIngress
	if b.syncsLocal() {
		b.host.corrID = rx.CorrelationID
		b.host.state = PortWaitEgress
	}
	b.rxState = StateWaitSwitchIngressTimestamp
	b.rxWait = l.t.fup
	if !b.relay() {
		return
	}
	if b.txState != StateIdle {
		b.resetTx()
	}
	for _, p := range l.ports {
		if p.master {
			p.frames.set(TxSync)
		}
	}
	b.txState = StateWaitEgressTimestamp
	b.txWait = l.t.fup
	b.rxState = StateReadyForPortRelay
}

func (b *bridgeCtx) onFollowUp(now uint64, h *wire.Header, frame []byte) {
	l := b.l
	if !l.matchFollowUp(h) {
		return
	}
	base, corr, ext, err := l.followUpTime(h, frame)
	if err != nil {
		l.dropPair(fmt.Sprintf("Follow_Up %d отброшен: %v", h.SequenceID, err))
		b.resetRx()
		if b.relay() {
			b.resetTx()
		}
		return
	}
	b.fupHdr = *h
	b.fupFrame = append(b.fupFrame[:0], frame...)
	b.base, b.corr, b.ext = base, corr, ext
	b.fupReceived = true
	if !b.syncsLocal() {
		l.syncSucceeded()
	}
	if b.rxState == StateWaitSwitchIngressTimestamp && !b.relay() {
		b.rxState = StateReadyForBridgeSync
	}
	b.advance(now)
}

func (b *bridgeCtx) onSwitchTimestamp(now uint64, portIdx int, corrID uint32, dir Direction, ts tstamp.Timestamp) {
	l := b.l
	if portIdx < 0 || portIdx >= len(l.ports) {
		return
	}
	p := l.ports[portIdx]
	if corrID == 0 || corrID != p.corrID {
		l.e.log.Debugf("%s: метка %s порта %d для чужой транзакции %d (ожидается %d)",
			l.cfg.Name, dir, portIdx, corrID, p.corrID)
		return
	}
	if !ts.Valid() {
		l.e.log.Debugf("%s: недействительная метка %s порта %d", l.cfg.Name, dir, portIdx)
		p.idle()
		return
	}
	switch {
	case dir == Ingress && p.state == PortWaitIngress:
		p.ingress = ts
		p.state = PortValidIngress
	case dir == Egress && p.state == PortWaitEgress:
		p.egress = ts
		p.state = PortReadyForFollowUp
	default:
		return
	}
	b.advance(now)
}

// advance продвигает порты, для которых собраны метки и данные.
func (b *bridgeCtx) advance(now uint64) {
	relay := b.relay()
	for _, p := range b.l.ports {
		if !p.master || p.state != PortReadyForFollowUp || p.frames.has(TxFollowUp) {
			continue
		}
		if !relay || (b.fupReceived && b.slave.state == PortValidIngress) {
			p.frames.set(TxFollowUp)
		}
	}
	if b.rxState != StateIdle && b.fupReceived && b.syncsLocal() && !b.synchronized &&
		b.slave.state == PortValidIngress && b.host.state == PortReadyForFollowUp {
		b.synchronize(now)
	}
	b.finish()
}

// synchronize: глобальное время = POT + correction + pdelay + (now − T6) + (T5 − T4),
// где T4 — приём на слейв-порту, T5 — отправка на хост-порт, T6 — приём процессором.
func (b *bridgeCtx) synchronize(now uint64) {
	l := b.l
	b.synchronized = true
	residence := tstamp.Sub(b.host.egress, b.slave.ingress)
	err := l.applyGlobalTime(&b.fupHdr, b.base, b.corr, l.pathDelay(), b.cpuIngress, residence, b.ext)
	b.host.idle()
	if err != nil {
		l.dropPair(fmt.Sprintf("пересинхронизация моста: %v", err))
		return
	}
	l.syncSucceeded()
	if b.cfg.Simple {
		return
	}
	if l.t.bridgeDelay == 0 {
		if b.txState == StateIdle && l.txEnabled {
			b.startMasterSync()
		}
		return
	}
	b.delay = l.t.bridgeDelay
}

// finish закрывает завершённые циклы.
func (b *bridgeCtx) finish() {
	mastersIdle := true
	for _, p := range b.l.ports {
		if p.master && (p.state != PortIdle || p.frames.load()&debounced != 0) {
			mastersIdle = false
			break
		}
	}
	if b.txState != StateIdle && mastersIdle {
		b.txState = StateIdle
	}
	if b.rxState == StateIdle || !b.fupReceived {
		return
	}
	done := !b.syncsLocal() || b.synchronized
	if b.relay() {
		done = done && mastersIdle
	}
	if done {
		b.resetRx()
	}
}

// process отправляет Sync и Follow_Up на мастер-порты.
func (b *bridgeCtx) process(now uint64) {
	sent := false
	for _, p := range b.l.ports {
		if !p.master {
			continue
		}
		if p.frames.has(TxSync) {
			p.frames.clear(TxSync)
			sent = b.sendPortSync(p) || sent
		}
		if p.frames.has(TxFollowUp) {
			p.frames.clear(TxFollowUp)
			sent = b.sendPortFollowUp(p) || sent
		}
	}
	if b.rxState == StateReadyForPortRelay {
		b.rxState = StateWaitSwitchIngressTimestamp
	}
	if sent {
		b.l.touchDebounce(now)
	}
	b.finish()
}

func (b *bridgeCtx) sendPortSync(p *port) bool {
	l := b.l
	size := wire.MsgSync.FrameSize()
	if b.relay() {
		size = len(b.syncFrame)
	}
	buf, err := l.allocate(size, p.idx)
	if err != nil {
		l.e.log.Debugf("%s: Sync на порт %d пропущен: %v", l.cfg.Name, p.idx, err)
		p.idle()
		return false
	}
	if b.relay() {
		copy(buf.Data, b.syncFrame)
		b.restamp(buf.Data, p)
	} else {
		h := l.header(wire.MsgSync, b.txSeq, l.cfg.SyncLogInterval)
		h.SourcePortIdentity = p.identity
		h.Correction = b.stampPort(h.Correction, p)
		h.Put(buf.Data)
		wire.PutSync(buf.Data[wire.HeaderSize:])
	}
	corrID := l.nextCorrelationID()
	buf.CorrelationID = corrID
	if err := l.transmit(buf, size, false); err != nil {
		l.e.log.Debugf("%s: ошибка передачи Sync на порт %d: %v", l.cfg.Name, p.idx, err)
		p.idle()
		return false
	}
	p.corrID = corrID
	p.state = PortWaitEgress
	return true
}

func (b *bridgeCtx) sendPortFollowUp(p *port) bool {
	l := b.l
	if p.state != PortReadyForFollowUp {
		return false
	}
	defer p.idle()
	if b.relay() {
		return b.relayFollowUp(p)
	}
	pot, ok := tstamp.AddDiff(b.snap.Global, tstamp.Sub(p.egress, b.snap.Local))
	if !ok {
		l.e.log.Errorf("%s: отрицательное время отправки на порт %d", l.cfg.Name, p.idx)
		return false
	}
	if !l.sendFollowUpFrame(p.idx, b.txSeq, p.identity, b.stampPort(0, p), pot, b.snap) {
		return false
	}
	l.recordSync(timebase.SyncRecord{
		Master:      true,
		SequenceID:  b.txSeq,
		POT:         pot,
		Local:       p.egress,
		GlobalAfter: pot,
	})
	return true
}

// relayFollowUp пересылает принятый Follow_Up, добавляя к correction время
// пребывания в мосту и задержку слейв-порта. Кадр копируется целиком; при
// наличии подзаписи Time пересчитывается только её CRC.
func (b *bridgeCtx) relayFollowUp(p *port) bool {
	l := b.l
	res := tstamp.Sub(p.egress, b.slave.ingress)
	if !res.Positive || res.Value.SecondsHi != 0 || res.Value.Seconds >= maxResidenceSeconds {
		l.e.log.Debugf("%s: время пребывания на порту %d вне диапазона: %v", l.cfg.Name, p.idx, res.Value)
		return false
	}
	ns, _ := res.Value.Nanoseconds64()
	ns += uint64(l.pathDelay())

	h := b.fupHdr
	h.Correction = b.stampPort(h.Correction+tstamp.EncodeCorrection(ns), p)
	if p.cfg.SourcePort != 0 {
		h.SourcePortIdentity.PortNumber = p.cfg.SourcePort
	}

	size := len(b.fupFrame)
	buf, err := l.allocate(size, p.idx)
	if err != nil {
		l.e.log.Debugf("%s: Follow_Up на порт %d пропущен: %v", l.cfg.Name, p.idx, err)
		return false
	}
	copy(buf.Data, b.fupFrame)
	h.Put(buf.Data)
	if b.ext != nil && b.ext.Time != nil {
		// CRC_Time_1 может покрывать correction
		payload := buf.Data[wire.HeaderSize:size]
		pot := tstamp.Read(payload)
		crc0, crc1 := secure.TimeCRC(&secure.Frame{Header: h, POT: pot},
			secure.Fields(b.ext.Time.Flags), l.cfg.Secure.DataIDs.For(h.SequenceID))
		if _, err := wire.SetTimeCRC(payload, crc0, crc1); err != nil {
			l.e.log.Debugf("%s: Follow_Up на порт %d: %v", l.cfg.Name, p.idx, err)
			l.e.tr.ReleaseTxBuffer(l.id, buf)
			return false
		}
	}
	if err := l.transmit(buf, size, false); err != nil {
		l.e.log.Debugf("%s: ошибка передачи Follow_Up на порт %d: %v", l.cfg.Name, p.idx, err)
		return false
	}
	return true
}
