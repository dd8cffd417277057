package engine

import (
	"github.com/shiwa/timecard-mini/gptpsync/internal/secure"
	"github.com/shiwa/timecard-mini/gptpsync/internal/timebase"
	"github.com/shiwa/timecard-mini/gptpsync/internal/tstamp"
	"github.com/shiwa/timecard-mini/gptpsync/internal/wire"
)

// masterCtx — передача Sync/Follow_Up мастером.
type masterCtx struct {
	state      SyncState
	seq        uint16
	nextSeq    uint16
	countdown  uint32
	egressWait uint32
	buf        *TxBuffer
	snap       timebase.Snapshot
	egress     tstamp.Timestamp

	immediate   bool
	counter     uint8
	counterSeen bool
}

type announceCtx struct {
	countdown uint32
	seq       uint16
	last      *wire.Announce
}

func (l *link) resetMaster() {
	l.master.state = StateIdle
	l.master.buf = nil
	l.master.immediate = false
}

func (l *link) masterTimeouts() {
	m := &l.master
	if m.state != StateWaitEgressTimestamp || m.egressWait == 0 {
		return
	}
	m.egressWait--
	if m.egressWait == 0 {
		l.e.log.Debugf("%s: нет метки отправки Sync %d", l.cfg.Name, m.seq)
		l.resetMaster()
	}
}

// checkImmediate взводит немедленную передачу, когда шкала времени обновилась.
func (l *link) checkImmediate() {
	if !l.cfg.ImmediateTimeSync {
		return
	}
	snap, err := l.tb.Snapshot()
	if err != nil {
		return
	}
	m := &l.master
	if m.counterSeen && snap.UpdateCounter != m.counter {
		m.immediate = true
	}
	m.counter = snap.UpdateCounter
	m.counterSeen = true
}

// masterTrigger отсчитывает интервал Sync и помечает кадр к передаче.
func (l *link) masterTrigger() {
	m := &l.master
	l.checkImmediate()
	if m.countdown > 0 {
		m.countdown--
	}
	if !m.immediate && m.countdown > 0 {
		return
	}
	if m.state != StateIdle || l.frames.has(TxSync) {
		return
	}
	l.frames.set(TxSync)
	if m.immediate && l.t.resume > 0 {
		m.countdown = l.t.resume
	} else {
		m.countdown = l.t.sync
	}
	m.immediate = false
}

func (l *link) sendSync(now uint64) {
	m := &l.master
	if m.state != StateIdle {
		return
	}
	snap, err := l.tb.Snapshot()
	if err != nil {
		l.e.log.Errorf("%s: шкала времени недоступна: %v", l.cfg.Name, err)
		return
	}
	size := wire.MsgSync.FrameSize()
	buf, err := l.allocate(size, NoPort)
	if err != nil {
		l.e.log.Debugf("%s: Sync пропущен: %v", l.cfg.Name, err)
		return
	}
	h := l.header(wire.MsgSync, m.nextSeq, l.cfg.SyncLogInterval)
	h.Put(buf.Data)
	wire.PutSync(buf.Data[wire.HeaderSize:])
	if err := l.transmit(buf, size, true); err != nil {
		l.e.log.Debugf("%s: ошибка передачи Sync: %v", l.cfg.Name, err)
		return
	}
	m.seq = m.nextSeq
	m.nextSeq++
	m.buf = buf
	m.snap = snap
	m.state = StateWaitEgressTimestamp
	m.egressWait = l.t.fup
	l.touchDebounce(now)
}

func (l *link) onSyncConfirmed(now uint64, buf *TxBuffer) {
	m := &l.master
	m.buf = nil
	if m.state != StateWaitEgressTimestamp {
		return
	}
	ts, ok := l.e.tr.EgressTimestamp(l.id, buf)
	if !ok || !ts.Valid() {
		l.e.log.Debugf("%s: метка отправки Sync %d недействительна", l.cfg.Name, m.seq)
		m.state = StateIdle
		return
	}
	m.egress = ts
	m.state = StateReadyForFollowUp
	l.frames.set(TxFollowUp)
}

func (l *link) sendFollowUp(now uint64) {
	m := &l.master
	if m.state != StateReadyForFollowUp {
		return
	}
	m.state = StateIdle

	pot, ok := tstamp.AddDiff(m.snap.Global, tstamp.Sub(m.egress, m.snap.Local))
	if !ok {
		l.e.log.Errorf("%s: отрицательное время отправки Sync %d", l.cfg.Name, m.seq)
		return
	}
	if l.sendFollowUpFrame(NoPort, m.seq, l.identity, 0, pot, m.snap) {
		l.touchDebounce(now)
		l.recordSync(timebase.SyncRecord{
			Master:      true,
			SequenceID:  m.seq,
			POT:         pot,
			Local:       m.egress,
			GlobalAfter: pot,
		})
	}
}

// sendFollowUpFrame собирает Follow_Up с вендорским расширением и отправляет его.
func (l *link) sendFollowUpFrame(portIdx int, seq uint16, src wire.PortIdentity, corr int64, pot tstamp.Timestamp, snap timebase.Snapshot) bool {
	ext := l.masterExtension(snap)
	size := wire.MsgFollowUp.FrameSize()
	if ext != nil {
		size += ext.Size()
	}
	buf, err := l.allocate(size, portIdx)
	if err != nil {
		l.e.log.Debugf("%s: Follow_Up пропущен: %v", l.cfg.Name, err)
		return false
	}
	h := l.header(wire.MsgFollowUp, seq, l.cfg.SyncLogInterval)
	h.SourcePortIdentity = src
	h.Correction = corr
	h.MessageLength = uint16(size)
	if ext != nil {
		secure.Seal(&l.cfg.Secure, &secure.Frame{Header: h, POT: pot}, ext)
	}
	h.Put(buf.Data)
	n := wire.HeaderSize + wire.PutFollowUp(buf.Data[wire.HeaderSize:], pot)
	if ext != nil {
		wire.PutExtension(buf.Data[n:], ext)
	}
	if err := l.transmit(buf, size, false); err != nil {
		l.e.log.Debugf("%s: ошибка передачи Follow_Up: %v", l.cfg.Name, err)
		return false
	}
	return true
}

// masterExtension заполняет подзаписи из шкалы времени; nil — расширение не передаётся.
func (l *link) masterExtension(snap timebase.Snapshot) *wire.Extension {
	c := l.cfg.TLV
	if !c.any() {
		return nil
	}
	ext := &wire.Extension{}
	if c.Time {
		ext.Time = &wire.TimeRecord{}
	}
	if c.Status {
		ext.Status = &wire.StatusRecord{Status: statusToWire(snap.Status)}
	}
	if c.UserData {
		ext.UserData = &wire.UserDataRecord{Length: snap.UserData.Length, Bytes: snap.UserData.Bytes}
	}
	if c.Offset {
		if o, ok := l.tb.OffsetTime(c.OffsetDomain); ok {
			ext.Offset = &wire.OffsetRecord{
				TimeDomain:  c.OffsetDomain,
				Seconds:     uint64(o.Time.SecondsHi)<<32 | uint64(o.Time.Seconds),
				Nanoseconds: o.Time.Nanoseconds,
				Status:      statusToWire(o.Status),
				UserLength:  o.UserData.Length,
				UserBytes:   o.UserData.Bytes,
			}
		}
	}
	return ext
}

func (l *link) announceTrigger() {
	if !l.cfg.Announce.Enabled || l.t.announce == 0 {
		return
	}
	a := &l.announce
	if a.countdown > 0 {
		a.countdown--
	}
	if a.countdown == 0 {
		a.countdown = l.t.announce
		l.frames.set(TxAnnounce)
	}
}

func (l *link) sendAnnounce() {
	c := l.cfg.Announce
	size := wire.MsgAnnounce.FrameSize()
	buf, err := l.allocate(size, NoPort)
	if err != nil {
		l.e.log.Debugf("%s: Announce пропущен: %v", l.cfg.Name, err)
		return
	}
	h := l.header(wire.MsgAnnounce, l.announce.seq, c.LogInterval)
	h.Put(buf.Data)
	wire.PutAnnounce(buf.Data[wire.HeaderSize:], wire.Announce{
		CurrentUTCOffset: c.UTCOffset,
		Priority1:        c.Priority1,
		Priority2:        c.Priority2,
		Quality: wire.ClockQuality{
			Class:                   c.Class,
			Accuracy:                c.Accuracy,
			OffsetScaledLogVariance: c.Variance,
		},
		GrandmasterIdentity: l.identity.ClockIdentity,
		TimeSource:          c.TimeSource,
		PathTrace:           l.identity.ClockIdentity,
	})
	if err := l.transmit(buf, size, false); err != nil {
		l.e.log.Debugf("%s: ошибка передачи Announce: %v", l.cfg.Name, err)
		return
	}
	l.announce.seq++
}

func (l *link) onAnnounce(h *wire.Header, frame []byte) {
	a, err := wire.ParseAnnounce(h.Payload(frame))
	if err != nil {
		l.e.log.Debugf("%s: Announce отброшен: %v", l.cfg.Name, err)
		return
	}
	if prev := l.announce.last; prev == nil || prev.GrandmasterIdentity != a.GrandmasterIdentity {
		l.e.log.Infof("%s: гроссмейстер %x (priority1 %d, class %d, steps %d)",
			l.cfg.Name, a.GrandmasterIdentity, a.Priority1, a.Quality.Class, a.StepsRemoved)
	}
	l.announce.last = &a
}
