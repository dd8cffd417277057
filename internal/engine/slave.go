package engine

import (
	"errors"
	"fmt"

	"github.com/shiwa/timecard-mini/gptpsync/internal/diag"
	"github.com/shiwa/timecard-mini/gptpsync/internal/secure"
	"github.com/shiwa/timecard-mini/gptpsync/internal/timebase"
	"github.com/shiwa/timecard-mini/gptpsync/internal/tstamp"
	"github.com/shiwa/timecard-mini/gptpsync/internal/wire"
)

var errNegativeElapsed = errors.New("engine: local time before sync ingress")

// wireSyncToGateway — бит SYNC_TO_GATEWAY в байте статуса подзаписей.
const wireSyncToGateway = 0x01

func statusToWire(s timebase.Status) uint8 {
	if s&timebase.StatusSyncToGateway != 0 {
		return wireSyncToGateway
	}
	return 0
}

func statusFromWire(b uint8) timebase.Status {
	if b&wireSyncToGateway != 0 {
		return timebase.StatusSyncToGateway
	}
	return 0
}

// slaveCtx — приём Sync/Follow_Up.
type slaveCtx struct {
	waitingFup bool
	seq        uint16
	seqValid   bool
	source     wire.PortIdentity
	ingress    tstamp.Timestamp

	fupCountdown  uint32
	pairCountdown uint32
	failures      int
	latched       bool
	synced        bool
}

func (s *slaveCtx) reset() {
	s.waitingFup = false
	s.seqValid = false
	s.synced = false
}

// seqInWindow проверяет прирост sequenceId по модулю 2^16: допустимо 1..width.
func seqInWindow(last, got, width uint16) bool {
	if width == 0 {
		return true
	}
	d := got - last
	return d >= 1 && d <= width
}

// acceptSync проверяет роль, окно последовательности и метку приёма Sync.
func (l *link) acceptSync(h *wire.Header, rx RxInfo) bool {
	s := &l.slave
	if l.cfg.Role != RoleSlave {
		l.e.log.Debugf("%s: Sync %d принят мастером", l.cfg.Name, h.SequenceID)
		l.report(diag.UnexpectedSync, true)
		return false
	}
	if s.seqValid && !seqInWindow(s.seq, h.SequenceID, l.cfg.JumpWidth) {
		l.e.log.Debugf("%s: Sync %d вне окна (последний %d, ширина %d)", l.cfg.Name, h.SequenceID, s.seq, l.cfg.JumpWidth)
		s.waitingFup = false
		return false
	}
	if !rx.TimestampValid || !rx.Timestamp.Valid() {
		l.e.log.Debugf("%s: Sync %d без метки приёма", l.cfg.Name, h.SequenceID)
		s.waitingFup = false
		return false
	}
	if s.waitingFup {
		l.dropPair(fmt.Sprintf("Sync %d вытеснен Sync %d", s.seq, h.SequenceID))
	}
	s.seq = h.SequenceID
	s.seqValid = true
	s.source = h.SourcePortIdentity
	s.ingress = rx.Timestamp
	s.waitingFup = true
	s.fupCountdown = l.t.fup
	return true
}

func (l *link) onSync(h *wire.Header, rx RxInfo) {
	l.acceptSync(h, rx)
}

// matchFollowUp проверяет, что Follow_Up относится к ожидающему Sync.
func (l *link) matchFollowUp(h *wire.Header) bool {
	s := &l.slave
	if l.cfg.Role != RoleSlave || !s.waitingFup {
		l.e.log.Debugf("%s: Follow_Up %d без Sync", l.cfg.Name, h.SequenceID)
		return false
	}
	if h.SequenceID != s.seq || h.SourcePortIdentity != s.source {
		s.waitingFup = false
		l.dropPair(fmt.Sprintf("Follow_Up %d от %v не совпадает с Sync %d от %v",
			h.SequenceID, h.SourcePortIdentity, s.seq, s.source))
		return false
	}
	s.waitingFup = false
	return true
}

// followUpTime проверяет Follow_Up и возвращает POT + correction и расширение.
func (l *link) followUpTime(h *wire.Header, frame []byte) (tstamp.Timestamp, tstamp.Timestamp, *wire.Extension, error) {
	var zero tstamp.Timestamp
	fup, err := wire.ParseFollowUp(h.Payload(frame))
	if err != nil {
		return zero, zero, nil, err
	}
	rep, err := secure.Verify(&l.cfg.Secure, &secure.Frame{Header: *h, POT: fup.PreciseOriginTimestamp}, fup.Extension)
	if err != nil {
		return zero, zero, nil, err
	}
	for _, r := range rep.Rejected {
		l.e.log.Debugf("%s: подзапись %s отброшена: %v", l.cfg.Name, r.SubRecord, r.Err)
	}
	for _, t := range rep.Tolerated {
		l.e.log.Debugf("%s: CRC подзаписи %s не совпала (допускается)", l.cfg.Name, t)
	}
	corr, err := l.corr.Decode(tstamp.SplitCorrection(h.Correction))
	if err != nil {
		return zero, zero, nil, err
	}
	return tstamp.Add(fup.PreciseOriginTimestamp, corr), corr, fup.Extension, nil
}

func (l *link) onFollowUp(h *wire.Header, frame []byte) {
	if !l.matchFollowUp(h) {
		return
	}
	base, corr, ext, err := l.followUpTime(h, frame)
	if err != nil {
		l.dropPair(fmt.Sprintf("Follow_Up %d отброшен: %v", h.SequenceID, err))
		return
	}
	pd := l.pathDelay()
	if err := l.applyGlobalTime(h, base, corr, pd, l.slave.ingress, tstamp.Diff{Positive: true}, ext); err != nil {
		l.dropPair(fmt.Sprintf("Follow_Up %d: %v", h.SequenceID, err))
		return
	}
	l.syncSucceeded()
}

// applyGlobalTime вычисляет глобальное время
// base + pdelay + (now − ingress) + extra и передаёт его шкале.
func (l *link) applyGlobalTime(h *wire.Header, base, corr tstamp.Timestamp, pd uint32,
	ingress tstamp.Timestamp, extra tstamp.Diff, ext *wire.Extension) error {

	now, err := l.e.tr.LocalTime(l.id)
	if err != nil {
		return fmt.Errorf("local time: %w", err)
	}
	elapsed := tstamp.Sub(now, ingress)
	if !elapsed.Positive {
		return errNegativeElapsed
	}
	global := tstamp.Add(tstamp.Add(base, tstamp.FromNanoseconds(uint64(pd))), elapsed.Value)
	global, ok := tstamp.AddDiff(global, extra)
	if !ok {
		return errNegativeElapsed
	}

	u := timebase.Update{Global: global, Local: now, PathDelay: pd}
	if ext != nil && ext.Status != nil {
		u.Status = statusFromWire(ext.Status.Status)
	}
	if ext != nil && ext.UserData != nil {
		u.UserData = &timebase.UserData{Length: ext.UserData.Length, Bytes: ext.UserData.Bytes}
	}
	if err := l.tb.SetGlobalTime(u); err != nil {
		return err
	}
	if ext != nil && ext.Offset != nil {
		o := ext.Offset
		err := l.tb.SetOffsetTime(o.TimeDomain, timebase.Offset{
			Time: tstamp.Timestamp{
				SecondsHi:   uint16(o.Seconds >> 32),
				Seconds:     uint32(o.Seconds),
				Nanoseconds: o.Nanoseconds,
			},
			Status:   statusFromWire(o.Status),
			UserData: timebase.UserData{Length: o.UserLength, Bytes: o.UserBytes},
		})
		if err != nil {
			l.e.log.Debugf("%s: смещённая шкала %d отброшена: %v", l.cfg.Name, o.TimeDomain, err)
		}
	}
	pot, _ := tstamp.AddDiff(base, tstamp.Diff{Value: corr, Positive: false})
	l.recordSync(timebase.SyncRecord{
		SequenceID:  h.SequenceID,
		POT:         pot,
		Correction:  corr,
		Local:       ingress,
		PathDelay:   pd,
		GlobalAfter: global,
	})
	return nil
}

func (l *link) syncSucceeded() {
	s := &l.slave
	s.failures = 0
	s.synced = true
	s.pairCountdown = l.t.pair
	if s.latched {
		s.latched = false
		l.e.log.Infof("%s: синхронизация восстановлена", l.cfg.Name)
		l.report(diag.SyncFailed, false)
	}
}

// dropPair учитывает потерянную пару Sync/Follow_Up; после порога отказ фиксируется.
func (l *link) dropPair(reason string) {
	s := &l.slave
	s.failures++
	l.e.log.Debugf("%s: %s", l.cfg.Name, reason)
	threshold := l.cfg.SyncFailThreshold
	if threshold <= 0 {
		threshold = 1
	}
	if s.failures >= threshold && !s.latched {
		s.latched = true
		l.e.log.Errorf("%s: синхронизация потеряна после %d отказов", l.cfg.Name, s.failures)
		l.report(diag.SyncFailed, true)
	}
}

func (l *link) slaveTimeouts() {
	s := &l.slave
	if s.waitingFup && s.fupCountdown > 0 {
		s.fupCountdown--
		if s.fupCountdown == 0 {
			s.waitingFup = false
			l.dropPair(fmt.Sprintf("нет Follow_Up для Sync %d", s.seq))
		}
	}
	if l.t.pair == 0 || s.pairCountdown == 0 {
		return
	}
	s.pairCountdown--
	if s.pairCountdown == 0 {
		s.pairCountdown = l.t.pair
		s.seqValid = false
		s.synced = false
		l.tb.SetTimeout(true)
		l.dropPair("нет пары Sync/Follow_Up")
	}
}
