package engine

import (
	"errors"
	"fmt"

	"github.com/shiwa/timecard-mini/gptpsync/internal/diag"
	"github.com/shiwa/timecard-mini/gptpsync/internal/timebase"
	"github.com/shiwa/timecard-mini/gptpsync/internal/tstamp"
	"github.com/shiwa/timecard-mini/gptpsync/internal/wire"
)

var (
	errDelayNegative = errors.New("engine: negative path delay")
	errDelayTooLarge = errors.New("engine: path delay interval exceeds one second")
)

// Метки, собранные инициатором.
const (
	haveT1 uint8 = 1 << iota
	haveT2
	haveT3
	haveT4
	haveAll = haveT1 | haveT2 | haveT3 | haveT4
)

// pdelay — измерение задержки на канале или порту коммутатора:
// инициатор (Pdelay_Req) и отвечающая сторона (Pdelay_Resp, Pdelay_Resp_Follow_Up).
type pdelay struct {
	l        *link
	port     int
	name     string
	identity wire.PortIdentity
	flags    *txFlags

	initiator bool
	responder bool

	active    bool
	seq       uint16
	have      uint8
	t1, t2    tstamp.Timestamp
	t3, t4    tstamp.Timestamp
	buf       *TxBuffer
	source    wire.PortIdentity
	challenge *wire.AuthTLV
	countdown uint32
	timeout   uint32

	value    uint32
	measured bool
	aborts   int
	latched  bool

	resp respCtx
}

type respCtx struct {
	seq       uint16
	requester wire.PortIdentity
	t2, t3    tstamp.Timestamp
	buf       *TxBuffer
	auth      *wire.AuthTLV
}

func newPdelay(l *link, portIdx int, id wire.PortIdentity, flags *txFlags, initiator, responder bool) *pdelay {
	name := l.cfg.Name
	if portIdx != NoPort {
		name = fmt.Sprintf("%s/%d", l.cfg.Name, portIdx)
	}
	return &pdelay{
		l:         l,
		port:      portIdx,
		name:      name,
		identity:  id,
		flags:     flags,
		initiator: initiator,
		responder: responder,
		value:     l.cfg.Pdelay.Default,
	}
}

// current — отфильтрованная задержка или значение по умолчанию до первого измерения.
func (p *pdelay) current() uint32 {
	if p.measured {
		return p.value
	}
	return p.l.cfg.Pdelay.Default
}

func (p *pdelay) reset() {
	p.active = false
	p.have = 0
	p.buf = nil
	p.resp = respCtx{}
}

func (p *pdelay) tickTimeout() {
	if !p.active || p.timeout == 0 {
		return
	}
	p.timeout--
	if p.timeout == 0 {
		p.abort("нет ответа")
	}
}

func (p *pdelay) tickTrigger() {
	if !p.initiator || p.l.t.pdelay == 0 {
		return
	}
	if p.countdown > 0 {
		p.countdown--
	}
	if p.countdown == 0 {
		p.countdown = p.l.t.pdelay
		p.flags.set(TxPdelayReq)
	}
}

// process отправляет помеченные кадры Pdelay.
func (p *pdelay) process() {
	if p.flags.has(TxPdelayReq) {
		p.flags.clear(TxPdelayReq)
		p.sendRequest()
	}
	if p.flags.has(TxPdelayResp) {
		p.flags.clear(TxPdelayResp)
		p.sendResponse()
	}
	if p.flags.has(TxPdelayRespFollowUp) {
		p.flags.clear(TxPdelayRespFollowUp)
		p.sendResponseFollowUp()
	}
}

func (p *pdelay) sendRequest() {
	if p.active {
		p.abort("предыдущий запрос не завершён")
	}
	l := p.l
	seq := p.seq + 1

	var challenge *wire.AuthTLV
	if l.cfg.Authenticate {
		ch, err := l.e.auth.Challenge(l.id, seq)
		if err != nil {
			l.e.log.Errorf("%s: вызов аутентификации: %v", p.name, err)
			return
		}
		challenge = &ch
	}
	size := wire.MsgPdelayReq.FrameSize()
	if challenge != nil {
		size += challenge.Size()
	}
	buf, err := l.allocate(size, p.port)
	if err != nil {
		l.e.log.Debugf("%s: Pdelay_Req пропущен: %v", p.name, err)
		return
	}
	h := l.header(wire.MsgPdelayReq, seq, l.cfg.Pdelay.LogInterval)
	h.SourcePortIdentity = p.identity
	h.MessageLength = uint16(size)
	h.Put(buf.Data)
	wire.PutPdelayReq(buf.Data[wire.HeaderSize:])
	if challenge != nil {
		wire.PutAuthTLV(buf.Data[wire.MsgPdelayReq.FrameSize():], challenge)
	}
	if err := l.transmit(buf, size, true); err != nil {
		l.e.log.Debugf("%s: ошибка передачи Pdelay_Req: %v", p.name, err)
		return
	}
	p.seq = seq
	p.active = true
	p.have = 0
	p.buf = buf
	p.challenge = challenge
	p.timeout = l.t.pdelayResp
}

// onConfirmed обрабатывает подтверждение своих кадров; false — буфер чужой.
func (p *pdelay) onConfirmed(buf *TxBuffer) bool {
	l := p.l
	switch buf {
	case p.buf:
		p.buf = nil
		if !p.active {
			return true
		}
		ts, ok := l.e.tr.EgressTimestamp(l.id, buf)
		if !ok || !ts.Valid() {
			p.abort("нет метки отправки Pdelay_Req")
			return true
		}
		p.t1 = ts
		p.have |= haveT1
		p.tryComplete()
		return true
	case p.resp.buf:
		p.resp.buf = nil
		ts, ok := l.e.tr.EgressTimestamp(l.id, buf)
		if !ok || !ts.Valid() {
			l.e.log.Debugf("%s: нет метки отправки Pdelay_Resp %d", p.name, p.resp.seq)
			return true
		}
		p.resp.t3 = ts
		p.flags.set(TxPdelayRespFollowUp)
		return true
	}
	return false
}

func (p *pdelay) onFrame(h *wire.Header, frame []byte, rx RxInfo) {
	switch h.MessageType {
	case wire.MsgPdelayReq:
		p.onRequest(h, frame, rx)
	case wire.MsgPdelayResp:
		p.onResponse(h, frame, rx)
	case wire.MsgPdelayRespFollowUp:
		p.onResponseFollowUp(h, frame)
	}
}

func (p *pdelay) onRequest(h *wire.Header, frame []byte, rx RxInfo) {
	l := p.l
	if !p.responder {
		return
	}
	if !rx.TimestampValid || !rx.Timestamp.Valid() {
		l.e.log.Debugf("%s: Pdelay_Req %d без метки приёма", p.name, h.SequenceID)
		return
	}
	p.resp = respCtx{
		seq:       h.SequenceID,
		requester: h.SourcePortIdentity,
		t2:        rx.Timestamp,
	}
	if l.e.auth != nil {
		payload := h.Payload(frame)
		if ch, err := wire.FindAuthTLV(payload[wire.PdelayReqPayloadSize:]); err == nil && ch != nil && !ch.Response {
			r, err := l.e.auth.Respond(l.id, h.SequenceID, h.SourcePortIdentity, *ch)
			if err != nil {
				l.e.log.Debugf("%s: ответ аутентификации: %v", p.name, err)
				return
			}
			p.resp.auth = &r
		}
	}
	p.flags.set(TxPdelayResp)
}

func (p *pdelay) sendResponse() {
	l := p.l
	r := &p.resp
	size := wire.MsgPdelayResp.FrameSize()
	if r.auth != nil {
		size += r.auth.Size()
	}
	buf, err := l.allocate(size, p.port)
	if err != nil {
		l.e.log.Debugf("%s: Pdelay_Resp пропущен: %v", p.name, err)
		return
	}
	h := l.header(wire.MsgPdelayResp, r.seq, wire.LogIntervalUnused)
	h.SourcePortIdentity = p.identity
	h.MessageLength = uint16(size)
	h.Put(buf.Data)
	wire.PutPdelayResp(buf.Data[wire.HeaderSize:], wire.PdelayResp{Timestamp: r.t2, Requesting: r.requester})
	if r.auth != nil {
		wire.PutAuthTLV(buf.Data[wire.MsgPdelayResp.FrameSize():], r.auth)
	}
	if err := l.transmit(buf, size, true); err != nil {
		l.e.log.Debugf("%s: ошибка передачи Pdelay_Resp: %v", p.name, err)
		return
	}
	r.buf = buf
}

func (p *pdelay) sendResponseFollowUp() {
	l := p.l
	r := &p.resp
	size := wire.MsgPdelayRespFollowUp.FrameSize()
	buf, err := l.allocate(size, p.port)
	if err != nil {
		l.e.log.Debugf("%s: Pdelay_Resp_Follow_Up пропущен: %v", p.name, err)
		return
	}
	h := l.header(wire.MsgPdelayRespFollowUp, r.seq, wire.LogIntervalUnused)
	h.SourcePortIdentity = p.identity
	h.Put(buf.Data)
	wire.PutPdelayResp(buf.Data[wire.HeaderSize:], wire.PdelayResp{Timestamp: r.t3, Requesting: r.requester})
	if err := l.transmit(buf, size, false); err != nil {
		l.e.log.Debugf("%s: ошибка передачи Pdelay_Resp_Follow_Up: %v", p.name, err)
		return
	}
	l.recordPdelay(timebase.PdelayRecord{
		Port:       p.port,
		Responder:  true,
		SequenceID: r.seq,
		T2:         r.t2,
		T3:         r.t3,
	})
}

// matches проверяет номер и идентичность запросившего порта в ответе.
func (p *pdelay) matches(h *wire.Header, r wire.PdelayResp) bool {
	return h.SequenceID == p.seq && r.Requesting == p.identity
}

func (p *pdelay) onResponse(h *wire.Header, frame []byte, rx RxInfo) {
	if !p.active {
		return
	}
	payload := h.Payload(frame)
	r, err := wire.ParsePdelayResp(payload)
	if err != nil {
		p.abort(fmt.Sprintf("Pdelay_Resp: %v", err))
		return
	}
	if !p.matches(h, r) || p.have&haveT2 != 0 {
		p.abort(fmt.Sprintf("Pdelay_Resp %d для %v не совпадает с запросом %d", h.SequenceID, r.Requesting, p.seq))
		return
	}
	if !rx.TimestampValid || !rx.Timestamp.Valid() {
		p.abort("нет метки приёма Pdelay_Resp")
		return
	}
	if p.challenge != nil {
		resp, err := wire.FindAuthTLV(payload[wire.PdelayRespPayloadSize:])
		if err == nil && (resp == nil || !resp.Response) {
			err = errors.New("no authentication response")
		}
		if err == nil {
			err = p.l.e.auth.Verify(p.l.id, p.seq, p.identity, *p.challenge, *resp)
		}
		if err != nil {
			p.abort(fmt.Sprintf("аутентификация Pdelay_Resp: %v", err))
			return
		}
	}
	p.t2 = r.Timestamp
	p.t4 = rx.Timestamp
	p.source = h.SourcePortIdentity
	p.have |= haveT2 | haveT4
}

func (p *pdelay) onResponseFollowUp(h *wire.Header, frame []byte) {
	if !p.active {
		return
	}
	r, err := wire.ParsePdelayResp(h.Payload(frame))
	if err != nil {
		p.abort(fmt.Sprintf("Pdelay_Resp_Follow_Up: %v", err))
		return
	}
	if p.have&haveT2 == 0 || !p.matches(h, r) || h.SourcePortIdentity != p.source {
		p.abort(fmt.Sprintf("Pdelay_Resp_Follow_Up %d от %v не совпадает с ответом", h.SequenceID, h.SourcePortIdentity))
		return
	}
	p.t3 = r.Timestamp
	p.have |= haveT3
	p.tryComplete()
}

func (p *pdelay) tryComplete() {
	if p.have != haveAll {
		return
	}
	p.active = false
	d, err := computeDelay(p.t1, p.t2, p.t3, p.t4)
	if err == nil && p.l.cfg.Pdelay.LatencyThreshold > 0 && d > p.l.cfg.Pdelay.LatencyThreshold {
		err = fmt.Errorf("delay %d ns above threshold %d ns", d, p.l.cfg.Pdelay.LatencyThreshold)
	}
	if err != nil {
		p.fail(fmt.Sprintf("измерение %d отброшено: %v", p.seq, err))
		return
	}
	p.value = filterDelay(p.value, d, p.l.cfg.Pdelay.FilterShift, !p.measured)
	p.measured = true
	p.l.recordPdelay(timebase.PdelayRecord{
		Port:       p.port,
		SequenceID: p.seq,
		T1:         p.t1,
		T2:         p.t2,
		T3:         p.t3,
		T4:         p.t4,
		Delay:      d,
		Filtered:   p.value,
	})
	p.aborts = 0
	if p.latched {
		p.latched = false
		p.l.e.log.Infof("%s: измерение задержки восстановлено, %d нс", p.name, p.value)
		p.l.report(diag.PdelayFailed, false)
	}
}

func (p *pdelay) abort(reason string) {
	p.active = false
	p.have = 0
	p.fail(reason)
}

func (p *pdelay) fail(reason string) {
	p.aborts++
	p.l.e.log.Debugf("%s: pdelay: %s", p.name, reason)
	threshold := p.l.cfg.Pdelay.FailThreshold
	if threshold <= 0 {
		threshold = 1
	}
	if p.aborts >= threshold && !p.latched {
		p.latched = true
		p.l.e.log.Errorf("%s: измерение задержки не удаётся (%d подряд)", p.name, p.aborts)
		p.l.report(diag.PdelayFailed, true)
	}
}

// computeDelay — ((t4 − t1) − (t3 − t2)) / 2.
func computeDelay(t1, t2, t3, t4 tstamp.Timestamp) (uint32, error) {
	turnaround := tstamp.Sub(t4, t1)
	residence := tstamp.Sub(t3, t2)
	if !turnaround.Positive || !residence.Positive {
		return 0, errDelayNegative
	}
	if !belowSecond(turnaround.Value) || !belowSecond(residence.Value) {
		return 0, errDelayTooLarge
	}
	d := tstamp.Sub(turnaround.Value, residence.Value)
	if !d.Positive {
		return 0, errDelayNegative
	}
	return d.Value.Nanoseconds / 2, nil
}

func belowSecond(t tstamp.Timestamp) bool {
	return t.SecondsHi == 0 && t.Seconds == 0
}

// filterDelay — экспоненциальное сглаживание сдвигом: первое значение берётся
// как есть, далее оценка сдвигается на |new − running| >> shift.
func filterDelay(running, measured uint32, shift uint8, first bool) uint32 {
	if first {
		return measured
	}
	if measured >= running {
		return running + (measured-running)>>shift
	}
	return running - (running-measured)>>shift
}
