package engine

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shiwa/timecard-mini/gptpsync/internal/diag"
	"github.com/shiwa/timecard-mini/gptpsync/internal/secure"
	"github.com/shiwa/timecard-mini/gptpsync/internal/timebase"
	"github.com/shiwa/timecard-mini/gptpsync/internal/tstamp"
	"github.com/shiwa/timecard-mini/gptpsync/internal/wire"
)

var (
	masterMAC = net.HardwareAddr{0x00, 0x1b, 0x21, 0x00, 0x00, 0x01}
	slaveMAC  = net.HardwareAddr{0x00, 0x1b, 0x21, 0x00, 0x00, 0x02}
	peerMAC   = net.HardwareAddr{0x00, 0x1b, 0x21, 0x00, 0x00, 0x03}
)

type sentFrame struct {
	link  LinkID
	buf   *TxBuffer
	dst   net.HardwareAddr
	data  []byte
	stamp bool
}

func (s sentFrame) header(t *testing.T) wire.Header {
	t.Helper()
	h, err := wire.DecodeHeader(s.data, s.data[4])
	require.NoError(t, err)
	return h
}

func (s sentFrame) payload() []byte { return s.data[wire.HeaderSize:] }

// fakeTransport записывает переданные кадры; метки отправки задаются тестом.
type fakeTransport struct {
	mu           sync.Mutex
	now          tstamp.Timestamp
	handle       uint32
	busy         bool
	failTransmit bool
	sent         []sentFrame
	egress       map[*TxBuffer]tstamp.Timestamp
	released     int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		now:    tstamp.Timestamp{Seconds: 1000},
		egress: make(map[*TxBuffer]tstamp.Timestamp),
	}
}

func (f *fakeTransport) ProvideTxBuffer(_ LinkID, size int) (*TxBuffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return nil, ErrBusy
	}
	f.handle++
	return &TxBuffer{Handle: f.handle, Data: make([]byte, size)}, nil
}

func (f *fakeTransport) ReleaseTxBuffer(LinkID, *TxBuffer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
}

func (f *fakeTransport) Transmit(link LinkID, buf *TxBuffer, dst net.HardwareAddr, length int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTransmit {
		return errors.New("link down")
	}
	for i := range f.sent {
		if f.sent[i].buf == buf {
			f.sent[i].dst = dst
			f.sent[i].data = append([]byte(nil), buf.Data[:length]...)
			return nil
		}
	}
	f.sent = append(f.sent, sentFrame{link: link, buf: buf, dst: dst, data: append([]byte(nil), buf.Data[:length]...)})
	return nil
}

func (f *fakeTransport) EnableEgressTimestamp(link LinkID, buf *TxBuffer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentFrame{link: link, buf: buf, stamp: true})
}

func (f *fakeTransport) EgressTimestamp(_ LinkID, buf *TxBuffer) (tstamp.Timestamp, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts, ok := f.egress[buf]
	return ts, ok
}

func (f *fakeTransport) LocalTime(LinkID) (tstamp.Timestamp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now, nil
}

func (f *fakeTransport) setNow(ts tstamp.Timestamp) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = ts
}

func (f *fakeTransport) stampEgress(buf *TxBuffer, ts tstamp.Timestamp) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.egress[buf] = ts
}

// frames возвращает переданные кадры типа t (кадры без данных пропускаются).
func (f *fakeTransport) frames(t wire.MessageType) []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentFrame
	for _, s := range f.sent {
		if len(s.data) >= wire.HeaderSize && wire.MessageType(s.data[0]&0x0F) == t {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeTransport) last(t *testing.T, mt wire.MessageType) sentFrame {
	t.Helper()
	fr := f.frames(mt)
	require.NotEmpty(t, fr, "нет кадров %s", mt)
	return fr[len(fr)-1]
}

// countingTimeBase считает обновления глобального времени.
type countingTimeBase struct {
	*timebase.Store
	mu      sync.Mutex
	updates []timebase.Update
}

func (c *countingTimeBase) SetGlobalTime(u timebase.Update) error {
	c.mu.Lock()
	c.updates = append(c.updates, u)
	c.mu.Unlock()
	return c.Store.SetGlobalTime(u)
}

func (c *countingTimeBase) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.updates)
}

type captureRecorder struct {
	mu      sync.Mutex
	syncs   []timebase.SyncRecord
	pdelays []timebase.PdelayRecord
}

func (c *captureRecorder) RecordSync(r timebase.SyncRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncs = append(c.syncs, r)
}

func (c *captureRecorder) RecordPdelay(r timebase.PdelayRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pdelays = append(c.pdelays, r)
}

type harness struct {
	e    *Engine
	tr   *fakeTransport
	tb   *countingTimeBase
	rec  *captureRecorder
	diag *diag.Counters
}

func newHarness(t *testing.T, links ...LinkConfig) *harness {
	t.Helper()
	tr := newFakeTransport()
	rec := &captureRecorder{}
	tb := &countingTimeBase{Store: timebase.NewStore(0, timebase.LocalClockFunc(func() (tstamp.Timestamp, error) {
		return tr.LocalTime(0)
	}), rec)}
	counters := diag.NewCounters()
	e, err := New(Config{TickPeriod: time.Millisecond, Links: links}, Deps{
		Transport:   tr,
		TimeBases:   map[uint8]TimeBase{0: tb},
		Diagnostics: counters,
		Auth:        &fakeAuth{},
	})
	require.NoError(t, err)
	for i := range links {
		e.OnLinkStateChanged(LinkID(i), true)
	}
	return &harness{e: e, tr: tr, tb: tb, rec: rec, diag: counters}
}

func (h *harness) ticks(n int) {
	for i := 0; i < n; i++ {
		h.e.Tick()
	}
}

func masterLink() LinkConfig {
	return LinkConfig{
		Name:            "eth0",
		Role:            RoleMaster,
		Addr:            masterMAC,
		SyncInterval:    10 * time.Millisecond,
		SyncLogInterval: -3,
		FollowUpTimeout: 5 * time.Millisecond,
		TimeValidation:  true,
	}
}

func slaveLink() LinkConfig {
	return LinkConfig{
		Name:              "eth1",
		Role:              RoleSlave,
		Addr:              slaveMAC,
		FollowUpTimeout:   5 * time.Millisecond,
		SyncFailThreshold: 1,
		JumpWidth:         5,
		TimeValidation:    true,
		Pdelay:            PdelayConfig{Default: 50},
		Secure: secure.Config{
			RxTime:     secure.Ignored,
			RxStatus:   secure.Ignored,
			RxUserData: secure.Ignored,
			RxOffset:   secure.Ignored,
		},
	}
}

// encodeSync собирает Sync от имени идентичности src.
func encodeSync(seq uint16, src wire.PortIdentity) []byte {
	b := make([]byte, wire.MsgSync.FrameSize())
	h := wire.NewHeader(wire.MsgSync, 0, seq, -3, peerMAC)
	h.SourcePortIdentity = src
	h.Put(b)
	wire.PutSync(b[wire.HeaderSize:])
	return b
}

// encodeFollowUp собирает Follow_Up; ext запечатывается по cfg, если задан.
func encodeFollowUp(seq uint16, src wire.PortIdentity, correction int64, pot tstamp.Timestamp,
	ext *wire.Extension, cfg *secure.Config) []byte {

	size := wire.MsgFollowUp.FrameSize()
	if ext != nil {
		size += ext.Size()
	}
	b := make([]byte, size)
	h := wire.NewHeader(wire.MsgFollowUp, 0, seq, -3, peerMAC)
	h.SourcePortIdentity = src
	h.Correction = correction
	h.MessageLength = uint16(size)
	if ext != nil && cfg != nil {
		secure.Seal(cfg, &secure.Frame{Header: h, POT: pot}, ext)
	}
	h.Put(b)
	n := wire.HeaderSize + wire.PutFollowUp(b[wire.HeaderSize:], pot)
	if ext != nil {
		wire.PutExtension(b[n:], ext)
	}
	return b
}

func encodePdelay(t wire.MessageType, seq uint16, src wire.PortIdentity, r wire.PdelayResp, auth *wire.AuthTLV) []byte {
	size := t.FrameSize()
	if auth != nil {
		size += auth.Size()
	}
	b := make([]byte, size)
	h := wire.NewHeader(t, 0, seq, 0, peerMAC)
	h.SourcePortIdentity = src
	h.MessageLength = uint16(size)
	h.Put(b)
	if t == wire.MsgPdelayReq {
		wire.PutPdelayReq(b[wire.HeaderSize:])
	} else {
		wire.PutPdelayResp(b[wire.HeaderSize:], r)
	}
	if auth != nil {
		wire.PutAuthTLV(b[t.FrameSize():], auth)
	}
	return b
}

func ts(sec uint32, ns uint32) tstamp.Timestamp {
	return tstamp.Timestamp{Seconds: sec, Nanoseconds: ns}
}

func stamped(t tstamp.Timestamp) RxInfo {
	return RxInfo{Timestamp: t, TimestampValid: true}
}

// fakeAuth — детерминированная аутентификация: ICV = nonce запроса и ответа.
type fakeAuth struct{ nonce uint32 }

func (a *fakeAuth) Challenge(LinkID, uint16) (wire.AuthTLV, error) {
	a.nonce++
	return wire.AuthTLV{RequestNonce: a.nonce}, nil
}

func (a *fakeAuth) Respond(_ LinkID, _ uint16, _ wire.PortIdentity, ch wire.AuthTLV) (wire.AuthTLV, error) {
	r := wire.AuthTLV{Response: true, RequestNonce: ch.RequestNonce, ResponseNonce: 7}
	r.ICV[0] = byte(ch.RequestNonce)
	r.ICV[1] = 7
	return r, nil
}

func (a *fakeAuth) Verify(_ LinkID, _ uint16, _ wire.PortIdentity, ch, resp wire.AuthTLV) error {
	if resp.RequestNonce != ch.RequestNonce || resp.ICV[0] != byte(ch.RequestNonce) || resp.ICV[1] != byte(resp.ResponseNonce) {
		return errors.New("icv mismatch")
	}
	return nil
}
