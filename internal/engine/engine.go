// Package engine — протокольный движок gPTP: контроллеры каналов (мастер,
// слейв, мост), измерение задержки пути и точки входа планировщика.
//
// Движок не блокируется и не запускает горутин. Планировщик вызывает Tick
// с постоянным периодом, транспорт сообщает о событиях через On* методы.
// Каждый канал защищён своим мьютексом на всё время обработчика.
package engine

import (
	"errors"
	"fmt"
	"math"
	"net"
	"sync/atomic"
	"time"

	"github.com/shiwa/timecard-mini/gptpsync/internal/diag"
	"github.com/shiwa/timecard-mini/gptpsync/internal/tstamp"
	"github.com/shiwa/timecard-mini/gptpsync/internal/wire"
)

// ErrUnknownLink — неизвестный идентификатор канала.
var ErrUnknownLink = errors.New("engine: unknown link")

const noWake = math.MaxUint64

// Deps — внешние службы движка.
type Deps struct {
	Transport Transport
	// TimeBases — шкалы по номеру домена; несколько каналов одного домена
	// делят шкалу (шлюз между слейвом и мастерами).
	TimeBases   map[uint8]TimeBase
	Diagnostics diag.Sink
	Auth        Authenticator
	Log         Logger
}

// Engine — арена каналов и планировщик.
type Engine struct {
	period time.Duration
	tr     Transport
	diag   diag.Sink
	auth   Authenticator
	log    Logger

	links  []*link
	byName map[string]LinkID

	ticks    atomic.Uint64
	nextWake atomic.Uint64
}

// New собирает движок; размеры арены и таблиц портов фиксируются здесь.
func New(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Transport == nil {
		return nil, fmt.Errorf("%w: no transport", errConfig)
	}
	e := &Engine{
		period: cfg.TickPeriod,
		tr:     deps.Transport,
		diag:   deps.Diagnostics,
		auth:   deps.Auth,
		log:    deps.Log,
		links:  make([]*link, 0, len(cfg.Links)),
		byName: make(map[string]LinkID, len(cfg.Links)),
	}
	if e.diag == nil {
		e.diag = diag.Nop{}
	}
	if e.log == nil {
		e.log = nopLogger{}
	}
	e.nextWake.Store(noWake)

	for i, lc := range cfg.Links {
		tb, ok := deps.TimeBases[lc.Domain]
		if !ok || tb == nil {
			return nil, fmt.Errorf("%w: link %s: no time base for domain %d", errConfig, lc.Name, lc.Domain)
		}
		if lc.Authenticate && e.auth == nil {
			return nil, fmt.Errorf("%w: link %s: authentication without authenticator", errConfig, lc.Name)
		}
		id := LinkID(i)
		e.links = append(e.links, newLink(e, id, lc, tb))
		e.byName[lc.Name] = id
	}
	return e, nil
}

// Links — число каналов.
func (e *Engine) Links() int { return len(e.links) }

// LinkByName ищет канал по имени.
func (e *Engine) LinkByName(name string) (LinkID, bool) {
	id, ok := e.byName[name]
	return id, ok
}

// Now — номер текущего такта.
func (e *Engine) Now() uint64 { return e.ticks.Load() }

func (e *Engine) link(id LinkID) *link {
	if id < 0 || int(id) >= len(e.links) {
		return nil
	}
	return e.links[id]
}

// scheduleWake понижает глобальный минимум пробуждения до at.
func (e *Engine) scheduleWake(at uint64) {
	for {
		cur := e.nextWake.Load()
		if at >= cur || e.nextWake.CompareAndSwap(cur, at) {
			return
		}
	}
}

// Tick — один такт планировщика: сначала таймауты всех каналов, затем
// периодические передачи, затем очередь кадров. Каналы, ждущие только
// окончания debounce, не обрабатываются, пока не наступил глобальный минимум.
func (e *Engine) Tick() {
	now := e.ticks.Add(1)

	for _, l := range e.links {
		l.mu.Lock()
		l.tickTimeouts(now)
		l.mu.Unlock()
	}
	for _, l := range e.links {
		l.mu.Lock()
		l.tickTriggers(now)
		l.mu.Unlock()
	}

	due := now >= e.nextWake.Load()
	if due {
		e.nextWake.Store(noWake)
	}
	for _, l := range e.links {
		f := l.pending()
		if f == 0 || (!due && f&^debounced == 0 && l.waiting(now)) {
			continue
		}
		l.mu.Lock()
		l.processFrames(now)
		l.mu.Unlock()
	}
}

// OnFrameReceived — принят кадр gPTP (без заголовка Ethernet).
// port — порт коммутатора или NoPort.
func (e *Engine) OnFrameReceived(id LinkID, port int, src net.HardwareAddr, frame []byte, rx RxInfo) {
	l := e.link(id)
	if l == nil {
		return
	}
	now := e.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.up {
		return
	}
	l.onFrame(now, port, frame, rx)
	l.processFrames(now)
}

// OnTransmitConfirmed — транспорт завершил передачу буфера; метка отправки
// (если запрашивалась) уже известна или точно недоступна.
func (e *Engine) OnTransmitConfirmed(id LinkID, buf *TxBuffer) {
	l := e.link(id)
	if l == nil || buf == nil {
		return
	}
	now := e.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.up {
		return
	}
	l.onConfirmed(now, buf)
	l.processFrames(now)
}

// OnLinkStateChanged — линия поднялась или упала.
func (e *Engine) OnLinkStateChanged(id LinkID, up bool) {
	l := e.link(id)
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setUp(up)
	e.log.Infof("%s: линия %s", l.cfg.Name, map[bool]string{true: "поднята", false: "опущена"}[up])
}

// OnSwitchTimestampIndicated — коммутатор сообщил метку кадра на порту.
func (e *Engine) OnSwitchTimestampIndicated(id LinkID, port int, corrID uint32, dir Direction, ts tstamp.Timestamp) {
	l := e.link(id)
	if l == nil {
		return
	}
	now := e.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.up || l.bridge == nil {
		return
	}
	l.bridge.onSwitchTimestamp(now, port, corrID, dir, ts)
	l.processFrames(now)
}

// TriggerTransmission запрашивает немедленный Sync на следующем такте.
func (e *Engine) TriggerTransmission(id LinkID) error {
	l := e.link(id)
	if l == nil {
		return fmt.Errorf("%w: %d", ErrUnknownLink, id)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cfg.Role != RoleMaster {
		return fmt.Errorf("engine: link %s is not a master", l.cfg.Name)
	}
	l.master.immediate = true
	return nil
}

// SetTransmissionMode включает или выключает передачу Sync мастером.
func (e *Engine) SetTransmissionMode(id LinkID, enabled bool) error {
	l := e.link(id)
	if l == nil {
		return fmt.Errorf("%w: %d", ErrUnknownLink, id)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.txEnabled = enabled
	return nil
}

// PortStatus — состояние порта коммутатора.
type PortStatus struct {
	Name           string
	State          PortState
	PathDelay      uint32
	PathDelayValid bool
}

// LinkStatus — снимок состояния канала для журнала и метрик.
type LinkStatus struct {
	Name           string
	Role           Role
	Up             bool
	Transmit       bool
	State          SyncState
	SequenceID     uint16
	Synced         bool
	SyncFailures   int
	PathDelay      uint32
	PathDelayValid bool
	PdelayAborts   int
	Grandmaster    [8]byte
	AnnounceSeen   bool
	Ports          []PortStatus
}

// Status возвращает снимок состояния канала.
func (e *Engine) Status(id LinkID) (LinkStatus, error) {
	l := e.link(id)
	if l == nil {
		return LinkStatus{}, fmt.Errorf("%w: %d", ErrUnknownLink, id)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st := LinkStatus{
		Name:         l.cfg.Name,
		Role:         l.cfg.Role,
		Up:           l.up,
		Transmit:     l.txEnabled,
		State:        l.master.state,
		Synced:       l.slave.synced,
		SyncFailures: l.slave.failures,
		PathDelay:    l.pathDelay(),
	}
	switch {
	case l.cfg.Role == RoleSlave:
		st.SequenceID = l.slave.seq
	case l.bridge != nil:
		st.SequenceID = l.bridge.txSeq
	default:
		st.SequenceID = l.master.seq
	}
	if l.bridge != nil {
		st.State = l.bridge.state()
	}
	if l.pd != nil {
		st.PathDelayValid = l.pd.measured
		st.PdelayAborts = l.pd.aborts
	}
	if a := l.announce.last; a != nil {
		st.Grandmaster = a.GrandmasterIdentity
		st.AnnounceSeen = true
	}
	for _, p := range l.ports {
		ps := PortStatus{Name: p.cfg.Name, State: p.state}
		if p.pd != nil {
			ps.PathDelay = p.pd.current()
			ps.PathDelayValid = p.pd.measured
			if l.bridge.slave == p {
				st.PathDelayValid = p.pd.measured
				st.PdelayAborts = p.pd.aborts
			}
		}
		st.Ports = append(st.Ports, ps)
	}
	return st, nil
}

// Identity — идентичность порта канала.
func (e *Engine) Identity(id LinkID) (wire.PortIdentity, error) {
	l := e.link(id)
	if l == nil {
		return wire.PortIdentity{}, fmt.Errorf("%w: %d", ErrUnknownLink, id)
	}
	return l.identity, nil
}
