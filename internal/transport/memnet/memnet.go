// Package memnet — транспорт в памяти для проверки движка без сети.
//
// Узлы соединены двухточечными линиями с постоянной задержкой. Время
// виртуальное: Network.Advance сдвигает его шагами такта, доставляет кадры и
// подтверждения и вызывает Tick у каждого узла. У каждого узла свои часы,
// смещённые относительно общего времени сети. Метки времени точные.
package memnet

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/shiwa/timecard-mini/gptpsync/internal/engine"
	"github.com/shiwa/timecard-mini/gptpsync/internal/timebase"
	"github.com/shiwa/timecard-mini/gptpsync/internal/tstamp"
)

var (
	// ErrNotConnected — у канала узла нет линии.
	ErrNotConnected = errors.New("memnet: link not connected")
	// ErrLinkDown — линия разорвана.
	ErrLinkDown = errors.New("memnet: link down")
)

// Receiver — получатель событий узла (engine.Engine).
type Receiver interface {
	OnFrameReceived(id engine.LinkID, port int, src net.HardwareAddr, frame []byte, rx engine.RxInfo)
	OnTransmitConfirmed(id engine.LinkID, buf *engine.TxBuffer)
	OnLinkStateChanged(id engine.LinkID, up bool)
	Tick()
}

type event struct {
	at  time.Duration
	seq uint64
	run func()
}

// Network — общая среда узлов.
type Network struct {
	mu    sync.Mutex
	base  uint64
	now   time.Duration
	delay time.Duration
	seq   uint64
	queue []event
	nodes []*Node

	// Drop, если задан, решает, потерять ли кадр (вызывается при передаче).
	Drop func(from *Node, link engine.LinkID, frame []byte) bool
}

// New создаёт сеть: base — общее время в момент 0, delay — задержка линий.
func New(base tstamp.Timestamp, delay time.Duration) *Network {
	ns, _ := base.Nanoseconds64()
	return &Network{base: ns, delay: delay}
}

// Now — виртуальное время от начала.
func (n *Network) Now() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.now
}

func (n *Network) schedule(at time.Duration, run func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	n.queue = append(n.queue, event{at: at, seq: n.seq, run: run})
}

// flush выполняет все наступившие события, включая порождённые ими.
func (n *Network) flush() {
	for {
		n.mu.Lock()
		sort.Slice(n.queue, func(i, j int) bool {
			if n.queue[i].at != n.queue[j].at {
				return n.queue[i].at < n.queue[j].at
			}
			return n.queue[i].seq < n.queue[j].seq
		})
		if len(n.queue) == 0 || n.queue[0].at > n.now {
			n.mu.Unlock()
			return
		}
		ev := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()
		ev.run()
	}
}

// Advance сдвигает время на d шагами tick. На каждом шаге доставляются
// наступившие события, затем узлы получают Tick.
func (n *Network) Advance(d, tick time.Duration) {
	if tick <= 0 {
		tick = d
	}
	for elapsed := time.Duration(0); elapsed < d; elapsed += tick {
		n.mu.Lock()
		n.now += tick
		nodes := append([]*Node(nil), n.nodes...)
		n.mu.Unlock()

		n.flush()
		for _, node := range nodes {
			if rx := node.receiver(); rx != nil {
				rx.Tick()
			}
		}
		n.flush()
	}
}

// Flush доставляет события текущего момента без сдвига времени.
func (n *Network) Flush() { n.flush() }

type end struct {
	peer *Node
	link engine.LinkID
	up   bool
}

// Node — транспорт одного узла; реализует engine.Transport.
type Node struct {
	net    *Network
	name   string
	addr   net.HardwareAddr
	offset time.Duration

	mu      sync.Mutex
	rx      Receiver
	ends    map[engine.LinkID]*end
	stamp   map[*engine.TxBuffer]bool
	egress  map[*engine.TxBuffer]tstamp.Timestamp
	handle  uint32
	sent    int
	dropped int
}

// NewNode добавляет узел; offset — сдвиг его часов относительно сети.
func (n *Network) NewNode(name string, addr net.HardwareAddr, offset time.Duration) *Node {
	node := &Node{
		net:    n,
		name:   name,
		addr:   addr,
		offset: offset,
		ends:   make(map[engine.LinkID]*end),
		stamp:  make(map[*engine.TxBuffer]bool),
		egress: make(map[*engine.TxBuffer]tstamp.Timestamp),
	}
	n.mu.Lock()
	n.nodes = append(n.nodes, node)
	n.mu.Unlock()
	return node
}

// Bind подключает получателя событий (движок создаётся после узла).
func (node *Node) Bind(rx Receiver) {
	node.mu.Lock()
	node.rx = rx
	node.mu.Unlock()
}

func (node *Node) receiver() Receiver {
	node.mu.Lock()
	defer node.mu.Unlock()
	return node.rx
}

// Name — имя узла.
func (node *Node) Name() string { return node.name }

// Connect соединяет канал la узла a с каналом lb узла b и поднимает линию.
func Connect(a *Node, la engine.LinkID, b *Node, lb engine.LinkID) {
	a.mu.Lock()
	a.ends[la] = &end{peer: b, link: lb, up: true}
	a.mu.Unlock()
	b.mu.Lock()
	b.ends[lb] = &end{peer: a, link: la, up: true}
	b.mu.Unlock()
	a.notifyLink(la, true)
	b.notifyLink(lb, true)
}

// SetLinkUp поднимает или разрывает линию канала с обеих сторон.
func (node *Node) SetLinkUp(link engine.LinkID, up bool) error {
	node.mu.Lock()
	e, ok := node.ends[link]
	if ok {
		e.up = up
	}
	node.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s/%d", ErrNotConnected, node.name, link)
	}
	e.peer.mu.Lock()
	if pe, ok := e.peer.ends[e.link]; ok {
		pe.up = up
	}
	e.peer.mu.Unlock()
	node.notifyLink(link, up)
	e.peer.notifyLink(e.link, up)
	return nil
}

func (node *Node) notifyLink(link engine.LinkID, up bool) {
	if rx := node.receiver(); rx != nil {
		rx.OnLinkStateChanged(link, up)
	}
}

// localAt — показание часов узла в момент at сети.
func (node *Node) localAt(at time.Duration) tstamp.Timestamp {
	ns := int64(node.net.base) + int64(at) + int64(node.offset)
	if ns < 0 {
		ns = 0
	}
	return tstamp.FromNanoseconds(uint64(ns))
}

// Clock — часы узла для timebase.Store.
func (node *Node) Clock() timebase.LocalClock {
	return timebase.LocalClockFunc(func() (tstamp.Timestamp, error) {
		return node.LocalTime(0)
	})
}

// Stats — число переданных и потерянных кадров.
func (node *Node) Stats() (sent, dropped int) {
	node.mu.Lock()
	defer node.mu.Unlock()
	return node.sent, node.dropped
}

func (node *Node) ProvideTxBuffer(_ engine.LinkID, size int) (*engine.TxBuffer, error) {
	node.mu.Lock()
	defer node.mu.Unlock()
	node.handle++
	return &engine.TxBuffer{Handle: node.handle, Data: make([]byte, size)}, nil
}

func (node *Node) ReleaseTxBuffer(_ engine.LinkID, buf *engine.TxBuffer) {
	node.mu.Lock()
	defer node.mu.Unlock()
	delete(node.stamp, buf)
}

func (node *Node) EnableEgressTimestamp(_ engine.LinkID, buf *engine.TxBuffer) {
	node.mu.Lock()
	defer node.mu.Unlock()
	node.stamp[buf] = true
}

func (node *Node) EgressTimestamp(_ engine.LinkID, buf *engine.TxBuffer) (tstamp.Timestamp, bool) {
	node.mu.Lock()
	defer node.mu.Unlock()
	ts, ok := node.egress[buf]
	delete(node.egress, buf)
	return ts, ok
}

func (node *Node) LocalTime(engine.LinkID) (tstamp.Timestamp, error) {
	return node.localAt(node.net.Now()), nil
}

// Transmit ставит в очередь подтверждение (сейчас) и приём на другой
// стороне (через задержку линии). Движок вызывается только из очереди.
func (node *Node) Transmit(link engine.LinkID, buf *engine.TxBuffer, _ net.HardwareAddr, length int) error {
	n := node.net
	now := n.Now()

	node.mu.Lock()
	e, ok := node.ends[link]
	switch {
	case !ok:
		node.mu.Unlock()
		return fmt.Errorf("%w: %s/%d", ErrNotConnected, node.name, link)
	case !e.up:
		node.mu.Unlock()
		return fmt.Errorf("%w: %s/%d", ErrLinkDown, node.name, link)
	}
	if node.stamp[buf] {
		delete(node.stamp, buf)
		node.egress[buf] = node.localAt(now)
	}
	frame := append([]byte(nil), buf.Data[:length]...)
	node.sent++
	lost := n.Drop != nil && n.Drop(node, link, frame)
	if lost {
		node.dropped++
	}
	node.mu.Unlock()

	n.schedule(now, func() {
		if rx := node.receiver(); rx != nil {
			rx.OnTransmitConfirmed(link, buf)
		}
	})
	if lost {
		return nil
	}
	peer, peerLink, src := e.peer, e.link, node.addr
	at := now + n.delay
	n.schedule(at, func() {
		peer.mu.Lock()
		pe, ok := peer.ends[peerLink]
		up := ok && pe.up
		peer.mu.Unlock()
		if !up {
			return
		}
		if rx := peer.receiver(); rx != nil {
			rx.OnFrameReceived(peerLink, engine.NoPort, src, frame, engine.RxInfo{
				Timestamp:      peer.localAt(at),
				TimestampValid: true,
			})
		}
	})
	return nil
}
