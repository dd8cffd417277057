//go:build linux

package rawsock

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/shiwa/timecard-mini/gptpsync/internal/engine"
	"github.com/shiwa/timecard-mini/gptpsync/internal/logger"
	"github.com/shiwa/timecard-mini/gptpsync/internal/tstamp"
	"github.com/shiwa/timecard-mini/gptpsync/internal/wire"
)

var log = logger.New("rawsock")

// Linux PHC: FD_TO_CLOCKID(fd) = (~fd << 3) | CLOCKFD (include/linux/posix-timers.h).
const clockFD = 3

// phc — часы PTP-устройства; nil означает CLOCK_REALTIME.
type phc struct {
	f  *os.File
	id int32
}

func openPHC(dev string) (*phc, error) {
	f, err := os.OpenFile(dev, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	return &phc{f: f, id: int32(^int(f.Fd())<<3 | clockFD)}, nil
}

func (c *phc) now() (tstamp.Timestamp, error) {
	id := int32(unix.CLOCK_REALTIME)
	if c != nil {
		id = c.id
	}
	var ts unix.Timespec
	if err := unix.ClockGettime(id, &ts); err != nil {
		return tstamp.Timestamp{}, fmt.Errorf("rawsock: clock_gettime: %w", err)
	}
	return tstamp.FromTime(time.Unix(ts.Unix())), nil
}

func (c *phc) close() error {
	if c == nil {
		return nil
	}
	return c.f.Close()
}

func htons(v uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return binary.NativeEndian.Uint16(b[:])
}

type pendingTx struct {
	buf *engine.TxBuffer
	at  time.Time
}

type link struct {
	id    engine.LinkID
	name  string
	index int
	addr  net.HardwareAddr
	fd    int
	proto uint16
	clock *phc

	mu      sync.Mutex
	up      bool
	stamp   map[*engine.TxBuffer]bool
	pending map[txKey]pendingTx
	egress  map[*engine.TxBuffer]tstamp.Timestamp
}

// Transport реализует engine.Transport на сырых сокетах.
type Transport struct {
	opts   Options
	links  []*link
	q      *queue
	recv   Receiver
	handle atomic.Uint32
}

// Open открывает сокеты всех интерфейсов. При ошибке уже открытые закрываются.
func Open(opts Options) (*Transport, error) {
	opts.applyDefaults()
	t := &Transport{opts: opts, q: newQueue()}
	for i, ifc := range opts.Interfaces {
		l, err := openLink(engine.LinkID(i), ifc, opts.Hardware)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("rawsock: %s: %w", ifc.Name, err)
		}
		t.links = append(t.links, l)
	}
	return t, nil
}

func openLink(id engine.LinkID, ifc Interface, hw bool) (*link, error) {
	if hw && ifc.PHC == "" {
		return nil, errors.New("hardware timestamps need a PHC device")
	}
	ifi, err := net.InterfaceByName(ifc.Name)
	if err != nil {
		return nil, err
	}
	if len(ifi.HardwareAddr) != 6 {
		return nil, fmt.Errorf("not an ethernet interface (addr %v)", ifi.HardwareAddr)
	}
	proto := htons(wire.EtherType)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, int(proto))
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	l := &link{
		id:      id,
		name:    ifc.Name,
		index:   ifi.Index,
		addr:    ifi.HardwareAddr,
		fd:      fd,
		proto:   proto,
		up:      ifi.Flags&net.FlagUp != 0,
		stamp:   make(map[*engine.TxBuffer]bool),
		pending: make(map[txKey]pendingTx),
		egress:  make(map[*engine.TxBuffer]tstamp.Timestamp),
	}
	if err := l.setup(ifc, hw); err != nil {
		l.close()
		return nil, err
	}
	return l, nil
}

func (l *link) setup(ifc Interface, hw bool) error {
	if err := unix.Bind(l.fd, &unix.SockaddrLinklayer{Protocol: l.proto, Ifindex: l.index}); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	mreq := &unix.PacketMreq{Ifindex: int32(l.index), Type: unix.PACKET_MR_MULTICAST, Alen: 6}
	copy(mreq.Address[:], wire.DefaultDestination)
	if err := unix.SetsockoptPacketMreq(l.fd, unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP, mreq); err != nil {
		return fmt.Errorf("multicast membership: %w", err)
	}

	flags := unix.SOF_TIMESTAMPING_TX_SOFTWARE | unix.SOF_TIMESTAMPING_RX_SOFTWARE | unix.SOF_TIMESTAMPING_SOFTWARE
	if hw {
		cfg := &unix.HwTstampConfig{Tx_type: unix.HWTSTAMP_TX_ON, Rx_filter: unix.HWTSTAMP_FILTER_PTP_V2_L2_EVENT}
		if err := unix.IoctlSetHwTstamp(l.fd, ifc.Name, cfg); err != nil {
			return fmt.Errorf("SIOCSHWTSTAMP: %w", err)
		}
		flags = unix.SOF_TIMESTAMPING_TX_HARDWARE | unix.SOF_TIMESTAMPING_RX_HARDWARE | unix.SOF_TIMESTAMPING_RAW_HARDWARE
	}
	if err := unix.SetsockoptInt(l.fd, unix.SOL_SOCKET, unix.SO_TIMESTAMPING, flags); err != nil {
		return fmt.Errorf("SO_TIMESTAMPING: %w", err)
	}
	if hw {
		c, err := openPHC(ifc.PHC)
		if err != nil {
			return fmt.Errorf("phc: %w", err)
		}
		l.clock = c
	} else if ifc.PHC != "" {
		log.Infof("%s: программные метки, PHC %s не используется", l.name, ifc.PHC)
	}
	return nil
}

func (l *link) close() error {
	err := unix.Close(l.fd)
	if cerr := l.clock.close(); err == nil {
		err = cerr
	}
	return err
}

// Bind подключает получателя событий. Вызывается до Run.
func (t *Transport) Bind(rx Receiver) { t.recv = rx }

// Addr — MAC-адрес интерфейса канала.
func (t *Transport) Addr(id engine.LinkID) (net.HardwareAddr, error) {
	l, err := t.link(id)
	if err != nil {
		return nil, err
	}
	return l.addr, nil
}

func (t *Transport) link(id engine.LinkID) (*link, error) {
	if id < 0 || int(id) >= len(t.links) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLink, id)
	}
	return t.links[id], nil
}

// Run читает сокеты и доставляет события до отмены ctx.
func (t *Transport) Run(ctx context.Context) error {
	if t.recv == nil {
		return errors.New("rawsock: no receiver bound")
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.q.run(ctx) })
	for _, l := range t.links {
		t.recv.OnLinkStateChanged(l.id, l.isUp())
		g.Go(func() error { return t.serve(ctx, l) })
	}
	g.Go(func() error { return t.watch(ctx) })
	return g.Wait()
}

// Close закрывает сокеты; вызывается после завершения Run.
func (t *Transport) Close() error {
	var errs []error
	for _, l := range t.links {
		if err := l.close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", l.name, err))
		}
	}
	return errors.Join(errs...)
}

func (l *link) isUp() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.up
}

// watch следит за флагом UP интерфейсов.
func (t *Transport) watch(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for _, l := range t.links {
			ifi, err := net.InterfaceByName(l.name)
			up := err == nil && ifi.Flags&net.FlagUp != 0
			l.mu.Lock()
			changed := l.up != up
			l.up = up
			l.mu.Unlock()
			if changed {
				t.recv.OnLinkStateChanged(l.id, up)
			}
		}
	}
}

func (t *Transport) serve(ctx context.Context, l *link) error {
	buf := make([]byte, 2048)
	oob := make([]byte, 1024)
	fds := []unix.PollFd{{Fd: int32(l.fd), Events: unix.POLLIN | unix.POLLPRI}}
	timeout := int(t.opts.PollInterval / time.Millisecond)
	for ctx.Err() == nil {
		n, err := unix.Poll(fds, timeout)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("rawsock: %s: poll: %w", l.name, err)
		}
		if n > 0 && fds[0].Revents&unix.POLLERR != 0 {
			t.readErrQueue(l, buf, oob)
		}
		if n > 0 && fds[0].Revents&unix.POLLIN != 0 {
			t.readFrames(l, buf, oob)
		}
		t.expire(l, time.Now())
	}
	return nil
}

func (t *Transport) readFrames(l *link, buf, oob []byte) {
	for {
		n, oobn, _, from, err := unix.Recvmsg(l.fd, buf, oob, unix.MSG_DONTWAIT)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			return
		}
		if err != nil {
			log.Errorf("%s: приём: %v", l.name, err)
			return
		}
		if sa, ok := from.(*unix.SockaddrLinklayer); ok && sa.Pkttype == unix.PACKET_OUTGOING {
			continue
		}
		f, err := Decode(buf[:n])
		if err != nil {
			log.Debugf("%s: %v", l.name, err)
			continue
		}
		ts, ok := timestampOf(oob[:oobn], t.opts.Hardware)
		t.recv.OnFrameReceived(l.id, engine.NoPort, f.Src, f.Payload, engine.RxInfo{Timestamp: ts, TimestampValid: ok})
	}
}

// readErrQueue забирает метки отправки: ядро возвращает копию кадра с меткой.
func (t *Transport) readErrQueue(l *link, buf, oob []byte) {
	for {
		n, oobn, _, _, err := unix.Recvmsg(l.fd, buf, oob, unix.MSG_ERRQUEUE|unix.MSG_DONTWAIT)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			return
		}
		if err != nil {
			log.Errorf("%s: очередь ошибок: %v", l.name, err)
			return
		}
		f, err := Decode(buf[:n])
		if err != nil {
			continue
		}
		key, ok := keyOf(f.Payload)
		if !ok {
			continue
		}
		ts, tsOK := timestampOf(oob[:oobn], t.opts.Hardware)

		l.mu.Lock()
		p, found := l.pending[key]
		if found {
			delete(l.pending, key)
			if tsOK {
				l.egress[p.buf] = ts
			}
		}
		l.mu.Unlock()
		if found {
			t.recv.OnTransmitConfirmed(l.id, p.buf)
		}
	}
}

// expire подтверждает буферы, метка которых так и не пришла.
func (t *Transport) expire(l *link, now time.Time) {
	var late []*engine.TxBuffer
	l.mu.Lock()
	for k, p := range l.pending {
		if now.Sub(p.at) > t.opts.TxTimestampTimeout {
			delete(l.pending, k)
			late = append(late, p.buf)
		}
	}
	l.mu.Unlock()
	for _, b := range late {
		log.Debugf("%s: нет метки отправки для буфера %d", l.name, b.Handle)
		t.recv.OnTransmitConfirmed(l.id, b)
	}
}

// timestampOf извлекает метку из SCM_TIMESTAMPING: ts[0] — программная,
// ts[2] — аппаратная (сырое время PHC).
func timestampOf(oob []byte, hw bool) (tstamp.Timestamp, bool) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return tstamp.Timestamp{}, false
	}
	for _, m := range msgs {
		if m.Header.Level != unix.SOL_SOCKET || m.Header.Type != unix.SO_TIMESTAMPING {
			continue
		}
		var ts [3]unix.Timespec
		raw := unsafe.Slice((*byte)(unsafe.Pointer(&ts[0])), unsafe.Sizeof(ts))
		if len(m.Data) < len(raw) {
			continue
		}
		copy(raw, m.Data)
		i := 0
		if hw {
			i = 2
		}
		if ts[i].Sec == 0 && ts[i].Nsec == 0 {
			return tstamp.Timestamp{}, false
		}
		return tstamp.FromTime(time.Unix(ts[i].Unix())), true
	}
	return tstamp.Timestamp{}, false
}

func (t *Transport) ProvideTxBuffer(id engine.LinkID, size int) (*engine.TxBuffer, error) {
	if _, err := t.link(id); err != nil {
		return nil, err
	}
	return &engine.TxBuffer{Handle: t.handle.Add(1), Data: make([]byte, size), Port: engine.NoPort}, nil
}

func (t *Transport) ReleaseTxBuffer(id engine.LinkID, buf *engine.TxBuffer) {
	l, err := t.link(id)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.stamp, buf)
	delete(l.egress, buf)
}

func (t *Transport) EnableEgressTimestamp(id engine.LinkID, buf *engine.TxBuffer) {
	l, err := t.link(id)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stamp[buf] = true
}

func (t *Transport) EgressTimestamp(id engine.LinkID, buf *engine.TxBuffer) (tstamp.Timestamp, bool) {
	l, err := t.link(id)
	if err != nil {
		return tstamp.Timestamp{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ts, ok := l.egress[buf]
	delete(l.egress, buf)
	return ts, ok
}

func (t *Transport) LocalTime(id engine.LinkID) (tstamp.Timestamp, error) {
	l, err := t.link(id)
	if err != nil {
		return tstamp.Timestamp{}, err
	}
	return l.clock.now()
}

// Transmit отправляет кадр. Подтверждение приходит позже: для буфера с
// меткой — из очереди ошибок, для остальных — через очередь вызовов.
func (t *Transport) Transmit(id engine.LinkID, buf *engine.TxBuffer, dst net.HardwareAddr, length int) error {
	l, err := t.link(id)
	if err != nil {
		return err
	}
	if len(dst) != 6 {
		dst = wire.DefaultDestination
	}
	msg := buf.Data[:length]
	frame, err := Encode(dst, l.addr, buf.Priority, msg)
	if err != nil {
		return err
	}

	l.mu.Lock()
	var key txKey
	stamp := l.stamp[buf]
	if stamp {
		delete(l.stamp, buf)
		key, stamp = keyOf(msg)
	}
	if stamp {
		l.pending[key] = pendingTx{buf: buf, at: time.Now()}
	}
	l.mu.Unlock()

	sa := &unix.SockaddrLinklayer{Protocol: l.proto, Ifindex: l.index, Halen: 6}
	copy(sa.Addr[:], dst)
	if err := unix.Sendto(l.fd, frame, 0, sa); err != nil {
		if stamp {
			l.mu.Lock()
			delete(l.pending, key)
			l.mu.Unlock()
		}
		return fmt.Errorf("rawsock: %s: send: %w", l.name, err)
	}
	if !stamp {
		t.q.post(func() { t.recv.OnTransmitConfirmed(id, buf) })
	}
	return nil
}
