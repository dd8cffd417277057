package refclock

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

const (
	ntpPacketSize  = 48
	ntpDefaultPoll = 16 * time.Second
	ntpTimeout     = 5 * time.Second
)

// ntpEpochOffset — секунды между 1900-01-01 и 1970-01-01.
const ntpEpochOffset = 2208988800

// NTP — источник времени по серверу NTP (клиентский режим, RFC 5905 упрощённо).
// Run опрашивает сервер раз в poll и запоминает время сервера с поправкой
// на половину задержки обмена; Now ведёт его по системным часам.
type NTP struct {
	fixClock
	addr    string
	poll    time.Duration
	timeout time.Duration
	dial    func(ctx context.Context, addr string) (net.Conn, error)
}

// NewNTP создаёт источник; host без порта дополняется :123.
func NewNTP(host string, poll, holdover, offset time.Duration) *NTP {
	if poll <= 0 {
		poll = ntpDefaultPoll
	}
	if holdover <= 0 {
		holdover = 4 * poll
	}
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, "123")
	}
	var d net.Dialer
	return &NTP{
		fixClock: newFixClock(holdover, offset),
		addr:     addr,
		poll:     poll,
		timeout:  ntpTimeout,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "udp", addr)
		},
	}
}

func (n *NTP) Name() string     { return "ntp:" + n.addr }
func (n *NTP) Protocol() string { return "ntp" }

// Run опрашивает сервер до отмены ctx. Ошибки обмена только логируются:
// источник уходит в Unlocked по истечении holdover.
func (n *NTP) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.poll)
	defer ticker.Stop()
	for {
		if err := n.Query(ctx); err != nil && ctx.Err() == nil {
			log.Debugf("%s: %v", n.Name(), err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Query выполняет один обмен с сервером.
func (n *NTP) Query(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	conn, err := n.dial(ctx, n.addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(dl); err != nil {
			return err
		}
	}

	req := make([]byte, ntpPacketSize)
	req[0] = 0x23 // LI 0, VN 4, mode 3 (client)
	t0 := n.now()
	putNTPTime(req[40:], t0)
	if _, err := conn.Write(req); err != nil {
		return err
	}
	resp := make([]byte, ntpPacketSize)
	m, err := conn.Read(resp)
	t3 := n.now()
	if err != nil {
		return err
	}
	if m < ntpPacketSize {
		return fmt.Errorf("short reply %d bytes", m)
	}
	if mode := resp[0] & 0x07; mode != 4 {
		return fmt.Errorf("reply mode %d", mode)
	}
	if resp[1] == 0 {
		return fmt.Errorf("kiss-o'-death %q", resp[12:16])
	}
	if !bytes.Equal(resp[24:32], req[40:48]) {
		return fmt.Errorf("origin timestamp mismatch")
	}
	t1, t2 := ntpTime(resp[32:]), ntpTime(resp[40:])
	// смещение сервера относительно локальных часов, RFC 5905 разд. 8
	offset := (t1.Sub(t0) + t2.Sub(t3)) / 2
	synced := resp[0]>>6 != 3
	if n.observe(t3.Add(offset), synced) {
		log.Infof("%s: первый ответ, stratum %d, смещение %v", n.Name(), resp[1], offset)
	}
	return nil
}

func ntpTime(b []byte) time.Time {
	sec := binary.BigEndian.Uint32(b[0:])
	frac := binary.BigEndian.Uint32(b[4:])
	ns := (int64(frac) * int64(time.Second)) >> 32
	return time.Unix(int64(sec)-ntpEpochOffset, ns).UTC()
}

func putNTPTime(b []byte, t time.Time) {
	binary.BigEndian.PutUint32(b[0:], uint32(t.Unix()+ntpEpochOffset))
	binary.BigEndian.PutUint32(b[4:], uint32((int64(t.Nanosecond())<<32)/int64(time.Second)))
}

func (n *NTP) Close() error { return nil }
