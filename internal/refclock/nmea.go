package refclock

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// NMEA — источник времени по предложениям RMC (GPRMC/GNRMC) приёмника
// без UBX. Время RMC — начало секунды, поэтому точность ограничена
// задержкой выдачи строки; её компенсирует Offset.
type NMEA struct {
	fixClock
	name     string
	r        io.Reader
	closer   io.Closer
	once     sync.Once
	closeErr error
	// retryEOF — EOF означает таймаут чтения порта, а не конец данных.
	retryEOF bool
}

// OpenNMEA открывает приёмник NMEA на последовательном порту.
func OpenNMEA(device string, baud int, holdover, offset time.Duration) (*NMEA, error) {
	if baud == 0 {
		baud = 9600
	}
	port, err := serial.OpenPort(&serial.Config{Name: device, Baud: baud, ReadTimeout: gnssReadTimeout})
	if err != nil {
		return nil, fmt.Errorf("nmea open %s: %w", device, err)
	}
	n := newNMEA("nmea:"+device, port, port, holdover, offset)
	n.retryEOF = true
	return n, nil
}

func newNMEA(name string, r io.Reader, c io.Closer, holdover, offset time.Duration) *NMEA {
	return &NMEA{fixClock: newFixClock(holdover, offset), name: name, r: r, closer: c}
}

func (n *NMEA) Name() string     { return n.name }
func (n *NMEA) Protocol() string { return "nmea" }

// Run читает строки до отмены ctx или закрытия порта.
func (n *NMEA) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = n.Close() })
	defer stop()
	rd := bufio.NewReader(n.r)
	var pending string
	for {
		chunk, err := rd.ReadString('\n')
		pending += chunk
		if err == nil {
			n.handle(strings.TrimSpace(pending))
			pending = ""
			continue
		}
		switch {
		case ctx.Err() != nil:
			return nil
		case n.retryEOF && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrNoProgress)):
		case errors.Is(err, io.EOF):
			return nil
		default:
			return fmt.Errorf("%s: %w", n.name, err)
		}
	}
}

func (n *NMEA) handle(line string) {
	if !strings.HasPrefix(line, "$GP") && !strings.HasPrefix(line, "$GN") {
		return
	}
	if len(line) < 6 || line[3:6] != "RMC" {
		return
	}
	t, valid, err := parseRMC(line)
	if err != nil {
		log.Debugf("%s: %v", n.name, err)
		return
	}
	if n.observe(t, valid) {
		log.Infof("%s: первое решение %v", n.name, t)
	}
}

// parseRMC разбирает $xxRMC: поле 1 — hhmmss.ss, 2 — A/V, 9 — ddmmyy.
// valid=false для статуса V (нет решения).
func parseRMC(line string) (time.Time, bool, error) {
	body, err := nmeaBody(line)
	if err != nil {
		return time.Time{}, false, err
	}
	f := strings.Split(body, ",")
	if len(f) < 10 {
		return time.Time{}, false, fmt.Errorf("rmc: %d fields", len(f))
	}
	tm, date := f[1], f[9]
	if len(tm) < 6 || len(date) != 6 {
		return time.Time{}, false, fmt.Errorf("rmc: time %q date %q", tm, date)
	}
	num := func(s string) int {
		v, e := strconv.Atoi(s)
		if e != nil && err == nil {
			err = fmt.Errorf("rmc: %q: %w", s, e)
		}
		return v
	}
	hh, mm, ss := num(tm[0:2]), num(tm[2:4]), num(tm[4:6])
	day, month, year := num(date[0:2]), num(date[2:4]), num(date[4:6])
	nsec := 0
	if len(tm) > 7 && tm[6] == '.' {
		frac := tm[7:]
		if len(frac) > 9 {
			frac = frac[:9]
		}
		nsec = num(frac)
		for i := len(frac); i < 9; i++ {
			nsec *= 10
		}
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if year < 80 {
		year += 2000
	} else {
		year += 1900
	}
	t := time.Date(year, time.Month(month), day, hh, mm, ss, nsec, time.UTC)
	return t, f[2] == "A", nil
}

// nmeaBody проверяет контрольную сумму *hh и возвращает строку без неё.
func nmeaBody(line string) (string, error) {
	i := strings.LastIndexByte(line, '*')
	if i < 0 {
		return line, nil
	}
	want, err := strconv.ParseUint(line[i+1:], 16, 8)
	if err != nil {
		return "", fmt.Errorf("nmea checksum %q: %w", line[i+1:], err)
	}
	var sum byte
	for j := 1; j < i; j++ {
		sum ^= line[j]
	}
	if sum != byte(want) {
		return "", fmt.Errorf("nmea checksum: got %02X, want %02X", sum, want)
	}
	return line[:i], nil
}

func (n *NMEA) Close() error {
	n.once.Do(func() {
		if n.closer != nil {
			n.closeErr = n.closer.Close()
		}
	})
	return n.closeErr
}
