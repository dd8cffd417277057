//go:build linux

package refclock

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// PHC — часы PTP-устройства сетевой карты (/dev/ptpN), например
// подстроенные внешним PPS. Locked, пока clock_gettime успешен.
type PHC struct {
	f      *os.File
	id     int32
	dev    string
	offset time.Duration
}

func NewPHC(dev string, offset time.Duration) (*PHC, error) {
	f, err := os.OpenFile(dev, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("phc open %s: %w", dev, err)
	}
	// FD_TO_CLOCKID: (~fd << 3) | CLOCKFD
	return &PHC{f: f, id: int32(^int(f.Fd())<<3 | 3), dev: dev, offset: offset}, nil
}

func (p *PHC) Name() string     { return "phc:" + p.dev }
func (p *PHC) Protocol() string { return "phc" }

func (p *PHC) Now() (time.Time, Status) {
	var ts unix.Timespec
	if err := unix.ClockGettime(p.id, &ts); err != nil {
		return time.Time{}, StatusUnavailable
	}
	return time.Unix(ts.Unix()).UTC().Add(p.offset), StatusLocked
}

func (p *PHC) Close() error { return p.f.Close() }
