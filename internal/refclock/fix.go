package refclock

import (
	"sync"
	"time"
)

// fixClock хранит последнее решение приёмника (GNSS, NMEA) и ведёт от него
// время по системным часам. Дольше holdover без решения — Unlocked.
type fixClock struct {
	holdover time.Duration
	offset   time.Duration
	now      func() time.Time

	mu    sync.Mutex
	fix   time.Time
	fixAt time.Time
	seen  bool // приходили решения, пусть и непригодные
	have  bool // есть пригодное решение
}

func newFixClock(holdover, offset time.Duration) fixClock {
	return fixClock{holdover: holdover, offset: offset, now: time.Now}
}

// observe запоминает решение; true — это первое пригодное решение.
func (c *fixClock) observe(t time.Time, usable bool) bool {
	at := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = true
	if !usable {
		return false
	}
	first := !c.have
	c.fix, c.fixAt, c.have = t, at, true
	return first
}

// Now — время последнего решения плюс прошедшее по системным часам.
func (c *fixClock) Now() (time.Time, Status) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.have {
		if c.seen {
			return now.UTC(), StatusUnlocked
		}
		return time.Time{}, StatusUnavailable
	}
	age := now.Sub(c.fixAt)
	t := c.fix.Add(age + c.offset)
	if age > c.holdover {
		return t, StatusUnlocked
	}
	return t, StatusLocked
}
