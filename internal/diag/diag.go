// Package diag — сигналы производственной диагностики (pass/fail) и их получатели.
package diag

import (
	"fmt"
	"sync"
)

// Event — диагностическое событие канала.
type Event uint8

const (
	// SyncFailed — пары Sync/Follow_Up не приходят или отбрасываются.
	SyncFailed Event = iota
	// PdelayFailed — измерения задержки прерываются подряд.
	PdelayFailed
	// UnexpectedSync — мастер получил Sync.
	UnexpectedSync
)

func (e Event) String() string {
	switch e {
	case SyncFailed:
		return "sync_failed"
	case PdelayFailed:
		return "pdelay_failed"
	case UnexpectedSync:
		return "unexpected_sync"
	}
	return fmt.Sprintf("Event(%d)", uint8(e))
}

// Sink получает сигналы; failed=false — событие «вылечено» (PREPASSED).
type Sink interface {
	Report(link string, ev Event, failed bool)
}

// Multi рассылает сигналы нескольким получателям.
type Multi []Sink

func (m Multi) Report(link string, ev Event, failed bool) {
	for _, s := range m {
		if s != nil {
			s.Report(link, ev, failed)
		}
	}
}

// Nop ничего не делает.
type Nop struct{}

func (Nop) Report(string, Event, bool) {}

type key struct {
	link string
	ev   Event
}

// Counters — простой получатель в памяти: последний статус и число отказов.
// Используется в тестах и для вывода статуса демоном.
type Counters struct {
	mu       sync.Mutex
	failed   map[key]bool
	failures map[key]int
	passes   map[key]int
}

// NewCounters создаёт пустые счётчики.
func NewCounters() *Counters {
	return &Counters{
		failed:   make(map[key]bool),
		failures: make(map[key]int),
		passes:   make(map[key]int),
	}
}

func (c *Counters) Report(link string, ev Event, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key{link, ev}
	c.failed[k] = failed
	if failed {
		c.failures[k]++
	} else {
		c.passes[k]++
	}
}

// Failed — текущий статус события.
func (c *Counters) Failed(link string, ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed[key{link, ev}]
}

// Failures — сколько раз событие сообщалось как отказ.
func (c *Counters) Failures(link string, ev Event) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures[key{link, ev}]
}

// Passes — сколько раз событие сообщалось как успех.
func (c *Counters) Passes(link string, ev Event) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.passes[key{link, ev}]
}
