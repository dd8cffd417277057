package refclock

import (
	"testing"
	"time"
)

// mockSource реализует Source для тестов.
type mockSource struct {
	name     string
	protocol string
	t        time.Time
	st       Status
	closed   bool
}

func (m *mockSource) Name() string             { return m.name }
func (m *mockSource) Protocol() string         { return m.protocol }
func (m *mockSource) Now() (time.Time, Status) { return m.t, m.st }

func (m *mockSource) Close() error {
	m.closed = true
	return nil
}

func TestElection_Select(t *testing.T) {
	lockedTime := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	unavail := &mockSource{name: "u", protocol: "u", st: StatusUnavailable}
	unlocked := &mockSource{name: "ul", protocol: "ul", t: lockedTime, st: StatusUnlocked}
	locked1 := &mockSource{name: "p1", protocol: "gnss", t: lockedTime, st: StatusLocked}
	locked2 := &mockSource{name: "s1", protocol: "system", t: lockedTime.Add(time.Second), st: StatusLocked}

	t.Run("no sources", func(t *testing.T) {
		e := NewElection(nil, nil)
		if e.Select() != nil {
			t.Error("expected nil with no sources")
		}
	})

	t.Run("primary usable", func(t *testing.T) {
		e := NewElection([]Source{locked1}, []Source{locked2})
		got := e.Select()
		if got != locked1 {
			t.Errorf("expected primary locked source, got %v", got)
		}
		if e.Active() != locked1 {
			t.Error("Active() should return selected source")
		}
	})

	t.Run("primary unavailable fallback to secondary", func(t *testing.T) {
		e := NewElection([]Source{unavail, unlocked}, []Source{locked2})
		got := e.Select()
		if got != locked2 {
			t.Errorf("expected secondary locked, got %v", got)
		}
	})

	t.Run("none usable", func(t *testing.T) {
		e := NewElection([]Source{unavail, unlocked}, []Source{unavail})
		if got := e.Select(); got != nil {
			t.Errorf("expected nil when none usable, got %v", got)
		}
		if e.Active() != nil {
			t.Error("Active() should be nil")
		}
	})
}

func TestElection_TimeFromActive(t *testing.T) {
	lockedTime := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	locked := &mockSource{name: "p", protocol: "gnss", t: lockedTime, st: StatusLocked}

	e := NewElection([]Source{locked}, nil)
	tm, ok := e.TimeFromActive()
	if !ok {
		t.Error("expected ok after TimeFromActive triggers Select")
	}
	if !tm.Equal(lockedTime) {
		t.Errorf("got %v want %v", tm, lockedTime)
	}

	locked.st = StatusUnlocked
	if _, ok := e.TimeFromActive(); ok {
		t.Error("unlocked active source must not be usable")
	}

	if _, ok := NewElection(nil, nil).TimeFromActive(); ok {
		t.Error("expected false with no sources")
	}
}

func TestElection_Close(t *testing.T) {
	a, b := &mockSource{name: "a"}, &mockSource{name: "b"}
	e := NewElection([]Source{a}, []Source{b})
	if e.Len() != 2 {
		t.Errorf("Len() = %d", e.Len())
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if !a.closed || !b.closed {
		t.Error("all sources must be closed")
	}
}
