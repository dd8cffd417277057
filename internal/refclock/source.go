// Package refclock — опорные часы гроссмейстера: источники времени (системные
// часы, PHC, GNSS UBX и NMEA, NTP), выбор активного источника primary → secondary и подача
// его времени в шкалу домена.
package refclock

import "time"

// Source — источник опорного времени.
type Source interface {
	// Name возвращает имя источника для логов
	Name() string
	// Protocol возвращает протокол: system, phc, gnss, nmea, ntp
	Protocol() string
	// Now возвращает текущее время по источнику и статус
	Now() (time.Time, Status)
	// Close освобождает ресурсы
	Close() error
}

// Status — состояние источника.
type Status int

const (
	StatusUnavailable Status = iota
	StatusUnlocked           // есть данные, но без фиксации (GNSS без решения)
	StatusLocked             // источник пригоден для шкалы
)

func (s Status) String() string {
	switch s {
	case StatusUnavailable:
		return "unavailable"
	case StatusUnlocked:
		return "unlocked"
	case StatusLocked:
		return "locked"
	default:
		return "unknown"
	}
}

// IsUsable возвращает true, если от источника можно вести шкалу.
func (s Status) IsUsable() bool {
	return s == StatusLocked
}

// System — системные часы со статическим смещением; всегда Locked.
type System struct {
	Offset time.Duration
	now    func() time.Time
}

func NewSystem(offset time.Duration) *System {
	return &System{Offset: offset, now: time.Now}
}

func (s *System) Name() string     { return "system" }
func (s *System) Protocol() string { return "system" }

func (s *System) Now() (time.Time, Status) {
	return s.now().UTC().Add(s.Offset), StatusLocked
}

func (s *System) Close() error { return nil }
