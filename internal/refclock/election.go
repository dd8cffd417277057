package refclock

import "time"

// Election — выбор активного источника: сначала primary, затем secondary.
type Election struct {
	primary   []Source
	secondary []Source
	active    Source
}

// NewElection создаёт выборщик из списков primary и secondary
func NewElection(primary, secondary []Source) *Election {
	return &Election{
		primary:   primary,
		secondary: secondary,
	}
}

// Select выбирает первый пригодный источник по порядку приоритета.
func (e *Election) Select() Source {
	for _, group := range [][]Source{e.primary, e.secondary} {
		for _, s := range group {
			if _, st := s.Now(); st.IsUsable() {
				e.active = s
				return s
			}
		}
	}
	e.active = nil
	return nil
}

// Active возвращает текущий активный источник (после Select)
func (e *Election) Active() Source {
	return e.active
}

// TimeFromActive возвращает время активного источника; без активного — (zero, false).
func (e *Election) TimeFromActive() (time.Time, bool) {
	if e.active == nil {
		e.Select()
	}
	if e.active == nil {
		return time.Time{}, false
	}
	t, st := e.active.Now()
	return t, st.IsUsable()
}

// Close закрывает все источники.
func (e *Election) Close() error {
	var first error
	for _, group := range [][]Source{e.primary, e.secondary} {
		for _, s := range group {
			if err := s.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// Len — число источников.
func (e *Election) Len() int { return len(e.primary) + len(e.secondary) }
