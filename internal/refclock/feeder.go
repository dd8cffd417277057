package refclock

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shiwa/timecard-mini/gptpsync/internal/timebase"
	"github.com/shiwa/timecard-mini/gptpsync/internal/tstamp"
)

// TimeBase — шкала, которую ведут опорные часы.
type TimeBase interface {
	SetGlobalTime(u timebase.Update) error
	SetTimeout(on bool)
	ResetRate()
}

// Runner — источник с фоновым чтением (GNSS, NMEA, NTP).
type Runner interface {
	Run(ctx context.Context) error
}

// Feeder периодически задаёт глобальное время шкалы по активному источнику.
type Feeder struct {
	election *Election
	tb       TimeBase
	clock    timebase.LocalClock
	interval time.Duration

	active   Source
	timedOut bool
}

func NewFeeder(e *Election, tb TimeBase, clock timebase.LocalClock, interval time.Duration) *Feeder {
	if interval <= 0 {
		interval = time.Second
	}
	return &Feeder{election: e, tb: tb, clock: clock, interval: interval}
}

// Step выбирает источник и передаёт его время в шкалу. Смена источника
// сбрасывает оценку хода; отсутствие пригодного источника выставляет TIMEOUT.
func (f *Feeder) Step() error {
	active := f.election.Select()
	if active == nil {
		if !f.timedOut {
			log.Infof("нет пригодного опорного источника")
			f.tb.SetTimeout(true)
			f.timedOut = true
		}
		f.active = nil
		return nil
	}
	if active != f.active {
		log.Infof("опорный источник: %s", active.Name())
		f.tb.ResetRate()
		f.active = active
	}
	local, err := f.clock.LocalTime()
	if err != nil {
		return err
	}
	t, st := active.Now()
	if !st.IsUsable() {
		return nil
	}
	if err := f.tb.SetGlobalTime(timebase.Update{Global: tstamp.FromTime(t), Local: local}); err != nil {
		return err
	}
	f.timedOut = false
	return nil
}

// Run запускает фоновые источники и цикл Step до отмены ctx.
func (f *Feeder) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, group := range [][]Source{f.election.primary, f.election.secondary} {
		for _, s := range group {
			if r, ok := s.(Runner); ok {
				g.Go(func() error {
					if err := r.Run(ctx); err != nil {
						log.Errorf("%s: %v", s.Name(), err)
					}
					return nil
				})
			}
		}
	}
	g.Go(func() error {
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			if err := f.Step(); err != nil {
				log.Errorf("опорное время: %v", err)
			}
		}
	})
	return g.Wait()
}
