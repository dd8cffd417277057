// Package gptpsync собирает демон синхронизации gPTP для запуска из cmd/gptpsync
// и встраивания в Beat.
package gptpsync

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/shiwa/timecard-mini/gptpsync/internal/auth"
	"github.com/shiwa/timecard-mini/gptpsync/internal/config"
	"github.com/shiwa/timecard-mini/gptpsync/internal/diag"
	"github.com/shiwa/timecard-mini/gptpsync/internal/diagstore"
	"github.com/shiwa/timecard-mini/gptpsync/internal/engine"
	"github.com/shiwa/timecard-mini/gptpsync/internal/logger"
	"github.com/shiwa/timecard-mini/gptpsync/internal/metrics"
	"github.com/shiwa/timecard-mini/gptpsync/internal/refclock"
	"github.com/shiwa/timecard-mini/gptpsync/internal/timebase"
	"github.com/shiwa/timecard-mini/gptpsync/internal/transport/rawsock"
	"github.com/shiwa/timecard-mini/gptpsync/internal/tstamp"
	pkgconfig "github.com/shiwa/timecard-mini/gptpsync/pkg/config"
)

var log = logger.New("daemon")

// Типы событий для получателей вне модуля.
type (
	DiagEvent    = diag.Event
	SyncRecord   = timebase.SyncRecord
	PdelayRecord = timebase.PdelayRecord
	LinkStatus   = engine.LinkStatus
)

// Hooks — внешние получатели событий демона (Beat).
type Hooks struct {
	Diagnostics diag.Sink
	Recorder    timebase.Recorder
	// OnStatus вызывается с периодом metrics.interval.
	OnStatus func([]engine.LinkStatus)
}

// Daemon — движок с шкалами, опорными часами и приёмниками диагностики.
type Daemon struct {
	cfg      *pkgconfig.Config
	tick     time.Duration
	engine   *engine.Engine
	stores   map[uint8]*timebase.Store
	counters *diag.Counters
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	journal  *diagstore.Store
	election *refclock.Election
	feeder   *refclock.Feeder
	hooks    Hooks
}

// New собирает демон поверх готового транспорта; resolve даёт MAC каналов без addr.
func New(cfg *pkgconfig.Config, tr engine.Transport, resolve config.AddrResolver, hooks Hooks) (*Daemon, error) {
	ecfg, err := config.Build(cfg, resolve)
	if err != nil {
		return nil, err
	}
	d := &Daemon{
		cfg:      cfg,
		tick:     ecfg.TickPeriod,
		stores:   make(map[uint8]*timebase.Store),
		counters: diag.NewCounters(),
		registry: prometheus.NewRegistry(),
		hooks:    hooks,
	}
	if d.metrics, err = metrics.New(d.registry); err != nil {
		return nil, err
	}
	sinks := diag.Multi{d.counters, d.metrics}
	recorders := []timebase.Recorder{d.metrics}
	if cfg.DiagStore.Path != "" {
		if d.journal, err = diagstore.Open(cfg.DiagStore.Path); err != nil {
			return nil, err
		}
		sinks = append(sinks, d.journal)
		recorders = append(recorders, d.journal)
	}
	if hooks.Diagnostics != nil {
		sinks = append(sinks, hooks.Diagnostics)
	}
	if hooks.Recorder != nil {
		recorders = append(recorders, hooks.Recorder)
	}

	tbs := make(map[uint8]engine.TimeBase)
	for _, dom := range config.Domains(cfg) {
		s := timebase.NewStore(dom, localClock(tr, ecfg.Links, dom), recorders...)
		d.stores[dom] = s
		tbs[dom] = s
	}

	deps := engine.Deps{
		Transport:   tr,
		TimeBases:   tbs,
		Diagnostics: sinks,
		Log:         logger.New("engine"),
	}
	a, err := authenticator(cfg, ecfg.Links)
	if err != nil {
		d.Close()
		return nil, err
	}
	if a != nil {
		deps.Auth = a
	}
	if d.engine, err = engine.New(ecfg, deps); err != nil {
		d.Close()
		return nil, err
	}

	if cs := cfg.ClockSync; cs != nil {
		d.election = refclock.Open(cs, cfg.Timepulse)
		if d.election.Len() == 0 {
			log.Infof("clock_sync: нет доступных источников")
		}
		interval, err := time.ParseDuration(cs.Interval)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("clock_sync.interval: %w", err)
		}
		s := d.stores[cs.Domain]
		d.feeder = refclock.NewFeeder(d.election, s, localClock(tr, ecfg.Links, cs.Domain), interval)
	}
	return d, nil
}

// localClock — часы первого канала домена; без каналов — системные.
func localClock(tr engine.Transport, links []engine.LinkConfig, domain uint8) timebase.LocalClock {
	for i, l := range links {
		if l.Domain == domain {
			id := engine.LinkID(i)
			return timebase.LocalClockFunc(func() (tstamp.Timestamp, error) { return tr.LocalTime(id) })
		}
	}
	return timebase.LocalClockFunc(func() (tstamp.Timestamp, error) { return tstamp.FromTime(time.Now()), nil })
}

func authenticator(cfg *pkgconfig.Config, links []engine.LinkConfig) (*auth.Service, error) {
	need := false
	for _, l := range links {
		need = need || l.Authenticate
	}
	if !need {
		return nil, nil
	}
	key, err := config.AuthKey(cfg)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, fmt.Errorf("authenticate requires auth_key")
	}
	return auth.New(key)
}

// Engine — движок демона; транспорт привязывается к нему до Run.
func (d *Daemon) Engine() *engine.Engine { return d.engine }

// TimeBase — шкала домена.
func (d *Daemon) TimeBase(domain uint8) (*timebase.Store, bool) {
	s, ok := d.stores[domain]
	return s, ok
}

// Diagnostics — счётчики диагностических событий.
func (d *Daemon) Diagnostics() *diag.Counters { return d.counters }

// Registry — реестр метрик демона.
func (d *Daemon) Registry() *prometheus.Registry { return d.registry }

// Journal — журнал SQLite или nil.
func (d *Daemon) Journal() *diagstore.Store { return d.journal }

// Observe снимает состояние всех каналов в метрики и Hooks.OnStatus.
func (d *Daemon) Observe() []engine.LinkStatus {
	out := make([]engine.LinkStatus, 0, d.engine.Links())
	for i := 0; i < d.engine.Links(); i++ {
		st, err := d.engine.Status(engine.LinkID(i))
		if err != nil {
			continue
		}
		d.metrics.ObserveLink(st)
		out = append(out, st)
	}
	if d.hooks.OnStatus != nil {
		d.hooks.OnStatus(out)
	}
	return out
}

// Run крутит такт движка, опорные часы, экспорт метрик и дополнительные
// циклы (например транспорт) до отмены ctx или первой ошибки.
func (d *Daemon) Run(ctx context.Context, extra ...func(context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, fn := range extra {
		g.Go(func() error { return fn(ctx) })
	}
	g.Go(func() error {
		ticker := time.NewTicker(d.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				d.engine.Tick()
			}
		}
	})
	if d.feeder != nil {
		g.Go(func() error { return d.feeder.Run(ctx) })
	}
	if addr := d.cfg.Metrics.Listen; addr != "" {
		g.Go(func() error {
			log.Infof("метрики на %s/metrics", addr)
			return metrics.Serve(ctx, addr, d.registry)
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(parseInterval(d.cfg.Metrics.Interval, time.Second))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				d.Observe()
			}
		}
	})
	return g.Wait()
}

// Close освобождает опорные часы и журнал.
func (d *Daemon) Close() error {
	var first error
	if d.election != nil {
		first = d.election.Close()
	}
	if d.journal != nil {
		if err := d.journal.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// RunDaemon открывает сырые сокеты по конфигу и работает до отмены ctx.
// Используется из cmd/gptpsync и Beat (libbeat).
func RunDaemon(ctx context.Context, cfg *pkgconfig.Config, quiet bool, hooks Hooks) error {
	if cfg == nil || len(cfg.Links) == 0 {
		return fmt.Errorf("no links configured")
	}
	logger.Quiet = quiet

	opts := rawsock.Options{Hardware: cfg.Hardware}
	for _, l := range cfg.Links {
		opts.Interfaces = append(opts.Interfaces, rawsock.Interface{Name: l.Interface, PHC: l.PHC})
	}
	tr, err := rawsock.Open(opts)
	if err != nil {
		return err
	}
	defer tr.Close()

	d, err := New(cfg, tr, config.InterfaceAddr, hooks)
	if err != nil {
		return err
	}
	defer d.Close()
	tr.Bind(d.Engine())

	log.Infof("каналов %d, такт %v, hardware=%v", d.engine.Links(), d.tick, cfg.Hardware)
	return d.Run(ctx, tr.Run)
}

func parseInterval(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
