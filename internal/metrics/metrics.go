// Package metrics — экспорт состояния gPTP в Prometheus: сигналы диагностики,
// измерения задержки пути, смещение локальных часов и состояние каналов.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shiwa/timecard-mini/gptpsync/internal/diag"
	"github.com/shiwa/timecard-mini/gptpsync/internal/engine"
	"github.com/shiwa/timecard-mini/gptpsync/internal/timebase"
	"github.com/shiwa/timecard-mini/gptpsync/internal/tstamp"
)

const (
	Namespace = "gptpsync"
	Subsystem = "link"
)

// Metrics реализует diag.Sink и timebase.Recorder.
type Metrics struct {
	diagState    *prometheus.GaugeVec
	diagFailures *prometheus.CounterVec
	syncs        *prometheus.CounterVec
	offset       *prometheus.GaugeVec
	pdelayRaw    *prometheus.GaugeVec
	pdelay       *prometheus.GaugeVec
	up           *prometheus.GaugeVec
	synced       *prometheus.GaugeVec
	seq          *prometheus.GaugeVec
}

func gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace, Subsystem: Subsystem, Name: name, Help: help,
	}, labels)
}

func counter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: Subsystem, Name: name, Help: help,
	}, labels)
}

// New создаёт метрики и регистрирует их в reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		diagState:    gauge("diag_failed", "1 — диагностическое событие в состоянии отказа.", "link", "event"),
		diagFailures: counter("diag_failures_total", "Число сообщений об отказе.", "link", "event"),
		syncs:        counter("syncs_total", "Обработанные пары Sync/Follow_Up.", "link", "role"),
		offset:       gauge("offset_ns", "Глобальное минус локальное время в момент приёма Sync, нс.", "link"),
		pdelayRaw:    gauge("pdelay_raw_ns", "Последнее измерение задержки пути, нс.", "link", "port"),
		pdelay:       gauge("pdelay_ns", "Отфильтрованная задержка пути, нс.", "link", "port"),
		up:           gauge("up", "1 — линия поднята.", "link"),
		synced:       gauge("synced", "1 — слейв синхронизирован.", "link"),
		seq:          gauge("sequence_id", "Последний sequenceId Sync.", "link"),
	}
	for _, c := range []prometheus.Collector{
		m.diagState, m.diagFailures, m.syncs, m.offset, m.pdelayRaw, m.pdelay, m.up, m.synced, m.seq,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Report(link string, ev diag.Event, failed bool) {
	v := 0.0
	if failed {
		v = 1
		m.diagFailures.WithLabelValues(link, ev.String()).Inc()
	}
	m.diagState.WithLabelValues(link, ev.String()).Set(v)
}

func (m *Metrics) RecordSync(r timebase.SyncRecord) {
	role := "slave"
	if r.Master {
		role = "master"
	}
	m.syncs.WithLabelValues(r.Link, role).Inc()
	if r.Master {
		return
	}
	if off, ok := SyncOffset(r); ok {
		m.offset.WithLabelValues(r.Link).Set(float64(off))
	}
}

func (m *Metrics) RecordPdelay(r timebase.PdelayRecord) {
	if r.Responder {
		return
	}
	port := portLabel(r.Port)
	m.pdelayRaw.WithLabelValues(r.Link, port).Set(float64(r.Delay))
	m.pdelay.WithLabelValues(r.Link, port).Set(float64(r.Filtered))
}

// ObserveLink обновляет метрики состояния канала.
func (m *Metrics) ObserveLink(st engine.LinkStatus) {
	m.up.WithLabelValues(st.Name).Set(boolValue(st.Up))
	m.seq.WithLabelValues(st.Name).Set(float64(st.SequenceID))
	if st.Role == engine.RoleSlave {
		m.synced.WithLabelValues(st.Name).Set(boolValue(st.Synced))
	}
	if st.PathDelayValid {
		m.pdelay.WithLabelValues(st.Name, portLabel(engine.NoPort)).Set(float64(st.PathDelay))
	}
	for i, p := range st.Ports {
		if p.PathDelayValid {
			m.pdelay.WithLabelValues(st.Name, portLabel(i)).Set(float64(p.PathDelay))
		}
	}
}

// SyncOffset — (POT + correction + задержка пути) − метка приёма, нс.
func SyncOffset(r timebase.SyncRecord) (int64, bool) {
	g := tstamp.Add(tstamp.Add(r.POT, r.Correction), tstamp.FromNanoseconds(uint64(r.PathDelay)))
	return tstamp.Sub(g, r.Local).Nanoseconds()
}

func portLabel(port int) string {
	if port == engine.NoPort {
		return "link"
	}
	return strconv.Itoa(port)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Serve отдаёт /metrics на addr до отмены ctx.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
