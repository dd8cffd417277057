// Package diagstore — журнал диагностики и записей валидации времени в SQLite.
// Каждый запуск демона получает свой идентификатор; события и измерения
// пишутся с ним, чтобы сравнивать прогоны.
package diagstore

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/shiwa/timecard-mini/gptpsync/internal/diag"
	"github.com/shiwa/timecard-mini/gptpsync/internal/logger"
	"github.com/shiwa/timecard-mini/gptpsync/internal/timebase"
	"github.com/shiwa/timecard-mini/gptpsync/internal/tstamp"
)

//go:embed schema.sql
var schemaSQL string

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
}

var log = logger.New("diagstore")

// Store реализует diag.Sink и timebase.Recorder.
type Store struct {
	*sql.DB
	run string
	now func() time.Time
}

// Open открывает (или создаёт) базу и начинает новый запуск.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Один писатель: обработчики движка пишут последовательно.
	db.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{DB: db, run: uuid.NewString(), now: time.Now}
	host, _ := os.Hostname()
	if _, err := db.Exec(`INSERT INTO runs (id, started_ns, host) VALUES (?, ?, ?)`,
		s.run, s.now().UnixNano(), host); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to start run: %w", err)
	}
	log.Infof("журнал %s, запуск %s", path, s.run)
	return s, nil
}

// RunID — идентификатор текущего запуска.
func (s *Store) RunID() string { return s.run }

func (s *Store) Report(link string, ev diag.Event, failed bool) {
	_, err := s.Exec(`INSERT INTO diag_events (run_id, at_ns, link, event, failed) VALUES (?, ?, ?, ?, ?)`,
		s.run, s.now().UnixNano(), link, ev.String(), failed)
	if err != nil {
		log.Errorf("failed to insert diag event: %v", err)
	}
}

func ns(t tstamp.Timestamp) int64 {
	v, ok := t.Nanoseconds64()
	if !ok || v > 1<<63-1 {
		return -1
	}
	return int64(v)
}

func (s *Store) RecordSync(r timebase.SyncRecord) {
	_, err := s.Exec(`
		INSERT INTO sync_records (run_id, at_ns, link, domain, master, sequence_id,
			pot_ns, correction_ns, local_ns, path_delay_ns, global_after_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.run, s.now().UnixNano(), r.Link, r.Domain, r.Master, r.SequenceID,
		ns(r.POT), ns(r.Correction), ns(r.Local), r.PathDelay, ns(r.GlobalAfter))
	if err != nil {
		log.Errorf("failed to insert sync record: %v", err)
	}
}

func (s *Store) RecordPdelay(r timebase.PdelayRecord) {
	_, err := s.Exec(`
		INSERT INTO pdelay_records (run_id, at_ns, link, port, responder, sequence_id,
			t1_ns, t2_ns, t3_ns, t4_ns, delay_ns, filtered_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.run, s.now().UnixNano(), r.Link, r.Port, r.Responder, r.SequenceID,
		ns(r.T1), ns(r.T2), ns(r.T3), ns(r.T4), r.Delay, r.Filtered)
	if err != nil {
		log.Errorf("failed to insert pdelay record: %v", err)
	}
}

// Event — строка журнала диагностики.
type Event struct {
	At     time.Time
	Link   string
	Event  string
	Failed bool
}

// Events возвращает события канала текущего запуска в порядке записи.
func (s *Store) Events(link string) ([]Event, error) {
	rows, err := s.Query(`SELECT at_ns, link, event, failed FROM diag_events
		WHERE run_id = ? AND link = ? ORDER BY id`, s.run, link)
	if err != nil {
		return nil, fmt.Errorf("failed to query diag events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var at int64
		if err := rows.Scan(&at, &e.Link, &e.Event, &e.Failed); err != nil {
			return nil, err
		}
		e.At = time.Unix(0, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PdelayStats — сводка измерений задержки одного порта.
type PdelayStats struct {
	Count        int
	Min, Max     uint32
	Mean         float64
	LastFiltered uint32
}

// PdelayStats считает сводку измерений инициатора на порту канала
// (engine.NoPort для обычного канала).
func (s *Store) PdelayStats(link string, port int) (PdelayStats, error) {
	var st PdelayStats
	var lo, hi sql.NullInt64
	var mean sql.NullFloat64
	err := s.QueryRow(`SELECT COUNT(*), MIN(delay_ns), MAX(delay_ns), AVG(delay_ns) FROM pdelay_records
		WHERE run_id = ? AND link = ? AND port = ? AND responder = 0`, s.run, link, port).
		Scan(&st.Count, &lo, &hi, &mean)
	if err != nil {
		return st, fmt.Errorf("failed to query pdelay stats: %w", err)
	}
	if st.Count == 0 {
		return st, nil
	}
	st.Min, st.Max, st.Mean = uint32(lo.Int64), uint32(hi.Int64), mean.Float64
	err = s.QueryRow(`SELECT filtered_ns FROM pdelay_records
		WHERE run_id = ? AND link = ? AND port = ? AND responder = 0 ORDER BY id DESC LIMIT 1`, s.run, link, port).
		Scan(&st.LastFiltered)
	if err != nil {
		return st, fmt.Errorf("failed to query last pdelay: %w", err)
	}
	return st, nil
}

// SyncCount — число записей Sync канала в текущем запуске.
func (s *Store) SyncCount(link string) (int, error) {
	var n int
	err := s.QueryRow(`SELECT COUNT(*) FROM sync_records WHERE run_id = ? AND link = ?`, s.run, link).Scan(&n)
	return n, err
}
