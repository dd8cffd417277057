// Package timebase — хранилище синхронизированной шкалы времени: опорная пара
// (глобальное, локальное время), флаги статуса, пользовательские данные, смещённые
// шкалы и журнал измерений для валидации времени.
package timebase

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shiwa/timecard-mini/gptpsync/internal/tstamp"
)

// ErrNoLocalClock — у хранилища нет источника локального времени.
var ErrNoLocalClock = errors.New("timebase: no local clock")

// Status — флаги статуса шкалы.
type Status uint8

const (
	StatusTimeout        Status = 0x01
	StatusSyncToGateway  Status = 0x04
	StatusGlobalTimeBase Status = 0x08
	StatusTimeleapFuture Status = 0x10
	StatusTimeleapPast   Status = 0x20
)

// UserData — до трёх байт пользовательских данных, передаваемых с временем.
type UserData struct {
	Length uint8
	Bytes  [3]byte
}

// Snapshot — текущее глобальное время и локальное время, в которое оно снято.
type Snapshot struct {
	Global        tstamp.Timestamp
	Local         tstamp.Timestamp
	Status        Status
	UserData      UserData
	UpdateCounter uint8
	// Rate — оценка относительного отклонения хода локальных часов.
	Rate float64
}

// Update — новое глобальное время, действительное в локальный момент Local.
type Update struct {
	Global    tstamp.Timestamp
	Local     tstamp.Timestamp
	Status    Status
	UserData  *UserData
	PathDelay uint32
}

// Offset — смещённая шкала (вторичный домен из подзаписи OFS).
type Offset struct {
	Time     tstamp.Timestamp
	Status   Status
	UserData UserData
}

// LocalClock — источник локального времени (часы интерфейса или системные).
type LocalClock interface {
	LocalTime() (tstamp.Timestamp, error)
}

// LocalClockFunc адаптирует функцию к LocalClock.
type LocalClockFunc func() (tstamp.Timestamp, error)

func (f LocalClockFunc) LocalTime() (tstamp.Timestamp, error) { return f() }

// Store — реализация шкалы времени одного домена.
type Store struct {
	mu sync.Mutex

	domain uint8
	clock  LocalClock

	refGlobal tstamp.Timestamp
	refLocal  tstamp.Timestamp
	synced    bool
	status    Status
	userData  UserData
	counter   uint8
	offsets   map[uint8]Offset
	rate      rateRegression
	rateEst   float64
	pathDelay uint32

	recorders []Recorder
}

// NewStore создаёт шкалу домена; пока глобальное время не задано, она идёт по локальным часам.
func NewStore(domain uint8, clock LocalClock, recorders ...Recorder) *Store {
	return &Store{
		domain:    domain,
		clock:     clock,
		offsets:   make(map[uint8]Offset),
		recorders: recorders,
	}
}

// Domain — номер домена шкалы.
func (s *Store) Domain() uint8 { return s.domain }

// AddRecorder подключает получателя записей измерений.
func (s *Store) AddRecorder(r Recorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorders = append(s.recorders, r)
}

// Snapshot возвращает глобальное время на текущий локальный момент.
func (s *Store) Snapshot() (Snapshot, error) {
	if s.clock == nil {
		return Snapshot{}, ErrNoLocalClock
	}
	now, err := s.clock.LocalTime()
	if err != nil {
		return Snapshot{}, fmt.Errorf("local time: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Global:        s.globalAt(now),
		Local:         now,
		Status:        s.status,
		UserData:      s.userData,
		UpdateCounter: s.counter,
		Rate:          s.rateEst,
	}, nil
}

// GlobalAt переводит локальный момент в глобальное время.
func (s *Store) GlobalAt(local tstamp.Timestamp) tstamp.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.globalAt(local)
}

func (s *Store) globalAt(local tstamp.Timestamp) tstamp.Timestamp {
	if !s.synced {
		return local
	}
	elapsed := tstamp.Sub(local, s.refLocal)
	ns, ok := elapsed.Nanoseconds()
	if ok && s.rateEst != 0 {
		adj := int64(float64(ns) * s.rateEst)
		elapsed = tstamp.AddDiffs(elapsed, signed(adj))
	}
	g, ok := tstamp.AddDiff(s.refGlobal, elapsed)
	if !ok {
		return s.refGlobal
	}
	return g
}

func signed(ns int64) tstamp.Diff {
	if ns < 0 {
		return tstamp.Diff{Value: tstamp.FromNanoseconds(uint64(-ns)), Positive: false}
	}
	return tstamp.Diff{Value: tstamp.FromNanoseconds(uint64(ns)), Positive: true}
}

// SetGlobalTime принимает новое глобальное время и обновляет оценку хода.
func (s *Store) SetGlobalTime(u Update) error {
	if !u.Global.Valid() || !u.Local.Valid() {
		return fmt.Errorf("timebase: invalid update %v@%v", u.Global, u.Local)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if off, ok := tstamp.Sub(u.Global, u.Local).Nanoseconds(); ok {
		if local, ok := u.Local.Nanoseconds64(); ok && local < 1<<63 {
			s.rateEst = s.rate.Update(int64(local), off)
		}
	}
	s.refGlobal = u.Global
	s.refLocal = u.Local
	s.synced = true
	s.status = (u.Status | StatusGlobalTimeBase) &^ StatusTimeout
	if u.UserData != nil {
		s.userData = *u.UserData
	}
	s.pathDelay = u.PathDelay
	s.counter++
	return nil
}

// SetTimeout выставляет или снимает флаг TIMEOUT (потеря синхронизации).
func (s *Store) SetTimeout(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.status |= StatusTimeout
	} else {
		s.status &^= StatusTimeout
	}
}

// ResetRate сбрасывает оценку хода (например после скачка опорного источника).
func (s *Store) ResetRate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate.Reset()
	s.rateEst = 0
}

// SetOffsetTime сохраняет смещённую шкалу домена.
func (s *Store) SetOffsetTime(domain uint8, o Offset) error {
	if !o.Time.Valid() {
		return fmt.Errorf("timebase: invalid offset time %v", o.Time)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[domain] = o
	return nil
}

// OffsetTime возвращает смещённую шкалу домена.
func (s *Store) OffsetTime(domain uint8) (Offset, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offsets[domain]
	return o, ok
}

// SetUserData задаёт пользовательские данные для передачи мастером.
func (s *Store) SetUserData(u UserData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userData = u
}

// PathDelay — задержка пути, пришедшая с последним обновлением.
func (s *Store) PathDelay() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pathDelay
}

// RecordSync передаёт запись Sync получателям.
func (s *Store) RecordSync(r SyncRecord) {
	for _, rec := range s.snapshotRecorders() {
		rec.RecordSync(r)
	}
}

// RecordPdelay передаёт запись Pdelay получателям.
func (s *Store) RecordPdelay(r PdelayRecord) {
	for _, rec := range s.snapshotRecorders() {
		rec.RecordPdelay(r)
	}
}

func (s *Store) snapshotRecorders() []Recorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Recorder(nil), s.recorders...)
}
