package timebase

import "github.com/shiwa/timecard-mini/gptpsync/internal/tstamp"

// SyncRecord — запись валидации времени для пары Sync/Follow_Up.
// У мастера Local — метка отправки Sync, у слейва — метка приёма.
type SyncRecord struct {
	Link        string
	Domain      uint8
	Master      bool
	SequenceID  uint16
	POT         tstamp.Timestamp
	Correction  tstamp.Timestamp
	Local       tstamp.Timestamp
	PathDelay   uint32
	GlobalAfter tstamp.Timestamp
}

// PdelayRecord — запись одного измерения задержки.
// Responder=true — запись отвечающей стороны (t2, t3).
type PdelayRecord struct {
	Link       string
	Port       int
	Responder  bool
	SequenceID uint16
	T1, T2     tstamp.Timestamp
	T3, T4     tstamp.Timestamp
	Delay      uint32
	Filtered   uint32
}

// Recorder получает записи измерений (метрики, журнал, Beat).
type Recorder interface {
	RecordSync(r SyncRecord)
	RecordPdelay(r PdelayRecord)
}
