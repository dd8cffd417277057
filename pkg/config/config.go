// Package config предоставляет конфигурацию gptpsync для демона, Beat и утилит.
// Формат YAML (gptpsync.yml); неизвестные ключи игнорируются.
package config

// Config — конфигурация gptpsync.
type Config struct {
	// TickPeriod — период основного такта движка, например "1ms".
	TickPeriod string `yaml:"tick_period" config:"tick_period"`
	// Hardware — аппаратные метки времени (SO_TIMESTAMPING + PHC).
	Hardware bool `yaml:"hardware" config:"hardware"`
	// AuthKey — общий ключ аутентификации Pdelay, hex (16..64 байта).
	AuthKey string       `yaml:"auth_key" config:"auth_key"`
	Links   []LinkConfig `yaml:"links" config:"links"`

	Metrics   MetricsConfig   `yaml:"metrics" config:"metrics"`
	DiagStore DiagStoreConfig `yaml:"diagstore" config:"diagstore"`

	Device    DeviceConfig     `yaml:"device" config:"device"`
	Timepulse TimepulseConfig  `yaml:"timepulse" config:"timepulse"`
	ClockSync *ClockSyncConfig `yaml:"clock_sync" config:"clock_sync"`
}

// LinkConfig — один канал gPTP. Длительности задаются строками time.ParseDuration.
type LinkConfig struct {
	Name string `yaml:"name" config:"name"`
	// Interface — сетевой интерфейс; пусто — совпадает с Name.
	Interface string `yaml:"interface" config:"interface"`
	// PHC — устройство аппаратных часов (/dev/ptpN) для hardware.
	PHC  string `yaml:"phc" config:"phc"`
	Role string `yaml:"role" config:"role"` // master, slave
	// Addr — MAC источника; пусто — адрес интерфейса.
	Addr        string `yaml:"addr" config:"addr"`
	Destination string `yaml:"destination" config:"destination"`
	Domain      uint8  `yaml:"domain" config:"domain"`
	Priority    uint8  `yaml:"frame_priority" config:"frame_priority"`

	SyncInterval        string `yaml:"sync_interval" config:"sync_interval"`
	SyncLogInterval     int8   `yaml:"sync_log_interval" config:"sync_log_interval"`
	FollowUpTimeout     string `yaml:"global_time_follow_up_timeout" config:"global_time_follow_up_timeout"`
	SyncPairTimeout     string `yaml:"sync_pair_timeout" config:"sync_pair_timeout"`
	SyncFailThreshold   int    `yaml:"sync_fail_threshold" config:"sync_fail_threshold"`
	DebounceTime        string `yaml:"debounce_time" config:"debounce_time"`
	ImmediateTimeSync   bool   `yaml:"immediate_time_sync" config:"immediate_time_sync"`
	CyclicMsgResumeTime string `yaml:"cyclic_msg_resume_time" config:"cyclic_msg_resume_time"`
	JumpWidth           uint16 `yaml:"jump_width" config:"jump_width"`
	TimeValidation      bool   `yaml:"time_validation" config:"time_validation"`
	Authenticate        bool   `yaml:"authenticate" config:"authenticate"`

	Pdelay   PdelayConfig   `yaml:"pdelay" config:"pdelay"`
	Announce AnnounceConfig `yaml:"announce" config:"announce"`
	CRC      CRCConfig      `yaml:"crc" config:"crc"`
	TLV      TLVConfig      `yaml:"tlv" config:"tlv"`
	Bridge   *BridgeConfig  `yaml:"bridge" config:"bridge"`
}

// PdelayConfig — измерение задержки пути.
type PdelayConfig struct {
	Initiator        bool   `yaml:"initiator" config:"initiator"`
	Responder        bool   `yaml:"responder" config:"responder"`
	Interval         string `yaml:"interval" config:"interval"`
	LogInterval      int8   `yaml:"log_interval" config:"log_interval"`
	RespTimeout      string `yaml:"resp_timeout" config:"resp_timeout"`
	DefaultNs        uint32 `yaml:"default_pdelay_ns" config:"default_pdelay_ns"`
	LatencyThreshold uint32 `yaml:"latency_threshold_ns" config:"latency_threshold_ns"`
	FilterShift      uint8  `yaml:"filter_shift" config:"filter_shift"`
	FailThreshold    int    `yaml:"fail_threshold" config:"fail_threshold"`
}

// AnnounceConfig — Announce мастера.
type AnnounceConfig struct {
	Enabled     bool   `yaml:"enabled" config:"enabled"`
	Interval    string `yaml:"interval" config:"interval"`
	LogInterval int8   `yaml:"log_interval" config:"log_interval"`
	Priority1   uint8  `yaml:"priority1" config:"priority1"`
	Priority2   uint8  `yaml:"priority2" config:"priority2"`
	Class       uint8  `yaml:"clock_class" config:"clock_class"`
	Accuracy    uint8  `yaml:"clock_accuracy" config:"clock_accuracy"`
	Variance    uint16 `yaml:"clock_variance" config:"clock_variance"`
	UTCOffset   int16  `yaml:"utc_offset" config:"utc_offset"`
	TimeSource  uint8  `yaml:"time_source" config:"time_source"`
}

// CRCConfig — защита подзаписей Follow_Up.
type CRCConfig struct {
	TxSecured bool `yaml:"tx_secured" config:"tx_secured"`
	// TimeFlags — поля заголовка под CRC_Time: message_length, domain, correction,
	// source_port_identity, sequence_id, precise_origin_timestamp.
	TimeFlags []string `yaml:"time_flags" config:"time_flags"`
	DataIDs   []uint8  `yaml:"data_ids" config:"data_ids"`
	// Режимы приёма: validated, not_validated, ignored, optional.
	RxTime     string `yaml:"rx_time" config:"rx_time"`
	RxStatus   string `yaml:"rx_status" config:"rx_status"`
	RxUserData string `yaml:"rx_user_data" config:"rx_user_data"`
	RxOffset   string `yaml:"rx_offset" config:"rx_offset"`
}

// TLVConfig — подзаписи, которые мастер добавляет в Follow_Up.
type TLVConfig struct {
	Time         bool  `yaml:"time" config:"time"`
	Status       bool  `yaml:"status" config:"status"`
	UserData     bool  `yaml:"user_data" config:"user_data"`
	Offset       bool  `yaml:"offset" config:"offset"`
	OffsetDomain uint8 `yaml:"offset_domain" config:"offset_domain"`
}

// BridgeConfig — канал коммутатора.
type BridgeConfig struct {
	Ports     []PortConfig `yaml:"ports" config:"ports"`
	HostPort  string       `yaml:"host_port" config:"host_port"`
	SlavePort string       `yaml:"slave_port" config:"slave_port"` // пусто — мост гроссмейстер
	Simple    bool         `yaml:"simple" config:"simple"`
	// Synchronize — простой мост обновляет и собственную шкалу.
	Synchronize        bool   `yaml:"synchronize" config:"synchronize"`
	TxPeriod           string `yaml:"tx_period" config:"tx_period"`
	PortIdxInCorrField bool   `yaml:"port_idx_in_corr_field" config:"port_idx_in_corr_field"`
	SwitchIdx          uint8  `yaml:"switch_idx" config:"switch_idx"`
}

// PortConfig — порт коммутатора.
type PortConfig struct {
	Name            string `yaml:"name" config:"name"`
	Number          uint16 `yaml:"number" config:"number"`
	PdelayInitiator bool   `yaml:"pdelay_initiator" config:"pdelay_initiator"`
	PdelayResponder bool   `yaml:"pdelay_responder" config:"pdelay_responder"`
	SourcePort      uint16 `yaml:"source_port" config:"source_port"` // 0 — number
}

// MetricsConfig — экспорт Prometheus; пустой адрес отключает.
type MetricsConfig struct {
	Listen string `yaml:"listen" config:"listen"`
	// Interval — период снятия состояния каналов.
	Interval string `yaml:"interval" config:"interval"`
}

// DiagStoreConfig — журнал диагностики в SQLite; пустой путь отключает.
type DiagStoreConfig struct {
	Path string `yaml:"path" config:"path"`
}

// ClockSyncConfig — опорные часы мастера: primary_clocks, secondary_clocks.
type ClockSyncConfig struct {
	// Domain — домен шкалы, которую ведут опорные часы.
	Domain          uint8         `yaml:"domain" config:"domain"`
	Interval        string        `yaml:"interval" config:"interval"`
	PrimaryClocks   []ClockSource `yaml:"primary_clocks" config:"primary_clocks"`
	SecondaryClocks []ClockSource `yaml:"secondary_clocks" config:"secondary_clocks"`
}

// ClockSource — один источник опорного времени (protocol: system, phc, gnss).
type ClockSource struct {
	Protocol string `yaml:"protocol" config:"protocol"`
	Disable  bool   `yaml:"disable" config:"disable"`
	// GNSS (UBX)
	Device string `yaml:"device" config:"device"`
	Baud   int    `yaml:"baud" config:"baud"`
	// Holdover — сколько GNSS считается зафиксированным после последнего решения.
	Holdover string `yaml:"holdover" config:"holdover"`
	// Timepulse — настроить CFG-TP5 при открытии.
	Timepulse bool `yaml:"timepulse" config:"timepulse"`
	// PHC
	PHC string `yaml:"phc" config:"phc"`
	// NTP: сервер (host или host:port) и период опроса.
	Host string `yaml:"host" config:"host"`
	Poll string `yaml:"poll" config:"poll"`
	// Offset — статическое смещение, нс.
	Offset int64 `yaml:"offset" config:"offset"`
}

// DeviceConfig — последовательный порт приёмника по умолчанию.
type DeviceConfig struct {
	Port string `yaml:"port" config:"port"`
	Baud int    `yaml:"baud" config:"baud"`
}

// TimepulseConfig — параметры CFG-TP5.
type TimepulseConfig struct {
	PulseWidthMs    float64 `yaml:"pulse_width_ms" config:"pulse_width_ms"`
	TPIdx           uint8   `yaml:"tp_idx" config:"tp_idx"`
	AntCableDelayNs int16   `yaml:"ant_cable_delay_ns" config:"ant_cable_delay_ns"`
	FallingEdge     bool    `yaml:"falling_edge" config:"falling_edge"`
}

// Default возвращает конфиг по умолчанию.
func Default() *Config {
	return &Config{
		TickPeriod: "1ms",
		Metrics:    MetricsConfig{Interval: "1s"},
		Device: DeviceConfig{
			Port: "/dev/ttyS0",
			Baud: 9600,
		},
		Timepulse: TimepulseConfig{PulseWidthMs: 5},
	}
}

// Значения канала по умолчанию.
const (
	DefaultSyncInterval     = "125ms"
	DefaultFollowUpTimeout  = "10ms"
	DefaultSyncPairTimeout  = "1s"
	DefaultPdelayInterval   = "1s"
	DefaultRespTimeout      = "100ms"
	DefaultAnnounceInterval = "1s"
	DefaultRefInterval      = "1s"
	DefaultHoldover         = "10s"
	DefaultFailThreshold    = 3
	DefaultPriority1        = 246
	DefaultPriority2        = 248
	DefaultClockClass       = 248
)

// ApplyDefaults подставляет значения по умолчанию в незаданные поля.
func ApplyDefaults(c *Config) {
	d := Default()
	if c.TickPeriod == "" {
		c.TickPeriod = d.TickPeriod
	}
	if c.Metrics.Interval == "" {
		c.Metrics.Interval = d.Metrics.Interval
	}
	if c.Device.Port == "" {
		c.Device.Port = d.Device.Port
	}
	if c.Device.Baud == 0 {
		c.Device.Baud = d.Device.Baud
	}
	if c.Timepulse.PulseWidthMs == 0 {
		c.Timepulse.PulseWidthMs = d.Timepulse.PulseWidthMs
	}
	for i := range c.Links {
		linkDefaults(&c.Links[i])
	}
	if cs := c.ClockSync; cs != nil {
		if cs.Interval == "" {
			cs.Interval = DefaultRefInterval
		}
		for i := range cs.PrimaryClocks {
			sourceDefaults(&cs.PrimaryClocks[i], c.Device)
		}
		for i := range cs.SecondaryClocks {
			sourceDefaults(&cs.SecondaryClocks[i], c.Device)
		}
	}
}

func linkDefaults(l *LinkConfig) {
	if l.Interface == "" {
		l.Interface = l.Name
	}
	if l.Role == "" {
		l.Role = "slave"
	}
	if l.SyncInterval == "" {
		l.SyncInterval = DefaultSyncInterval
	}
	if l.FollowUpTimeout == "" {
		l.FollowUpTimeout = DefaultFollowUpTimeout
	}
	if l.SyncPairTimeout == "" {
		l.SyncPairTimeout = DefaultSyncPairTimeout
	}
	if l.SyncFailThreshold == 0 {
		l.SyncFailThreshold = DefaultFailThreshold
	}
	if l.Pdelay.Interval == "" {
		l.Pdelay.Interval = DefaultPdelayInterval
	}
	if l.Pdelay.RespTimeout == "" {
		l.Pdelay.RespTimeout = DefaultRespTimeout
	}
	if l.Pdelay.FailThreshold == 0 {
		l.Pdelay.FailThreshold = DefaultFailThreshold
	}
	a := &l.Announce
	if a.Interval == "" {
		a.Interval = DefaultAnnounceInterval
	}
	if a.Priority1 == 0 {
		a.Priority1 = DefaultPriority1
	}
	if a.Priority2 == 0 {
		a.Priority2 = DefaultPriority2
	}
	if a.Class == 0 {
		a.Class = DefaultClockClass
	}
	if a.Accuracy == 0 {
		a.Accuracy = 0xFE
	}
	if a.Variance == 0 {
		a.Variance = 0xFFFF
	}
	if a.TimeSource == 0 {
		a.TimeSource = 0xA0
	}
}

func sourceDefaults(s *ClockSource, dev DeviceConfig) {
	switch s.Protocol {
	case "gnss", "timebeat_opentimecard_mini", "nmea":
	default:
		return
	}
	if s.Device == "" {
		s.Device = dev.Port
	}
	if s.Baud == 0 {
		s.Baud = dev.Baud
	}
	if s.Holdover == "" {
		s.Holdover = DefaultHoldover
	}
}
