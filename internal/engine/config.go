package engine

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/shiwa/timecard-mini/gptpsync/internal/secure"
)

// Role — роль канала.
type Role uint8

const (
	RoleMaster Role = iota
	RoleSlave
)

func (r Role) String() string {
	if r == RoleSlave {
		return "slave"
	}
	return "master"
}

// Config — конфигурация движка, собирается один раз при запуске.
type Config struct {
	// TickPeriod — период вызова Tick; все интервалы переводятся в такты.
	TickPeriod time.Duration
	Links      []LinkConfig
}

// LinkConfig — настройки одного канала.
type LinkConfig struct {
	Name        string
	Role        Role
	Addr        net.HardwareAddr
	Destination net.HardwareAddr
	Domain      uint8
	Priority    uint8

	SyncInterval    time.Duration
	SyncLogInterval int8
	// FollowUpTimeout — у мастера ожидание метки отправки Sync,
	// у слейва — максимум между Sync и Follow_Up.
	FollowUpTimeout time.Duration
	// SyncPairTimeout — слейв без пары Sync/Follow_Up дольше этого считает синхронизацию потерянной.
	SyncPairTimeout   time.Duration
	SyncFailThreshold int
	DebounceTime      time.Duration
	ImmediateTimeSync bool
	CyclicResumeTime  time.Duration
	// JumpWidth — допустимый прирост sequenceId между Sync; 0 — без проверки.
	JumpWidth      uint16
	TimeValidation bool

	Pdelay       PdelayConfig
	Announce     AnnounceConfig
	Secure       secure.Config
	TLV          TLVConfig
	Bridge       *BridgeConfig
	Authenticate bool
}

// PdelayConfig — измерение задержки пути.
type PdelayConfig struct {
	Initiator   bool
	Responder   bool
	Interval    time.Duration
	LogInterval int8
	RespTimeout time.Duration
	// Default — задержка до первого измерения, нс.
	Default uint32
	// LatencyThreshold — максимальная правдоподобная задержка, нс; 0 — без ограничения.
	LatencyThreshold uint32
	FilterShift      uint8
	FailThreshold    int
}

// AnnounceConfig — передача Announce мастером.
type AnnounceConfig struct {
	Enabled     bool
	Interval    time.Duration
	LogInterval int8
	Priority1   uint8
	Priority2   uint8
	Class       uint8
	Accuracy    uint8
	Variance    uint16
	UTCOffset   int16
	TimeSource  uint8
}

// TLVConfig — какие подзаписи мастер добавляет в Follow_Up.
type TLVConfig struct {
	Time         bool
	Status       bool
	UserData     bool
	Offset       bool
	OffsetDomain uint8
}

func (t TLVConfig) any() bool {
	return t.Time || t.Status || t.UserData || t.Offset
}

// BridgeConfig — канал коммутатора с несколькими портами.
type BridgeConfig struct {
	Ports    []PortConfig
	HostPort int
	// SlavePort — порт к вышестоящему мастеру; NoPort, если мост сам гроссмейстер.
	SlavePort int
	// Simple — прозрачная ретрансляция с поправкой correction вместо пересинхронизации.
	Simple bool
	// Synchronize — простой мост дополнительно обновляет собственную шкалу.
	Synchronize        bool
	TxPeriod           time.Duration
	PortIdxInCorrField bool
	SwitchIdx          uint8
}

// PortConfig — порт коммутатора.
type PortConfig struct {
	Name            string
	Number          uint16
	PdelayInitiator bool
	PdelayResponder bool
	// SourcePort заменяет номер порта в sourcePortIdentity кадров порта; 0 — Number.
	SourcePort uint16
}

func (c PortConfig) sourcePort() uint16 {
	if c.SourcePort != 0 {
		return c.SourcePort
	}
	return c.Number
}

var errConfig = errors.New("engine: invalid config")

// Validate проверяет согласованность конфигурации.
func (c *Config) Validate() error {
	if c.TickPeriod <= 0 {
		return fmt.Errorf("%w: tick period %v", errConfig, c.TickPeriod)
	}
	if len(c.Links) == 0 {
		return fmt.Errorf("%w: no links", errConfig)
	}
	names := make(map[string]bool, len(c.Links))
	for i := range c.Links {
		l := &c.Links[i]
		if l.Name == "" || names[l.Name] {
			return fmt.Errorf("%w: link %d name %q empty or duplicate", errConfig, i, l.Name)
		}
		names[l.Name] = true
		if len(l.Addr) != 6 {
			return fmt.Errorf("%w: link %s address %v", errConfig, l.Name, l.Addr)
		}
		if l.Role == RoleMaster && l.SyncInterval <= 0 {
			return fmt.Errorf("%w: link %s master without sync interval", errConfig, l.Name)
		}
		if l.Pdelay.Initiator && l.Pdelay.Interval <= 0 {
			return fmt.Errorf("%w: link %s pdelay without interval", errConfig, l.Name)
		}
		if l.Pdelay.FilterShift > 31 {
			return fmt.Errorf("%w: link %s filter shift %d", errConfig, l.Name, l.Pdelay.FilterShift)
		}
		if b := l.Bridge; b != nil {
			if err := b.validate(l); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *BridgeConfig) validate(l *LinkConfig) error {
	n := len(b.Ports)
	if n < 2 {
		return fmt.Errorf("%w: bridge %s needs at least two ports", errConfig, l.Name)
	}
	if b.HostPort < 0 || b.HostPort >= n {
		return fmt.Errorf("%w: bridge %s host port %d", errConfig, l.Name, b.HostPort)
	}
	switch {
	case l.Role == RoleSlave && (b.SlavePort < 0 || b.SlavePort >= n || b.SlavePort == b.HostPort):
		return fmt.Errorf("%w: bridge %s slave port %d", errConfig, l.Name, b.SlavePort)
	case l.Role == RoleMaster && b.SlavePort != NoPort:
		return fmt.Errorf("%w: grandmaster bridge %s must not have a slave port", errConfig, l.Name)
	}
	return nil
}
