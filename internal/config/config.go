// Package config загружает gptpsync.yml и собирает из него конфигурацию движка.
package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shiwa/timecard-mini/gptpsync/internal/engine"
	"github.com/shiwa/timecard-mini/gptpsync/internal/secure"
	pkgconfig "github.com/shiwa/timecard-mini/gptpsync/pkg/config"
)

// Load читает конфиг из YAML и подставляет значения по умолчанию.
func Load(path string) (*pkgconfig.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse разбирает YAML конфига.
func Parse(data []byte) (*pkgconfig.Config, error) {
	var c pkgconfig.Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	pkgconfig.ApplyDefaults(&c)
	return &c, nil
}

// AddrResolver возвращает MAC сетевого интерфейса.
type AddrResolver func(iface string) (net.HardwareAddr, error)

// InterfaceAddr — AddrResolver по сетевым интерфейсам хоста.
func InterfaceAddr(iface string) (net.HardwareAddr, error) {
	ifc, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, err
	}
	return ifc.HardwareAddr, nil
}

// Build собирает engine.Config. Адрес канала без addr берётся у resolve.
func Build(c *pkgconfig.Config, resolve AddrResolver) (engine.Config, error) {
	tick, err := duration("tick_period", c.TickPeriod)
	if err != nil {
		return engine.Config{}, err
	}
	out := engine.Config{TickPeriod: tick, Links: make([]engine.LinkConfig, 0, len(c.Links))}
	for i := range c.Links {
		lc, err := buildLink(&c.Links[i], resolve)
		if err != nil {
			return engine.Config{}, fmt.Errorf("link %q: %w", c.Links[i].Name, err)
		}
		out.Links = append(out.Links, lc)
	}
	if err := out.Validate(); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

// AuthKey декодирует общий ключ аутентификации; пустая строка — nil.
func AuthKey(c *pkgconfig.Config) ([]byte, error) {
	if c.AuthKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(strings.TrimSpace(c.AuthKey))
	if err != nil {
		return nil, fmt.Errorf("auth_key: %w", err)
	}
	return key, nil
}

// Domains — домены шкал, нужные каналам и опорным часам.
func Domains(c *pkgconfig.Config) []uint8 {
	seen := make(map[uint8]bool)
	var out []uint8
	add := func(d uint8) {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	for _, l := range c.Links {
		add(l.Domain)
	}
	if c.ClockSync != nil {
		add(c.ClockSync.Domain)
	}
	return out
}

// LinkSecure — настройки CRC канала name без сборки остального конфига.
func LinkSecure(c *pkgconfig.Config, name string) (secure.Config, error) {
	for i := range c.Links {
		if c.Links[i].Name == name {
			return buildSecure(&c.Links[i].CRC)
		}
	}
	return secure.Config{}, fmt.Errorf("no link %q", name)
}

// durations собирает разбор нескольких длительностей с первой ошибкой.
type durations struct{ err error }

func (d *durations) get(name, s string) time.Duration {
	if d.err != nil {
		return 0
	}
	v, err := duration(name, s)
	d.err = err
	return v
}

func duration(name, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s: negative duration %v", name, v)
	}
	return v, nil
}

func parseRole(s string) (engine.Role, error) {
	switch strings.ToLower(s) {
	case "master", "grandmaster":
		return engine.RoleMaster, nil
	case "slave":
		return engine.RoleSlave, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

func buildLink(l *pkgconfig.LinkConfig, resolve AddrResolver) (engine.LinkConfig, error) {
	role, err := parseRole(l.Role)
	if err != nil {
		return engine.LinkConfig{}, err
	}
	var d durations
	out := engine.LinkConfig{
		Name:              l.Name,
		Role:              role,
		Domain:            l.Domain,
		Priority:          l.Priority,
		SyncInterval:      d.get("sync_interval", l.SyncInterval),
		SyncLogInterval:   l.SyncLogInterval,
		FollowUpTimeout:   d.get("global_time_follow_up_timeout", l.FollowUpTimeout),
		SyncPairTimeout:   d.get("sync_pair_timeout", l.SyncPairTimeout),
		SyncFailThreshold: l.SyncFailThreshold,
		DebounceTime:      d.get("debounce_time", l.DebounceTime),
		ImmediateTimeSync: l.ImmediateTimeSync,
		CyclicResumeTime:  d.get("cyclic_msg_resume_time", l.CyclicMsgResumeTime),
		JumpWidth:         l.JumpWidth,
		TimeValidation:    l.TimeValidation,
		Authenticate:      l.Authenticate,
		Pdelay: engine.PdelayConfig{
			Initiator:        l.Pdelay.Initiator,
			Responder:        l.Pdelay.Responder,
			Interval:         d.get("pdelay.interval", l.Pdelay.Interval),
			LogInterval:      l.Pdelay.LogInterval,
			RespTimeout:      d.get("pdelay.resp_timeout", l.Pdelay.RespTimeout),
			Default:          l.Pdelay.DefaultNs,
			LatencyThreshold: l.Pdelay.LatencyThreshold,
			FilterShift:      l.Pdelay.FilterShift,
			FailThreshold:    l.Pdelay.FailThreshold,
		},
		Announce: engine.AnnounceConfig{
			Enabled:     l.Announce.Enabled,
			Interval:    d.get("announce.interval", l.Announce.Interval),
			LogInterval: l.Announce.LogInterval,
			Priority1:   l.Announce.Priority1,
			Priority2:   l.Announce.Priority2,
			Class:       l.Announce.Class,
			Accuracy:    l.Announce.Accuracy,
			Variance:    l.Announce.Variance,
			UTCOffset:   l.Announce.UTCOffset,
			TimeSource:  l.Announce.TimeSource,
		},
		TLV: engine.TLVConfig(l.TLV),
	}
	if d.err != nil {
		return engine.LinkConfig{}, d.err
	}

	if out.Addr, err = linkAddr(l, resolve); err != nil {
		return engine.LinkConfig{}, err
	}
	if l.Destination != "" {
		if out.Destination, err = net.ParseMAC(l.Destination); err != nil {
			return engine.LinkConfig{}, fmt.Errorf("destination: %w", err)
		}
	}
	if out.Secure, err = buildSecure(&l.CRC); err != nil {
		return engine.LinkConfig{}, err
	}
	if l.Bridge != nil {
		if out.Bridge, err = buildBridge(l.Bridge); err != nil {
			return engine.LinkConfig{}, err
		}
	}
	return out, nil
}

func linkAddr(l *pkgconfig.LinkConfig, resolve AddrResolver) (net.HardwareAddr, error) {
	if l.Addr != "" {
		a, err := net.ParseMAC(l.Addr)
		if err != nil {
			return nil, fmt.Errorf("addr: %w", err)
		}
		return a, nil
	}
	if resolve == nil {
		return nil, fmt.Errorf("no addr and no interface resolver")
	}
	a, err := resolve(l.Interface)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", l.Interface, err)
	}
	return a, nil
}

var timeFlags = map[string]secure.Fields{
	"message_length":           secure.FieldMessageLength,
	"domain":                   secure.FieldDomain,
	"correction":               secure.FieldCorrection,
	"source_port_identity":     secure.FieldSourcePortIdentity,
	"sequence_id":              secure.FieldSequenceID,
	"precise_origin_timestamp": secure.FieldPreciseOriginTimestamp,
}

func buildSecure(c *pkgconfig.CRCConfig) (secure.Config, error) {
	out := secure.Config{TxSecured: c.TxSecured}
	for _, f := range c.TimeFlags {
		v, ok := timeFlags[strings.ToLower(f)]
		if !ok {
			return secure.Config{}, fmt.Errorf("crc.time_flags: unknown field %q", f)
		}
		out.TxFields |= v
	}
	switch n := len(c.DataIDs); {
	case n == 1:
		for i := range out.DataIDs {
			out.DataIDs[i] = c.DataIDs[0]
		}
	case n == len(out.DataIDs):
		copy(out.DataIDs[:], c.DataIDs)
	case n != 0:
		return secure.Config{}, fmt.Errorf("crc.data_ids: want 1 or %d values, got %d", len(out.DataIDs), n)
	}
	modes := []struct {
		name string
		in   string
		out  *secure.Mode
	}{
		{"rx_time", c.RxTime, &out.RxTime},
		{"rx_status", c.RxStatus, &out.RxStatus},
		{"rx_user_data", c.RxUserData, &out.RxUserData},
		{"rx_offset", c.RxOffset, &out.RxOffset},
	}
	for _, m := range modes {
		v, err := secure.ParseMode(m.in)
		if err != nil {
			return secure.Config{}, fmt.Errorf("crc.%s: %w", m.name, err)
		}
		*m.out = v
	}
	return out, nil
}

func buildBridge(b *pkgconfig.BridgeConfig) (*engine.BridgeConfig, error) {
	tx, err := duration("bridge.tx_period", b.TxPeriod)
	if err != nil {
		return nil, err
	}
	out := &engine.BridgeConfig{
		Ports:              make([]engine.PortConfig, len(b.Ports)),
		Simple:             b.Simple,
		Synchronize:        b.Synchronize,
		TxPeriod:           tx,
		PortIdxInCorrField: b.PortIdxInCorrField,
		SwitchIdx:          b.SwitchIdx,
	}
	for i, p := range b.Ports {
		out.Ports[i] = engine.PortConfig(p)
	}
	if out.HostPort, err = portIndex(b.Ports, b.HostPort); err != nil {
		return nil, fmt.Errorf("bridge.host_port: %w", err)
	}
	if b.HostPort == "" {
		return nil, fmt.Errorf("bridge.host_port: required")
	}
	if out.SlavePort, err = portIndex(b.Ports, b.SlavePort); err != nil {
		return nil, fmt.Errorf("bridge.slave_port: %w", err)
	}
	return out, nil
}

// portIndex ищет порт по имени; пустое имя — engine.NoPort.
func portIndex(ports []pkgconfig.PortConfig, name string) (int, error) {
	if name == "" {
		return engine.NoPort, nil
	}
	for i, p := range ports {
		if p.Name == name {
			return i, nil
		}
	}
	return engine.NoPort, fmt.Errorf("no port %q", name)
}
