package config

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiwa/timecard-mini/gptpsync/internal/engine"
	"github.com/shiwa/timecard-mini/gptpsync/internal/secure"
	pkgconfig "github.com/shiwa/timecard-mini/gptpsync/pkg/config"
)

const sample = `
tick_period: 500us
auth_key: "000102030405060708090a0b0c0d0e0f"
metrics:
  listen: ":9110"
diagstore:
  path: /var/lib/gptpsync/diag.db
links:
  - name: gm0
    interface: eth1
    role: master
    addr: "02:00:00:00:00:01"
    sync_interval: 31250us
    sync_log_interval: -5
    immediate_time_sync: true
    cyclic_msg_resume_time: 20ms
    announce:
      enabled: true
      priority1: 100
    tlv:
      time: true
      status: true
    crc:
      tx_secured: true
      time_flags: [domain, sequence_id, precise_origin_timestamp]
      data_ids: [7]
  - name: sw0
    role: slave
    addr: "02:00:00:00:00:02"
    domain: 3
    authenticate: true
    pdelay:
      initiator: true
      default_pdelay_ns: 800
      filter_shift: 3
    crc:
      rx_time: validated
      rx_status: optional
    bridge:
      host_port: cpu
      slave_port: p1
      simple: true
      tx_period: 10ms
      ports:
        - {name: cpu, number: 1}
        - {name: p1, number: 2, pdelay_initiator: true}
        - {name: p2, number: 3, pdelay_responder: true, source_port: 32771}
clock_sync:
  primary_clocks:
    - protocol: gnss
  secondary_clocks:
    - protocol: system
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gptpsync.yml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.Len(t, c.Links, 2)
	assert.Equal(t, "500us", c.TickPeriod)
	assert.Equal(t, ":9110", c.Metrics.Listen)
	assert.Equal(t, "1s", c.Metrics.Interval)

	gm := c.Links[0]
	assert.Equal(t, "eth1", gm.Interface)
	assert.Equal(t, pkgconfig.DefaultFollowUpTimeout, gm.FollowUpTimeout)
	assert.Equal(t, uint8(100), gm.Announce.Priority1)
	assert.Equal(t, uint8(pkgconfig.DefaultPriority2), gm.Announce.Priority2)

	sw := c.Links[1]
	assert.Equal(t, "sw0", sw.Interface)
	assert.Equal(t, pkgconfig.DefaultSyncInterval, sw.SyncInterval)

	gnss := c.ClockSync.PrimaryClocks[0]
	assert.Equal(t, "/dev/ttyS0", gnss.Device)
	assert.Equal(t, 9600, gnss.Baud)
	assert.Equal(t, pkgconfig.DefaultHoldover, gnss.Holdover)
	assert.Empty(t, c.ClockSync.SecondaryClocks[0].Device)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestBuild(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)
	ec, err := Build(c, nil)
	require.NoError(t, err)
	assert.Equal(t, 500*time.Microsecond, ec.TickPeriod)

	gm := ec.Links[0]
	assert.Equal(t, engine.RoleMaster, gm.Role)
	assert.Equal(t, 31250*time.Microsecond, gm.SyncInterval)
	assert.Equal(t, int8(-5), gm.SyncLogInterval)
	assert.Equal(t, 20*time.Millisecond, gm.CyclicResumeTime)
	assert.Nil(t, gm.Destination)
	assert.True(t, gm.Secure.TxSecured)
	assert.Equal(t, secure.FieldDomain|secure.FieldSequenceID|secure.FieldPreciseOriginTimestamp, gm.Secure.TxFields)
	assert.Equal(t, uint8(7), gm.Secure.DataIDs.For(11))
	assert.Equal(t, engine.TLVConfig{Time: true, Status: true}, gm.TLV)
	assert.Nil(t, gm.Bridge)

	sw := ec.Links[1]
	assert.Equal(t, engine.RoleSlave, sw.Role)
	assert.Equal(t, uint8(3), sw.Domain)
	assert.Equal(t, uint32(800), sw.Pdelay.Default)
	assert.Equal(t, time.Second, sw.Pdelay.Interval)
	assert.Equal(t, secure.Validated, sw.Secure.RxTime)
	assert.Equal(t, secure.Optional, sw.Secure.RxStatus)
	assert.Equal(t, secure.Ignored, sw.Secure.RxOffset)

	want := &engine.BridgeConfig{
		Ports: []engine.PortConfig{
			{Name: "cpu", Number: 1},
			{Name: "p1", Number: 2, PdelayInitiator: true},
			{Name: "p2", Number: 3, PdelayResponder: true, SourcePort: 0x8003},
		},
		HostPort:  0,
		SlavePort: 1,
		Simple:    true,
		TxPeriod:  10 * time.Millisecond,
	}
	if diff := cmp.Diff(want, sw.Bridge); diff != "" {
		t.Errorf("bridge mismatch (-want +got):\n%s", diff)
	}

	key, err := AuthKey(c)
	require.NoError(t, err)
	assert.Len(t, key, 16)
	assert.ElementsMatch(t, []uint8{0, 3}, Domains(c))

	sc, err := LinkSecure(c, "sw0")
	require.NoError(t, err)
	assert.Equal(t, sw.Secure, sc)
}

func TestBuildResolvesAddr(t *testing.T) {
	c := pkgconfig.Default()
	c.Links = []pkgconfig.LinkConfig{{Name: "eth0", Role: "master"}}
	pkgconfig.ApplyDefaults(c)

	mac := net.HardwareAddr{0x02, 0, 0, 0, 0, 0x10}
	var asked string
	ec, err := Build(c, func(iface string) (net.HardwareAddr, error) {
		asked = iface
		return mac, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "eth0", asked)
	assert.Equal(t, mac, ec.Links[0].Addr)

	_, err = Build(c, nil)
	assert.Error(t, err)

	failing := errors.New("no such interface")
	_, err = Build(c, func(string) (net.HardwareAddr, error) { return nil, failing })
	assert.ErrorIs(t, err, failing)
}

func TestBuildErrors(t *testing.T) {
	link := func(mod func(*pkgconfig.LinkConfig)) *pkgconfig.Config {
		c := pkgconfig.Default()
		c.Links = []pkgconfig.LinkConfig{{Name: "eth0", Addr: "02:00:00:00:00:01"}}
		mod(&c.Links[0])
		pkgconfig.ApplyDefaults(c)
		return c
	}
	tests := []struct {
		name string
		cfg  *pkgconfig.Config
	}{
		{"role", link(func(l *pkgconfig.LinkConfig) { l.Role = "boundary" })},
		{"duration", link(func(l *pkgconfig.LinkConfig) { l.SyncInterval = "fast" })},
		{"negative", link(func(l *pkgconfig.LinkConfig) { l.DebounceTime = "-1ms" })},
		{"mac", link(func(l *pkgconfig.LinkConfig) { l.Destination = "01:80" })},
		{"crc mode", link(func(l *pkgconfig.LinkConfig) { l.CRC.RxTime = "strict" })},
		{"crc flag", link(func(l *pkgconfig.LinkConfig) { l.CRC.TimeFlags = []string{"payload"} })},
		{"data ids", link(func(l *pkgconfig.LinkConfig) { l.CRC.DataIDs = []uint8{1, 2, 3} })},
		{"bridge port", link(func(l *pkgconfig.LinkConfig) {
			l.Bridge = &pkgconfig.BridgeConfig{
				HostPort: "cpu", SlavePort: "p9",
				Ports: []pkgconfig.PortConfig{{Name: "cpu"}, {Name: "p1"}},
			}
		})},
		{"bridge host", link(func(l *pkgconfig.LinkConfig) {
			l.Bridge = &pkgconfig.BridgeConfig{Ports: []pkgconfig.PortConfig{{Name: "cpu"}, {Name: "p1"}}}
		})},
		{"no links", pkgconfig.Default()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.cfg, nil)
			assert.Error(t, err)
		})
	}

	c := pkgconfig.Default()
	c.AuthKey = "zz"
	_, err := AuthKey(c)
	assert.Error(t, err)
	_, err = LinkSecure(c, "eth0")
	assert.Error(t, err)
}
