package refclock

import (
	"fmt"
	"time"

	"github.com/shiwa/timecard-mini/gptpsync/internal/ubx"
	pkgconfig "github.com/shiwa/timecard-mini/gptpsync/pkg/config"
)

// New создаёт источник из конфига (primary_clocks / secondary_clocks).
func New(c pkgconfig.ClockSource, tp pkgconfig.TimepulseConfig) (Source, error) {
	if c.Disable {
		return nil, fmt.Errorf("source disabled")
	}
	offset := time.Duration(c.Offset)
	switch c.Protocol {
	case "system", "":
		return NewSystem(offset), nil
	case "phc":
		if c.PHC == "" {
			return nil, fmt.Errorf("phc: device required")
		}
		return NewPHC(c.PHC, offset)
	case "gnss", "timebeat_opentimecard_mini":
		holdover, err := parseDuration("gnss holdover", c.Holdover, 10*time.Second)
		if err != nil {
			return nil, err
		}
		o := GNSSOptions{Device: c.Device, Baud: c.Baud, Holdover: holdover, Offset: offset}
		if c.Timepulse {
			p := TimePulse(tp)
			o.TimePulse = &p
		}
		return OpenGNSS(o)
	case "nmea":
		holdover, err := parseDuration("nmea holdover", c.Holdover, 10*time.Second)
		if err != nil {
			return nil, err
		}
		return OpenNMEA(c.Device, c.Baud, holdover, offset)
	case "ntp":
		if c.Host == "" {
			return nil, fmt.Errorf("ntp: host required")
		}
		poll, err := parseDuration("ntp poll", c.Poll, 0)
		if err != nil {
			return nil, err
		}
		holdover, err := parseDuration("ntp holdover", c.Holdover, 0)
		if err != nil {
			return nil, err
		}
		return NewNTP(c.Host, poll, holdover, offset), nil
	default:
		return nil, fmt.Errorf("unknown protocol: %s", c.Protocol)
	}
}

func parseDuration(name, s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}

// TimePulse переводит параметры timepulse из конфига в CFG-TP5.
func TimePulse(tp pkgconfig.TimepulseConfig) ubx.TimePulse {
	p := ubx.DefaultTimePulse()
	p.Index = tp.TPIdx
	if tp.PulseWidthMs > 0 {
		p.Width = time.Duration(tp.PulseWidthMs * float64(time.Millisecond))
	}
	p.CableDelay = time.Duration(tp.AntCableDelayNs)
	p.RisingEdge = !tp.FallingEdge
	return p
}

// Open создаёт выборщик по clock_sync; недоступные источники пропускаются с записью в лог.
func Open(cs *pkgconfig.ClockSyncConfig, tp pkgconfig.TimepulseConfig) *Election {
	build := func(kind string, list []pkgconfig.ClockSource) []Source {
		var out []Source
		for _, c := range list {
			if c.Disable {
				continue
			}
			s, err := New(c, tp)
			if err != nil {
				log.Errorf("%s %s: %v", kind, c.Protocol, err)
				continue
			}
			out = append(out, s)
		}
		return out
	}
	return NewElection(build("primary", cs.PrimaryClocks), build("secondary", cs.SecondaryClocks))
}
