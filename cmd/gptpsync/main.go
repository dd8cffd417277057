// gptpsync — синхронизация времени по gPTP (IEEE 802.1AS) поверх Ethernet.
//
// Возможности:
//   - Гроссмейстер, слейв и мост по конфигу links (gptpsync.yml)
//   - Измерение задержки пути (Pdelay), подзаписи Follow_Up с CRC, аутентификация Pdelay
//   - Опорные часы гроссмейстера: clock_sync (system, phc, gnss)
//   - Метрики Prometheus и журнал диагностики SQLite
//
// Использование:
//
//	gptpsync -check -config gptpsync.yml   — проверить конфиг и выйти
//	gptpsync -configure                    — настроить time pulse приёмника и выйти
//	gptpsync -run -config gptpsync.yml     — запуск daemon
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shiwa/timecard-mini/gptpsync/internal/config"
	"github.com/shiwa/timecard-mini/gptpsync/internal/logger"
	"github.com/shiwa/timecard-mini/gptpsync/internal/refclock"
	"github.com/shiwa/timecard-mini/gptpsync/internal/ubx"
	pkgconfig "github.com/shiwa/timecard-mini/gptpsync/pkg/config"
	"github.com/shiwa/timecard-mini/gptpsync/pkg/gptpsync"
)

func main() {
	check := flag.Bool("check", false, "проверить конфиг и вывести каналы")
	configure := flag.Bool("configure", false, "настроить time pulse на UBX устройстве и выйти")
	run := flag.Bool("run", false, "запуск daemon")
	configPath := flag.String("config", "", "путь к YAML конфигу (по умолчанию gptpsync.yml)")
	port := flag.String("port", "", "последовательный порт (переопределяет config)")
	baud := flag.Int("baud", 0, "скорость порта (переопределяет config)")
	pulseMs := flag.Float64("pulse-width-ms", 0, "длительность импульса в мс (переопределяет config)")
	quiet := flag.Bool("quiet", false, "меньше вывода")
	debug := flag.Bool("debug", false, "отладочный вывод разбора кадров")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *port != "" {
		cfg.Device.Port = *port
	}
	if *baud != 0 {
		cfg.Device.Baud = *baud
	}
	if *pulseMs > 0 {
		cfg.Timepulse.PulseWidthMs = *pulseMs
	}
	logger.Quiet = *quiet
	logger.Debug = *debug

	switch {
	case *check:
		if err := runCheck(cfg); err != nil {
			log.Fatalf("config: %v", err)
		}
	case *configure:
		runConfigure(cfg, *quiet)
	case *run:
		runDaemonWithShutdown(cfg, *quiet)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func loadConfig(path string) (*pkgconfig.Config, error) {
	explicit := path != ""
	if !explicit {
		path = "gptpsync.yml"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) && !explicit {
		cfg := pkgconfig.Default()
		pkgconfig.ApplyDefaults(cfg)
		return cfg, nil
	}
	return config.Load(path)
}

func runCheck(cfg *pkgconfig.Config) error {
	ec, err := config.Build(cfg, config.InterfaceAddr)
	if err != nil {
		return err
	}
	if _, err := config.AuthKey(cfg); err != nil {
		return err
	}
	fmt.Printf("такт %v, каналов %d\n", ec.TickPeriod, len(ec.Links))
	for _, l := range ec.Links {
		fmt.Printf("  %-8s %-6s домен %d  %s  sync %v\n", l.Name, l.Role, l.Domain, l.Addr, l.SyncInterval)
		if b := l.Bridge; b != nil {
			fmt.Printf("           мост: портов %d, host %d, slave %d, simple=%v\n",
				len(b.Ports), b.HostPort, b.SlavePort, b.Simple)
		}
	}
	return nil
}

func runConfigure(cfg *pkgconfig.Config, quiet bool) {
	port, err := ubx.Open(cfg.Device.Port, cfg.Device.Baud, 2*time.Second)
	if err != nil {
		log.Fatalf("открытие порта %s: %v", cfg.Device.Port, err)
	}
	defer port.Close()

	tp := refclock.TimePulse(cfg.Timepulse)
	pkt, err := tp.Packet()
	if err != nil {
		log.Fatalf("time pulse: %v", err)
	}
	if err := port.Configure(pkt, 64); err != nil {
		log.Fatalf("настройка time pulse: %v", err)
	}
	if !quiet {
		fmt.Printf("Time pulse настроен: %s, %d baud, импульс %v\n", cfg.Device.Port, cfg.Device.Baud, tp.Width)
	}
}

// runDaemonWithShutdown запускает gptpsync.RunDaemon; по SIGINT/SIGTERM контекст
// отменяется и сокеты, опорные часы и журнал закрываются.
func runDaemonWithShutdown(cfg *pkgconfig.Config, quiet bool) {
	if len(cfg.Links) == 0 {
		log.Fatal("для -run нужен конфиг с links")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gptpsync.RunDaemon(ctx, cfg, quiet, gptpsync.Hooks{}); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("%v", err)
		os.Exit(1)
	}
	logger.Info("завершение")
}
