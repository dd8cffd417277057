// gptp-pcap — разбор кадров gPTP из захвата (pcap/pcapng) или с интерфейса.
//
// Использование:
//
//	gptp-pcap -r capture.pcap                          — печать кадров
//	gptp-pcap -r capture.pcap -config gptpsync.yml -link eth0
//	                                                   — с проверкой CRC по настройкам канала
//	gptp-pcap -r capture.pcap -data-id 7               — проверка CRC с одним Data ID
//	gptp-pcap -i eth0                                  — захват с интерфейса (сборка с -tags=pcap)
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/google/gopacket"

	"github.com/shiwa/timecard-mini/gptpsync/internal/config"
	"github.com/shiwa/timecard-mini/gptpsync/internal/secure"
)

func main() {
	file := flag.String("r", "", "файл захвата pcap/pcapng")
	iface := flag.String("i", "", "интерфейс для захвата (требует -tags=pcap)")
	domain := flag.Int("domain", AnyDomain, "показывать только домен (-1 — все)")
	configPath := flag.String("config", "", "YAML конфиг gptpsync для проверки CRC")
	link := flag.String("link", "", "канал из -config, чьи настройки CRC применяются")
	dataID := flag.Int("data-id", -1, "один Data ID для всех sequenceId (проверка CRC без конфига)")
	flag.Parse()

	sc, err := secureConfig(*configPath, *link, *dataID)
	if err != nil {
		log.Fatalf("crc: %v", err)
	}

	var src gopacket.PacketDataSource
	var closeFn func() error
	switch {
	case *file != "":
		src, closeFn, err = openCapture(*file)
	case *iface != "":
		src, closeFn, err = openLive(*iface)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
	defer closeFn()

	d := &Decoder{Out: os.Stdout, Domain: *domain, Secure: sc}
	if err := decodeAll(src, d); err != nil {
		log.Fatal(err)
	}
	if err := d.Summary(); err != nil {
		log.Fatal(err)
	}
}

func secureConfig(path, link string, dataID int) (*secure.Config, error) {
	switch {
	case path != "":
		if link == "" {
			return nil, fmt.Errorf("-config requires -link")
		}
		c, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		sc, err := config.LinkSecure(c, link)
		if err != nil {
			return nil, err
		}
		return &sc, nil
	case dataID >= 0:
		if dataID > 0xFF {
			return nil, fmt.Errorf("data-id %d out of range", dataID)
		}
		sc := &secure.Config{}
		for i := range sc.DataIDs {
			sc.DataIDs[i] = uint8(dataID)
		}
		return sc, nil
	}
	return nil, nil
}

// decodeAll читает источник до конца.
func decodeAll(src gopacket.PacketDataSource, d *Decoder) error {
	for {
		data, ci, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read packet: %w", err)
		}
		if err := d.Packet(data, ci); err != nil {
			return err
		}
	}
}
