//go:build pcap
// +build pcap

package main

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
)

const ptpFilter = "ether proto 0x88f7"

// openCapture открывает файл захвата через libpcap с фильтром gPTP.
func openCapture(path string) (gopacket.PacketDataSource, func() error, error) {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open pcap %s: %w", path, err)
	}
	if err := handle.SetBPFFilter(ptpFilter); err != nil {
		handle.Close()
		return nil, nil, fmt.Errorf("set BPF filter: %w", err)
	}
	return handle, closeHandle(handle), nil
}

// openLive захватывает кадры gPTP с интерфейса.
func openLive(iface string) (gopacket.PacketDataSource, func() error, error) {
	handle, err := pcap.OpenLive(iface, 1600, true, pcap.BlockForever)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", iface, err)
	}
	if err := handle.SetBPFFilter(ptpFilter); err != nil {
		handle.Close()
		return nil, nil, fmt.Errorf("set BPF filter: %w", err)
	}
	return handle, closeHandle(handle), nil
}

func closeHandle(h *pcap.Handle) func() error {
	return func() error {
		h.Close()
		return nil
	}
}
