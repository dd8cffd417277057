//go:build !pcap
// +build !pcap

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// openCapture читает pcap или pcapng без libpcap. Кадры не gPTP
// отбрасывает Decoder.
func openCapture(path string) (gopacket.PacketDataSource, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	if r, err := pcapgo.NewReader(f); err == nil {
		if lt := r.LinkType(); lt != layers.LinkTypeEthernet {
			f.Close()
			return nil, nil, fmt.Errorf("%s: link type %v, want Ethernet", path, lt)
		}
		return r, f.Close, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, nil, err
	}
	ng, err := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%s: neither pcap nor pcapng: %w", path, err)
	}
	return ng, f.Close, nil
}

// openLive без libpcap недоступен.
func openLive(iface string) (gopacket.PacketDataSource, func() error, error) {
	return nil, nil, fmt.Errorf("live capture on %s not enabled: rebuild with -tags=pcap", iface)
}
