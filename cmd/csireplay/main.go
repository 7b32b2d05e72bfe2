// csireplay feeds a recorded pcap of board UDP traffic through the CSI
// decoder and clusterer, then prints clustering statistics. Useful for
// inspecting captures without an array on the bench.
package main

import (
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	espargos "github.com/espargos/goespargos"
	"github.com/espargos/goespargos/internal/wire"
)

func main() {
	pcapPath := flag.String("pcap", "", "pcap file with board UDP traffic")
	window := flag.Duration("window", 50*time.Microsecond, "cluster alignment window")
	flag.Parse()
	if *pcapPath == "" {
		log.Fatal("[csireplay] -pcap is required")
	}

	f, err := os.Open(*pcapPath)
	if err != nil {
		log.Fatalf("[csireplay] %v", err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		log.Fatalf("[csireplay] %v", err)
	}

	var (
		clusters  int
		perMAC    = map[espargos.MAC]int{}
		sizeHisto = map[int]int{}
	)
	clusterer := espargos.NewClusterer(espargos.ClustererConfig{Window: *window})
	clusterer.Register(func(c *espargos.Cluster) {
		clusters++
		perMAC[c.SourceMAC]++
		sizeHisto[len(c.Reports)]++
	})
	clusterer.Start()

	var packets, reports, keepalives, malformed int
	for {
		data, _, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Fatalf("[csireplay] read: %v", err)
		}
		packets++

		pkt := gopacket.NewPacket(data, r.LinkType(), gopacket.Default)
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			continue
		}
		board := "capture"
		if ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4); ok {
			board = ip.SrcIP.String()
		}

		frame, err := wire.DecodeFrame(udp.Payload)
		if err != nil {
			malformed++
			continue
		}
		if frame.Keepalive {
			keepalives++
			continue
		}
		reports++
		clusterer.Ingest(&espargos.CSIReport{
			Antenna:    espargos.Antenna{Board: board, Index: frame.Report.AntennaIndex},
			Timestamp:  frame.Report.Timestamp,
			SeqHint:    frame.Report.SeqHint,
			SourceMAC:  espargos.MAC(frame.Report.SourceMAC),
			RSSI:       frame.Report.RSSI,
			NoiseFloor: frame.Report.NoiseFloor,
			Samples:    frame.Report.Samples,
		})
	}
	clusterer.Stop() // drains, emitting trailing partial clusters

	log.Printf("[csireplay] %s packets: %s reports, %s keepalives, %s malformed",
		humanize.Comma(int64(packets)), humanize.Comma(int64(reports)),
		humanize.Comma(int64(keepalives)), humanize.Comma(int64(malformed)))
	log.Printf("[csireplay] %s clusters from %d transmitters", humanize.Comma(int64(clusters)), len(perMAC))

	sizes := make([]int, 0, len(sizeHisto))
	for size := range sizeHisto {
		sizes = append(sizes, size)
	}
	sort.Ints(sizes)
	for _, size := range sizes {
		log.Printf("[csireplay]   %2d antennas: %s clusters", size, humanize.Comma(int64(sizeHisto[size])))
	}
}
