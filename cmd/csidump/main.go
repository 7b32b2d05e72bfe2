// csidump connects to a configured ESPARGOS array, optionally calibrates it,
// and prints live cluster statistics from a rolling backlog.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	espargos "github.com/espargos/goespargos"
)

func main() {
	configPath := flag.String("config", "array.yaml", "array configuration file")
	calibrate := flag.Bool("calibrate", false, "run phase calibration before dumping")
	statsInterval := flag.Duration("stats", 2*time.Second, "statistics print interval")
	macFilter := flag.String("mac", "", "only keep clusters from these transmitter MACs (comma separated)")
	flag.Parse()

	cfg, err := espargos.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("[csidump] %v", err)
	}

	pool, err := espargos.NewPool(cfg)
	if err != nil {
		log.Fatalf("[csidump] %v", err)
	}

	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		log.Fatalf("[csidump] start: %v", err)
	}
	defer pool.Stop()
	log.Printf("[csidump] array up: %d antennas", len(pool.Antennas()))

	go func() {
		for e := range pool.Events() {
			if e.Err != nil {
				log.Printf("[csidump] board %s: %s (%v)", e.Board, e.Kind, e.Err)
			} else {
				log.Printf("[csidump] board %s: %s via %s", e.Board, e.Kind, e.Transport)
			}
		}
	}()

	if *calibrate {
		log.Printf("[csidump] calibrating for %s", cfg.Calibration.Duration.Std())
		if _, err := pool.Calibrate(ctx, cfg.Calibration.Duration.Std()); err != nil {
			log.Printf("[csidump] calibration failed, continuing uncalibrated: %v", err)
		}
	}

	opts := espargos.BacklogOptions{}
	if *macFilter != "" {
		for _, s := range strings.Split(*macFilter, ",") {
			mac, err := espargos.ParseMAC(strings.TrimSpace(s))
			if err != nil {
				log.Fatalf("[csidump] -mac: %v", err)
			}
			opts.MACFilter = append(opts.MACFilter, mac)
		}
	}
	backlog, err := espargos.NewBacklog(pool, cfg.Backlog.Size, cfg.BacklogFields(), opts)
	if err != nil {
		log.Fatalf("[csidump] backlog: %v", err)
	}
	defer backlog.Close()

	var clusters atomic.Uint64
	unregister := pool.RegisterClusterConsumer(func(c *espargos.Cluster) {
		clusters.Add(1)
	})
	defer unregister()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(*statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sig:
			log.Printf("[csidump] shutting down")
			return
		case <-ticker.C:
			printStats(backlog, clusters.Load())
		}
	}
}

func printStats(backlog *espargos.Backlog, clusters uint64) {
	entry, ok := backlog.Latest()
	if !ok {
		log.Printf("[csidump] %s clusters, backlog empty", humanize.Comma(int64(clusters)))
		return
	}

	best := -200.0
	antennas := 0
	for _, rssi := range entry.RSSI {
		antennas++
		if rssi > best {
			best = rssi
		}
	}
	log.Printf("[csidump] %s clusters, backlog %d entries, latest: %s, %d antennas, best RSSI %.0f dB",
		humanize.Comma(int64(clusters)), backlog.Len(), entry.MAC, antennas, best)
}
