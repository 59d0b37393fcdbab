/*Ringsim is a stand-in for a ring buffer device driver.  It creates a shared
ring file and fills it with sine waves at a fixed rate until interrupted.

Usage:
	ringsim [-path /dev/shm/golacq-ring] [-channels 2] [-capacity 65536] [-rate 1000] [-freq 10]
*/
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/golacq/ringsrc"
)

var log = logrus.WithField("logger", "golacq/ringsim")

func produce(ctx context.Context, w *ringsrc.ShmWriter, channels int, sps float64, tick time.Duration, gen ringsrc.Generator) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	overrun := rate.NewLimiter(rate.Every(time.Second), 1)
	start := time.Now()
	var n int64
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			target := int64(now.Sub(start).Seconds() * sps)
			if target <= n {
				continue
			}
			rows := make([][]int16, 0, target-n)
			for k := n; k < target; k++ {
				row := make([]int16, channels)
				for c := range row {
					row[c] = gen(k, c)
				}
				rows = append(rows, row)
			}
			written := w.Write(rows)
			if written < len(rows) && overrun.Allow() {
				log.WithField("dropped", len(rows)-written).Warn("ring full, consumer is not keeping up")
			}
			n = target
		}
	}
}

func main() {
	path := flag.String("path", "/dev/shm/golacq-ring", "shared ring file")
	channels := flag.Int("channels", 2, "number of channels")
	capacity := flag.Int("capacity", 1<<16, "ring capacity in rows")
	sps := flag.Float64("rate", 1000, "rows per second")
	freq := flag.Float64("freq", 10, "sine frequency, Hz")
	tick := flag.Duration("tick", 5*time.Millisecond, "interval between bursts")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	w, err := ringsrc.CreateShm(*path, *channels, *capacity)
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		if err := w.Close(); err != nil {
			log.WithError(err).Warn("unmapping ring")
		}
		if err := w.Remove(); err != nil {
			log.WithError(err).Warn("removing ring")
		}
	}()
	log.WithFields(logrus.Fields{
		"path":     *path,
		"channels": *channels,
		"capacity": *capacity,
		"rate":     *sps,
	}).Info("producing")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	produce(ctx, w, *channels, *sps, *tick, ringsrc.Sine(*sps, *freq))
	log.WithField("bytes", w.Produced()).Info("stopped")
}
