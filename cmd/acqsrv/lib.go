package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/theckman/yacspin"

	"github.com/nasa-jpl/golacq/acq"
	"github.com/nasa-jpl/golacq/config"
	"github.com/nasa-jpl/golacq/device"
	"github.com/nasa-jpl/golacq/generichttp/daq"
	"github.com/nasa-jpl/golacq/monitor"
	"github.com/nasa-jpl/golacq/publish/zmqpub"
	"github.com/nasa-jpl/golacq/ringsrc"
	"github.com/nasa-jpl/golacq/server/middleware/locker"
	"github.com/nasa-jpl/golacq/stream"
	"github.com/nasa-jpl/golacq/util"
)

// mockCapacity is the ring of the simulated driver, one second at 64 kHz
const mockCapacity = 1 << 16

func setupLogging(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		log.WithError(err).Warn("unknown log level, using info")
		lvl = logrus.InfoLevel
	}
	// DEBUG_GOLACQ may have raised the level already
	if logrus.IsLevelEnabled(logrus.DebugLevel) && lvl < logrus.DebugLevel {
		return
	}
	logrus.SetLevel(lvl)
}

// shmOpener waits for the producer behind a spinner on a terminal
func shmOpener(maxWait time.Duration) ringsrc.Opener {
	return func(path string) (ringsrc.Source, error) {
		spinner, err := yacspin.New(yacspin.Config{
			Frequency:         100 * time.Millisecond,
			CharSet:           yacspin.CharSets[11],
			Suffix:            " waiting for " + path,
			StopCharacter:     "✓",
			StopColors:        []string{"fgGreen"},
			StopFailCharacter: "✗",
			StopFailColors:    []string{"fgRed"},
		})
		if err != nil {
			return ringsrc.OpenShm(path, ringsrc.ShmOptions{MaxWait: maxWait})
		}
		spinner.Start()
		src, err := ringsrc.OpenShm(path, ringsrc.ShmOptions{
			MaxWait: maxWait,
			Notify: func(err error, next time.Duration) {
				spinner.Message(err.Error())
			},
		})
		if err != nil {
			spinner.StopFail()
			return nil, err
		}
		spinner.Stop()
		return src, nil
	}
}

// mockChannels is the width the session will select, a simulated source
// must carry exactly the selected channels
func mockChannels(o device.Options) int {
	switch {
	case len(o.Selection) > 0:
		return len(o.Selection)
	case len(o.Channels) > 0:
		return len(o.Channels)
	}
	return 2
}

func opener(c config.Config) ringsrc.Opener {
	if c.Mock {
		n := mockChannels(c.Device)
		return ringsrc.SimOpener(n, mockCapacity, c.MockRate, 5*time.Millisecond, ringsrc.Sine(c.MockRate, 10))
	}
	return shmOpener(10 * time.Second)
}

func run(c config.Config) error {
	setupLogging(c.LogLevel)

	shmDir := c.ShmDir
	if c.Mock {
		shmDir = ""
	}
	reg := stream.NewRegistry(shmDir, c.PublishAddr)
	session := device.New(opener(c), reg)
	metrics, err := acq.NewMetrics(prometheus.DefaultRegisterer, prometheus.Labels{"board": c.Device.Board})
	if err != nil {
		return err
	}
	session.Metrics = metrics

	if err := session.Configure(c.Device); err != nil {
		return err
	}
	if err := session.Initialize(); err != nil {
		return err
	}
	defer session.Close()

	// the registry numbers the endpoint, bind what it assigned
	if ep := session.Info().Endpoint; ep != "" {
		pub, err := zmqpub.Bind(ep)
		if err != nil {
			return err
		}
		defer pub.Close()
		session.Publisher = pub
		log.WithField("endpoint", pub.Endpoint()).Info("publishing positions")
	}

	mon := monitor.New(func() monitor.Sample {
		st := session.Status()
		return monitor.Sample{AbsPos: st.AbsPos, Stalls: st.Stalls, Running: st.Running}
	}, util.SecsToDuration(c.Monitor.Interval), c.Monitor.History, nil)
	mon.Start()
	defer mon.Stop()

	lock := locker.New()
	h := daq.NewHTTPAcquisition(session, daq.Options{
		Bus:      session.Bus,
		Monitor:  mon,
		Gatherer: prometheus.DefaultGatherer,
		Locker:   lock,
	})
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	root.Use(lock.Check)
	h.RT().Bind(root)

	if err := session.Start(); err != nil {
		return err
	}

	srv := &http.Server{Addr: c.Addr, Handler: root}
	errs := make(chan error, 1)
	go func() {
		log.WithField("addr", c.Addr).Info("now listening for requests")
		errs <- srv.ListenAndServe()
	}()
	go func() {
		// a fault ends acquisition but leaves the server up for inspection
		if err := session.Wait(); err != nil {
			log.WithError(err).Error("acquisition stopped")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.WithField("signal", s).Info("shutting down")
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	return session.Stop()
}
