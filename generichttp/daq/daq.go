// Package daq provides a generic HTTP interface to continuous acquisition
// sessions
//
// This is not the last word in speed, due to HTTP having reasonable latency in
// most client languages, but it is the last word in ease of use.  Consumers
// that need every sample map the stream buffer and follow the published
// position; the routes here control the session and serve snapshots.
package daq

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/nasa-jpl/golacq/acq"
	"github.com/nasa-jpl/golacq/dbuf"
	"github.com/nasa-jpl/golacq/device"
	"github.com/nasa-jpl/golacq/generichttp"
	"github.com/nasa-jpl/golacq/monitor"
	"github.com/nasa-jpl/golacq/publish"
	"github.com/nasa-jpl/golacq/server"
	"github.com/nasa-jpl/golacq/server/middleware/locker"
	"github.com/nasa-jpl/golacq/stream"
	"github.com/nasa-jpl/golacq/util"
)

var log logrus.FieldLogger = logrus.WithField("logger", "golacq/daq")

// SetLogger sets the package logger
func SetLogger(logger logrus.FieldLogger) {
	log = logger
}

// DefaultSnapshot is the number of samples of a snapshot without ?n=
const DefaultSnapshot = 1000

// Acquirer is a model of a continuous acquisition session
type Acquirer interface {
	// Start begins acquisition
	Start() error

	// Stop ends acquisition and returns any fault of the run
	Stop() error

	// Status reports the session state
	Status() device.Status

	// Info reports the realized acquisition parameters
	Info() device.Info

	// Position is the last committed absolute position
	Position() int64

	// Stream is the output stream, nil before initialization
	Stream() *stream.Stream
}

// statusFor maps session errors to HTTP codes
func statusFor(err error) int {
	var cerr *acq.ConfigurationError
	switch {
	case errors.Is(err, device.ErrRunning),
		errors.Is(err, device.ErrNotInitialized),
		errors.Is(err, device.ErrNotConfigured):
		return http.StatusConflict
	case errors.As(err, &cerr):
		return http.StatusBadRequest
	case errors.Is(err, dbuf.ErrHistory), errors.Is(err, dbuf.ErrShape):
		return http.StatusRequestedRangeNotSatisfiable
	default:
		return http.StatusInternalServerError
	}
}

func initializedInfo(a Acquirer) (device.Info, error) {
	if a.Stream() == nil {
		return device.Info{}, device.ErrNotInitialized
	}
	return a.Info(), nil
}

// HTTPAcquisition adds routes for session control, position and snapshots
// to a table
func HTTPAcquisition(a Acquirer, table server.RouteTable) {
	table[server.MethodPath{Method: http.MethodPost, Path: "/start"}] = generichttp.Do(a.Start, statusFor)
	table[server.MethodPath{Method: http.MethodPost, Path: "/stop"}] = generichttp.Do(a.Stop, statusFor)
	table[server.MethodPath{Method: http.MethodGet, Path: "/status"}] = generichttp.GetJSON(func() (interface{}, error) {
		return a.Status(), nil
	})
	table[server.MethodPath{Method: http.MethodGet, Path: "/info"}] = generichttp.GetJSON(func() (interface{}, error) {
		return a.Info(), nil
	})
	table[server.MethodPath{Method: http.MethodGet, Path: "/info/stream"}] = generichttp.GetString(func() (string, error) {
		i, err := initializedInfo(a)
		return i.Stream, err
	})
	table[server.MethodPath{Method: http.MethodGet, Path: "/info/samplingRate"}] = generichttp.GetFloat(func() (float64, error) {
		i, err := initializedInfo(a)
		return i.SamplingRate, err
	})
	table[server.MethodPath{Method: http.MethodGet, Path: "/info/halfSize"}] = generichttp.GetInt(func() (int, error) {
		i, err := initializedInfo(a)
		return i.HalfSize, err
	})
	table[server.MethodPath{Method: http.MethodGet, Path: "/position"}] = generichttp.GetInt64(func() (int64, error) {
		return a.Position(), nil
	})
	table[server.MethodPath{Method: http.MethodGet, Path: "/snapshot.fits"}] = Snapshot(a)
}

// Snapshot returns an HTTP handlerfunc that writes the last n samples of
// every channel as a FITS image, n from the query string
func Snapshot(a Acquirer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := a.Stream()
		if st == nil {
			http.Error(w, device.ErrNotInitialized.Error(), http.StatusConflict)
			return
		}
		n := DefaultSnapshot
		if q := r.URL.Query().Get("n"); q != "" {
			var err error
			n, err = strconv.Atoi(q)
			if err != nil || n <= 0 {
				http.Error(w, fmt.Sprintf("n=%q must be a positive integer", q), http.StatusBadRequest)
				return
			}
		}
		// the buffer's own position word never runs ahead of its data
		pos := st.Buffer.Position()
		limit := st.HalfSize
		if int64(limit) > pos {
			limit = int(pos)
		}
		n = util.Clamp(n, 0, limit)
		if n == 0 {
			http.Error(w, "no samples acquired yet", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Type", "image/fits")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="snapshot-%d.fits"`, pos))
		if err := stream.WriteFITS(w, st, pos, n, nil); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var wsClients atomic.Uint64

// PositionStream returns an HTTP handlerfunc that upgrades to a websocket and
// pushes {"int64": position} messages as positions are published.  Slow
// clients skip positions rather than queue them
func PositionStream(bus *publish.Bus, ping time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).Debug("websocket upgrade")
			return
		}
		defer conn.Close()
		id := fmt.Sprintf("ws-%d-%s", wsClients.Add(1), r.RemoteAddr)
		latest, err := bus.Subscribe(id)
		if err != nil {
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
			return
		}
		defer bus.Unsubscribe(id)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go func() {
			// drain client frames so close is noticed
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(ping)
		defer ticker.Stop()
		var sent uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-latest.Changed():
				pos, seq := latest.Load()
				if seq == sent {
					continue
				}
				sent = seq
				if err := conn.WriteJSON(server.Int64T{Int64: pos}); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ping)); err != nil {
					return
				}
			}
		}
	}
}

// HTTPAcquisitionSession holds an acquisition session and its route table
type HTTPAcquisitionSession struct {
	Acquirer Acquirer

	RouteTable server.RouteTable
}

// Options are the optional collaborators of NewHTTPAcquisition
type Options struct {
	// Bus serves GET /position/ws when not nil
	Bus *publish.Bus

	// Monitor serves GET /monitor when not nil
	Monitor *monitor.Monitor

	// Gatherer serves GET /metrics when not nil
	Gatherer prometheus.Gatherer

	// Locker adds GET and POST /lock when not nil
	Locker *locker.Locker

	// Ping is the websocket keepalive interval, 30 s if zero
	Ping time.Duration
}

// NewHTTPAcquisition builds the route table of a session
func NewHTTPAcquisition(a Acquirer, o Options) HTTPAcquisitionSession {
	rt := server.RouteTable{}
	HTTPAcquisition(a, rt)
	if o.Bus != nil {
		ping := o.Ping
		if ping == 0 {
			ping = 30 * time.Second
		}
		rt[server.MethodPath{Method: http.MethodGet, Path: "/position/ws"}] = PositionStream(o.Bus, ping)
	}
	if o.Monitor != nil {
		rt[server.MethodPath{Method: http.MethodGet, Path: "/monitor"}] = o.Monitor.HTTPYield
	}
	if o.Gatherer != nil {
		rt[server.MethodPath{Method: http.MethodGet, Path: "/metrics"}] = promhttp.HandlerFor(o.Gatherer, promhttp.HandlerOpts{}).ServeHTTP
	}
	if o.Locker != nil {
		locker.Inject(rt, o.Locker)
	}
	return HTTPAcquisitionSession{Acquirer: a, RouteTable: rt}
}

// RT satisfies server.HTTPer
func (h HTTPAcquisitionSession) RT() server.RouteTable {
	return h.RouteTable
}
