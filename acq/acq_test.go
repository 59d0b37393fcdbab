package acq

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"

	"github.com/nasa-jpl/golacq/calib"
	"github.com/nasa-jpl/golacq/dbuf"
	"github.com/nasa-jpl/golacq/publish"
	"github.com/nasa-jpl/golacq/ringsrc"
)

// identity maps every code to the same number of volts
var identity = calib.Linear(calib.Range{Min: -32768, Max: 32767}, calib.Domain16)

type recorder struct {
	mu   sync.Mutex
	pos  []int64
	fail error
}

func (r *recorder) Publish(pos int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pos = append(r.pos, pos)
	return r.fail
}

func (r *recorder) positions() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.pos...)
}

type write struct{ Channel, Pos, N int }

// spy records the writes made into a buffer
type spy struct {
	*dbuf.Buffer
	writes []write
}

func (s *spy) Write(channel, pos int, values []float64) int {
	s.writes = append(s.writes, write{channel, pos, len(values)})
	return s.Buffer.Write(channel, pos, values)
}

type fixture struct {
	src  *ringsrc.Sim
	buf  *dbuf.Buffer
	spy  *spy
	pub  *recorder
	loop *Loop
	next int64 // next row number to produce
}

func newFixture(t *testing.T, channels, capacity, half int) *fixture {
	t.Helper()
	sim := ringsrc.NewSim(channels, capacity)
	return newFixtureOn(t, sim, sim, half)
}

// newFixtureOn runs the loop on src, a source backed by sim
func newFixtureOn(t *testing.T, sim *ringsrc.Sim, src ringsrc.Source, half int) *fixture {
	t.Helper()
	channels := sim.Channels()
	buf, err := dbuf.New(channels, half)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		src: sim,
		buf: buf,
		spy: &spy{Buffer: buf},
		pub: &recorder{},
	}
	conv := make([]calib.Converter, channels)
	for i := range conv {
		conv[i] = identity
	}
	f.loop, err = New(Params{
		Source:     src,
		Buffer:     f.spy,
		Converters: conv,
		Publisher:  f.pub,
		Clock:      clock.NewMock(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.loop.Start(); err != nil {
		t.Fatal(err)
	}
	return f
}

// produce writes n rows; channel c of row k holds (k+1)*(c+1) mod 2^15
func (f *fixture) produce(n int) {
	rows := make([][]int16, n)
	for i := range rows {
		rows[i] = make([]int16, f.src.Channels())
		for c := range rows[i] {
			rows[i][c] = int16((f.next + 1) * int64(c+1) % 32768)
		}
		f.next++
	}
	f.src.Write(rows)
}

func rowValue(k int64, c int) float64 {
	return float64((k + 1) * int64(c+1) % 32768)
}

func (f *fixture) step(t *testing.T) bool {
	t.Helper()
	advanced, err := f.loop.Step(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return advanced
}

func TestWraparoundTailThenHead(t *testing.T) {
	f := newFixture(t, 1, 100, 1000)
	f.produce(95)
	f.step(t)
	if st := f.loop.Status(); st.LastIndex != 95 || st.AbsPos != 95 {
		t.Fatalf("expected cursor 95 at 95, got %+v", st)
	}
	f.spy.writes = nil
	f.produce(8)
	if !f.step(t) {
		t.Fatal("expected the loop to advance")
	}
	exp := []write{{0, 95, 5}, {0, 100, 3}}
	if diff := cmp.Diff(exp, f.spy.writes); diff != "" {
		t.Errorf("writes (-want +got):\n%s", diff)
	}
	st := f.loop.Status()
	if st.AbsPos != 103 || st.LastIndex != 3 {
		t.Errorf("expected abs 103 cursor 3, got %+v", st)
	}
	got := f.buf.Channel(0)[95:103]
	for i, v := range got {
		if want := rowValue(int64(95+i), 0); v != want {
			t.Errorf("pos %d: expected %v got %v", 95+i, want, v)
		}
	}
	if diff := cmp.Diff([]int{95 * 2, 8 * 2}, f.src.Consumes()); diff != "" {
		t.Errorf("consumes (-want +got):\n%s", diff)
	}
}

func TestWrapEndingAtZero(t *testing.T) {
	f := newFixture(t, 1, 10, 100)
	f.produce(6)
	f.step(t)
	f.produce(4)
	f.step(t)
	if st := f.loop.Status(); st.LastIndex != 0 || st.AbsPos != 10 {
		t.Errorf("expected cursor 0 at 10, got %+v", st)
	}
	if n := f.src.Calls(ringsrc.OpRead); n != 2 {
		t.Errorf("expected 2 reads, the empty head skipped, got %d", n)
	}
}

func TestPartialRowReappears(t *testing.T) {
	f := newFixture(t, 2, 16, 100)
	var b []byte
	for _, v := range []int16{1, 2, 3, 4, 5, 6, 7, 8} {
		b = binary.LittleEndian.AppendUint16(b, uint16(v))
	}
	f.src.WriteBytes(b[:10])
	f.step(t)
	if p := f.loop.Position(); p != 2 {
		t.Fatalf("expected 2 whole rows, got %d", p)
	}
	f.src.WriteBytes(b[10:])
	f.step(t)
	if p := f.loop.Position(); p != 4 {
		t.Fatalf("expected 4 rows, got %d", p)
	}
	if diff := cmp.Diff([]float64{1, 3, 5, 7}, f.buf.Channel(0)[:4]); diff != "" {
		t.Errorf("channel 0 (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{2, 4, 6, 8}, f.buf.Channel(1)[:4]); diff != "" {
		t.Errorf("channel 1 (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{8, 8}, f.src.Consumes()); diff != "" {
		t.Errorf("consumes (-want +got):\n%s", diff)
	}
}

func TestEndToEnd(t *testing.T) {
	const half = 1000
	f := newFixture(t, 2, 1024, half)
	for _, n := range []int{600, 600, 300} {
		f.produce(n)
		f.step(t)
	}
	if diff := cmp.Diff([]int64{0, 600, 1200, 1500}, f.pub.positions()); diff != "" {
		t.Errorf("published (-want +got):\n%s", diff)
	}
	for c := 0; c < 2; c++ {
		data := f.buf.Channel(c)
		for p := 0; p < half; p++ {
			if data[p] != data[p+half] {
				t.Fatalf("channel %d: mirror broken at %d, %v != %v", c, p, data[p], data[p+half])
			}
		}
		if want := rowValue(1499, c); data[499] != want {
			t.Errorf("channel %d: expected row 1499 at 499, got %v", c, data[499])
		}
		if want := rowValue(500, c); data[500] != want || data[1500] != want {
			t.Errorf("channel %d: expected row 500 at 500 and 1500, got %v and %v", c, data[500], data[1500])
		}
		w, err := f.buf.Window(c, 1500, half)
		if err != nil {
			t.Fatal(err)
		}
		for i, v := range w {
			if want := rowValue(int64(500+i), c); v != want {
				t.Fatalf("channel %d window %d: expected %v got %v", c, i, want, v)
			}
		}
	}
}

func TestMirrorHoldsAcrossHalfBoundary(t *testing.T) {
	f := newFixture(t, 1, 64, 10)
	for _, n := range []int{7, 6, 13, 25, 3} {
		f.produce(n)
		f.step(t)
		data := f.buf.Channel(0)
		for p := 0; p < 10; p++ {
			if data[p] != data[p+10] {
				t.Fatalf("after %d rows: mirror broken at %d", f.next, p)
			}
		}
		for _, w := range f.spy.writes {
			if w.Pos+w.N > 10 {
				t.Fatalf("write %+v crosses the half boundary", w)
			}
		}
		w, _ := f.buf.Window(0, f.loop.Position(), 10)
		for i, v := range w {
			if want := rowValue(f.next-10+int64(i), 0); v != want {
				t.Fatalf("after %d rows: window %d expected %v got %v", f.next, i, want, v)
			}
		}
	}
}

func TestPositionsNonDecreasing(t *testing.T) {
	f := newFixture(t, 3, 50, 40)
	for _, n := range []int{0, 1, 49, 0, 17, 33, 2, 0, 48} {
		if n > 0 {
			f.produce(n)
		}
		f.step(t)
	}
	pos := f.pub.positions()
	if pos[0] != 0 {
		t.Errorf("expected initial position 0, got %d", pos[0])
	}
	for i := 1; i < len(pos); i++ {
		if pos[i] < pos[i-1] {
			t.Errorf("position went backwards: %v", pos)
		}
	}
	if last := pos[len(pos)-1]; last != f.next {
		t.Errorf("expected final position %d, got %d", f.next, last)
	}
}

func TestStallPublishesNothing(t *testing.T) {
	f := newFixture(t, 2, 16, 100)
	if f.step(t) {
		t.Error("expected no progress on an empty source")
	}
	f.src.WriteBytes([]byte{1, 0, 2}) // less than one row
	if f.step(t) {
		t.Error("expected no progress on a partial row")
	}
	if diff := cmp.Diff([]int64{0}, f.pub.positions()); diff != "" {
		t.Errorf("published (-want +got):\n%s", diff)
	}
	if n := len(f.src.Consumes()); n != 0 {
		t.Errorf("expected no consume, got %d", n)
	}
	if st := f.loop.Status(); st.Stalls != 2 || st.Iterations != 0 {
		t.Errorf("expected 2 stalls 0 iterations, got %+v", st)
	}
}

func TestFullCapacityIsAStall(t *testing.T) {
	f := newFixture(t, 1, 10, 100)
	f.produce(10)
	if f.step(t) {
		t.Error("expected a full buffer of rows to be treated as nothing new")
	}
	if n := len(f.src.Consumes()); n != 0 {
		t.Errorf("expected no consume, got %d", n)
	}
}

func TestReadFaultCommitsNothing(t *testing.T) {
	f := newFixture(t, 2, 16, 100)
	f.produce(5)
	boom := errors.New("boom")
	f.src.FailNext(ringsrc.OpRead, boom)
	_, err := f.loop.Step(context.Background())
	var fault *Fault
	if !errors.As(err, &fault) || fault.Op != "read" || !errors.Is(err, boom) {
		t.Fatalf("expected read fault wrapping boom, got %v", err)
	}
	if len(f.spy.writes) != 0 {
		t.Errorf("expected no writes, got %v", f.spy.writes)
	}
	if n := len(f.src.Consumes()); n != 0 {
		t.Errorf("expected no consume, got %d", n)
	}
	if diff := cmp.Diff([]int64{0}, f.pub.positions()); diff != "" {
		t.Errorf("published (-want +got):\n%s", diff)
	}
	if s := f.loop.State(); s != Faulted {
		t.Errorf("expected faulted, got %s", s)
	}
	if _, err := f.src.PollNewBytes(); !errors.Is(err, ringsrc.ErrClosed) {
		t.Errorf("expected the source to be closed, got %v", err)
	}
	if _, err := f.loop.Step(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning after a fault, got %v", err)
	}
	if !errors.Is(f.loop.Err(), boom) {
		t.Errorf("expected the fault to be recorded, got %v", f.loop.Err())
	}
}

// failingReads fails the failAt-th ReadWindow, counting from 1
type failingReads struct {
	*ringsrc.Sim
	reads  int
	failAt int
	err    error
}

func (f *failingReads) ReadWindow(start, end int) ([][]int16, error) {
	f.reads++
	if f.reads == f.failAt {
		return nil, f.err
	}
	return f.Sim.ReadWindow(start, end)
}

func TestHeadReadFaultAfterTail(t *testing.T) {
	boom := errors.New("boom")
	sim := ringsrc.NewSim(1, 16)
	src := &failingReads{Sim: sim, failAt: 3, err: boom}
	f := newFixtureOn(t, sim, src, 100)
	f.produce(12)
	f.step(t)
	f.spy.writes = nil

	// wraps: tail [12, 16) is read, the head [0, 4) read fails
	f.produce(8)
	_, err := f.loop.Step(context.Background())
	var fault *Fault
	if !errors.As(err, &fault) || fault.Op != "read" || !errors.Is(err, boom) {
		t.Fatalf("expected read fault wrapping boom, got %v", err)
	}
	if diff := cmp.Diff([]write{{0, 12, 4}}, f.spy.writes); diff != "" {
		t.Errorf("expected only the tail written (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{12 * sim.RowSize()}, sim.Consumes()); diff != "" {
		t.Errorf("consumes (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{0, 12}, f.pub.positions()); diff != "" {
		t.Errorf("published (-want +got):\n%s", diff)
	}
	if s := f.loop.State(); s != Faulted {
		t.Errorf("expected faulted, got %s", s)
	}
}

func TestStartsAtSourceStartIndex(t *testing.T) {
	sim := ringsrc.NewSim(1, 10)
	sim.Write([][]int16{{1}, {2}, {3}})
	if err := sim.Consume(3 * sim.RowSize()); err != nil {
		t.Fatal(err)
	}
	sim.Write([][]int16{{4}, {5}})
	f := newFixtureOn(t, sim, sim, 100)
	if st := f.loop.Status(); st.LastIndex != 3 {
		t.Fatalf("expected the loop to begin at row 3, got %d", st.LastIndex)
	}
	f.step(t)
	win, err := f.buf.Window(0, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{4, 5}, win); diff != "" {
		t.Errorf("expected only the unread rows (-want +got):\n%s", diff)
	}
	if st := f.loop.Status(); st.LastIndex != 5 || st.AbsPos != 2 {
		t.Errorf("expected cursor 5 at 2, got %+v", st)
	}
}

func TestLoggerIsStandard(t *testing.T) {
	e, ok := log.(*logrus.Entry)
	if !ok || e.Logger != logrus.StandardLogger() {
		t.Errorf("expected the package logger on the standard logger, got %T", log)
	}
}

func TestPollAndConsumeFaults(t *testing.T) {
	tests := []struct {
		op      ringsrc.Op
		name    string
		publish []int64
	}{
		{ringsrc.OpPoll, "poll", []int64{0}},
		{ringsrc.OpConsume, "consume", []int64{0, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1, 16, 100)
			f.produce(4)
			f.src.FailNext(tt.op, errors.New("driver gone"))
			_, err := f.loop.Step(context.Background())
			var fault *Fault
			if !errors.As(err, &fault) || fault.Op != tt.name {
				t.Fatalf("expected %s fault, got %v", tt.name, err)
			}
			if diff := cmp.Diff(tt.publish, f.pub.positions()); diff != "" {
				t.Errorf("published (-want +got):\n%s", diff)
			}
			if st := f.loop.Status(); st.State != Faulted || st.Fault == "" {
				t.Errorf("expected faulted status with message, got %+v", st)
			}
		})
	}
}

func TestPublishFaultIsIgnored(t *testing.T) {
	buf, _ := dbuf.New(1, 100)
	src := ringsrc.NewSim(1, 16)
	m, err := NewMetrics(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	pub := &recorder{fail: errors.New("no subscribers")}
	l, err := New(Params{
		Source:     src,
		Buffer:     buf,
		Converters: []calib.Converter{identity},
		Publisher:  pub,
		Metrics:    m,
	})
	if err != nil {
		t.Fatal(err)
	}
	l.Start()
	src.Write([][]int16{{1}, {2}, {3}})
	advanced, err := l.Step(context.Background())
	if err != nil || !advanced {
		t.Fatalf("expected progress despite publish failure, got %v %v", advanced, err)
	}
	if diff := cmp.Diff([]int{6}, src.Consumes()); diff != "" {
		t.Errorf("consumes (-want +got):\n%s", diff)
	}
	if v := testutil.ToFloat64(m.PublishFailures); v != 2 {
		t.Errorf("expected 2 publish failures, got %v", v)
	}
	if v := testutil.ToFloat64(m.Samples); v != 3 {
		t.Errorf("expected 3 samples, got %v", v)
	}
	if v := testutil.ToFloat64(m.Position); v != 3 {
		t.Errorf("expected position gauge 3, got %v", v)
	}
}

func TestPositionPublishedAfterWrite(t *testing.T) {
	buf, _ := dbuf.New(1, 100)
	src := ringsrc.NewSim(1, 16)
	var seen []float64
	pub := publish.Func(func(pos int64) error {
		if pos > 0 {
			seen = append(seen, buf.Channel(0)[pos-1])
		}
		return nil
	})
	l, err := New(Params{Source: src, Buffer: buf, Converters: []calib.Converter{identity}, Publisher: pub})
	if err != nil {
		t.Fatal(err)
	}
	l.Start()
	src.Write([][]int16{{10}, {20}})
	l.Step(context.Background())
	src.Write([][]int16{{30}})
	l.Step(context.Background())
	if diff := cmp.Diff([]float64{20, 30}, seen); diff != "" {
		t.Errorf("sample at published position (-want +got):\n%s", diff)
	}
}

func TestNewRejectsBadParams(t *testing.T) {
	buf2, _ := dbuf.New(2, 10)
	src1 := ringsrc.NewSim(1, 10)
	conv1 := []calib.Converter{identity}
	tests := []struct {
		name  string
		p     Params
		field string
	}{
		{"no source", Params{Buffer: buf2, Converters: conv1}, "Source"},
		{"no buffer", Params{Source: src1, Converters: conv1}, "Buffer"},
		{"channel mismatch", Params{Source: src1, Buffer: buf2, Converters: conv1}, "Buffer"},
		{"converter count", Params{Source: ringsrc.NewSim(2, 10), Buffer: buf2, Converters: conv1}, "Converters"},
		{"nil converter", Params{Source: ringsrc.NewSim(2, 10), Buffer: buf2, Converters: []calib.Converter{identity, nil}}, "Converters"},
		{"negative sleep", Params{Source: ringsrc.NewSim(2, 10), Buffer: buf2, Converters: []calib.Converter{identity, identity}, SleepTime: -1}, "SleepTime"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.p)
			var cerr *ConfigurationError
			if !errors.As(err, &cerr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
			if cerr.Field != tt.field {
				t.Errorf("expected field %s got %s", tt.field, cerr.Field)
			}
		})
	}
}

func TestStartTwice(t *testing.T) {
	f := newFixture(t, 1, 10, 10)
	if err := f.loop.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

// runLoop runs l in a goroutine, advancing mock time until it returns
func runLoop(t *testing.T, l *Loop, mock *clock.Mock, ctx context.Context, stop *atomic.Bool, until func() bool) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, stop) }()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-done:
			return err
		default:
		}
		if until != nil && until() {
			stop.Store(true)
			until = nil
		}
		mock.Add(DefaultSleepTime)
	}
	t.Fatal("loop did not return")
	return nil
}

func TestRunStopsOnFlag(t *testing.T) {
	mock := clock.NewMock()
	buf, _ := dbuf.New(1, 100)
	src := ringsrc.NewSim(1, 16)
	pub := &recorder{}
	l, err := New(Params{Source: src, Buffer: buf, Converters: []calib.Converter{identity}, Publisher: pub, Clock: mock})
	if err != nil {
		t.Fatal(err)
	}
	src.Write([][]int16{{1}, {2}, {3}, {4}, {5}})
	var stop atomic.Bool
	err = runLoop(t, l, mock, context.Background(), &stop, func() bool { return l.Position() == 5 })
	if err != nil {
		t.Fatalf("expected a clean stop, got %v", err)
	}
	if s := l.State(); s != Closed {
		t.Errorf("expected closed, got %s", s)
	}
	if _, err := src.PollNewBytes(); !errors.Is(err, ringsrc.ErrClosed) {
		t.Errorf("expected the source to be closed, got %v", err)
	}
	if diff := cmp.Diff([]int64{0, 5}, pub.positions()); diff != "" {
		t.Errorf("published (-want +got):\n%s", diff)
	}
}

func TestRunReturnsFault(t *testing.T) {
	mock := clock.NewMock()
	buf, _ := dbuf.New(1, 100)
	src := ringsrc.NewSim(1, 16)
	l, err := New(Params{Source: src, Buffer: buf, Converters: []calib.Converter{identity}, Clock: mock})
	if err != nil {
		t.Fatal(err)
	}
	src.FailNext(ringsrc.OpPoll, ringsrc.ErrOverrun)
	var stop atomic.Bool
	err = runLoop(t, l, mock, context.Background(), &stop, nil)
	if !errors.Is(err, ringsrc.ErrOverrun) {
		t.Fatalf("expected overrun fault, got %v", err)
	}
	if st := l.Status(); st.State != Closed || st.Fault == "" {
		t.Errorf("expected closed with fault, got %+v", st)
	}
}

func TestRunStopsOnContext(t *testing.T) {
	mock := clock.NewMock()
	buf, _ := dbuf.New(1, 100)
	src := ringsrc.NewSim(1, 16)
	l, err := New(Params{Source: src, Buffer: buf, Converters: []calib.Converter{identity}, Clock: mock})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var stop atomic.Bool
	if err := runLoop(t, l, mock, ctx, &stop, nil); err != nil {
		t.Errorf("expected nil on cancel, got %v", err)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{Idle: "idle", Running: "running", Stopping: "stopping", Faulted: "faulted", Closed: "closed", State(99): "unknown"} {
		if got := s.String(); got != want {
			t.Errorf("expected %s got %s", want, got)
		}
	}
}

func TestStateText(t *testing.T) {
	for s := Idle; s <= Closed; s++ {
		b, _ := s.MarshalText()
		var got State
		if err := got.UnmarshalText(b); err != nil || got != s {
			t.Errorf("%s: round trip gave %s, %v", s, got, err)
		}
	}
	var s State
	if err := s.UnmarshalText([]byte("bogus")); err == nil {
		t.Error("expected error for an unknown state")
	}
}
