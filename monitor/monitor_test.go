package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
)

func TestCircleWraps(t *testing.T) {
	c := newCircle[int](3)
	if got := c.contiguous(); len(got) != 0 {
		t.Errorf("expected empty, got %v", got)
	}
	for i := 1; i <= 5; i++ {
		c.append(i)
	}
	if diff := cmp.Diff([]int{3, 4, 5}, c.contiguous()); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestRecordRate(t *testing.T) {
	m := New(nil, time.Second, 4, nil)
	t0 := time.Unix(0, 0)
	m.Record(t0, Sample{AbsPos: 0, Running: true})
	m.Record(t0.Add(time.Second), Sample{AbsPos: 1000, Running: true})
	m.Record(t0.Add(3*time.Second), Sample{AbsPos: 2000, Stalls: 4})
	h := m.history()
	if diff := cmp.Diff([]float64{0, 1000, 500}, h.Rate); diff != "" {
		t.Errorf("rate (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint64{0, 0, 4}, h.Stalls); diff != "" {
		t.Errorf("stalls (-want +got):\n%s", diff)
	}
}

func TestRunnerSamplesOnTick(t *testing.T) {
	mock := clock.NewMock()
	var pos atomic.Int64
	m := New(func() Sample { return Sample{AbsPos: pos.Add(10)} }, time.Second, 10, mock)
	m.Start()
	for i := 0; i < 3; i++ {
		mock.Add(time.Second)
	}
	m.Stop()
	h := m.history()
	if len(h.AbsPos) == 0 {
		t.Fatal("no samples recorded")
	}
	for i := 1; i < len(h.AbsPos); i++ {
		if h.AbsPos[i] <= h.AbsPos[i-1] {
			t.Errorf("positions not increasing: %v", h.AbsPos)
		}
	}
	m.Stop() // stopping twice is harmless
}

func TestHTTPYield(t *testing.T) {
	m := New(nil, time.Second, 2, nil)
	m.Record(time.Unix(10, 0), Sample{AbsPos: 5})
	w := httptest.NewRecorder()
	m.HTTPYield(w, httptest.NewRequest(http.MethodGet, "/monitor", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", w.Code)
	}
	var h history
	if err := json.NewDecoder(w.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int64{5}, h.AbsPos); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}
