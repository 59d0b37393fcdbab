package server

import (
	"encoding/json"
	"go/types"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/google/go-cmp/cmp"
)

func TestHumanPayload(t *testing.T) {
	tests := []struct {
		hp   HumanPayload
		want string
	}{
		{HumanPayload{T: types.Bool, Bool: true}, `{"bool":true}`},
		{HumanPayload{T: types.Int, Int: 3}, `{"int":3}`},
		{HumanPayload{T: types.Int64, Int64: 1 << 40}, `{"int64":1099511627776}`},
		{HumanPayload{T: types.Float64, Float: 1.5}, `{"f64":1.5}`},
		{HumanPayload{T: types.String, String: "x"}, `{"str":"x"}`},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		tt.hp.EncodeAndRespond(w, nil)
		if got := strings.TrimSpace(w.Body.String()); got != tt.want {
			t.Errorf("expected %s got %s", tt.want, got)
		}
	}
	w := httptest.NewRecorder()
	(&HumanPayload{T: types.Complex128}).EncodeAndRespond(w, nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 for an unsupported kind, got %d", w.Code)
	}
}

func TestRouteTableBind(t *testing.T) {
	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) }
	rt := RouteTable{
		{http.MethodPost, "/start"}: ok,
		{http.MethodGet, "/status"}: ok,
	}
	r := chi.NewRouter()
	rt.Bind(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/start", nil))
	if w.Code != http.StatusTeapot {
		t.Errorf("expected bound handler, got %d", w.Code)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/start", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for the wrong method, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/route-list", nil))
	var list []string
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	want := []string{"GET /status", "POST /start", "GET /route-list"}
	if diff := cmp.Diff(want, list); diff != "" {
		t.Errorf("routes (-want +got):\n%s", diff)
	}
}
