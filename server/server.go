// Package server contains misc server utilities.
package server

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
	"sort"

	"github.com/go-chi/chi"
	"github.com/sirupsen/logrus"
)

var log logrus.FieldLogger = logrus.WithField("logger", "golacq/server")

// SetLogger sets the package logger
func SetLogger(logger logrus.FieldLogger) {
	log = logger
}

// BoolT is a struct with a single Bool field
type BoolT struct {
	Bool bool `json:"bool"`
}

// IntT is a struct with a single Int field
type IntT struct {
	Int int `json:"int"`
}

// Int64T is a struct with a single Int64 field
type Int64T struct {
	Int64 int64 `json:"int64"`
}

// FloatT is a struct with a single F64 field
type FloatT struct {
	F64 float64 `json:"f64"`
}

// StrT is a struct with a single Str field
type StrT struct {
	Str string `json:"str"`
}

// HumanPayload is a struct containing the basic types.  T says which field
// holds the value, and EncodeAndRespond writes it as the matching *T
type HumanPayload struct {
	T      types.BasicKind
	Bool   bool
	Int    int
	Int64  int64
	Float  float64
	String string
}

// EncodeAndRespond writes the payload as JSON to w
func (hp *HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	var v interface{}
	switch hp.T {
	case types.Bool:
		v = BoolT{hp.Bool}
	case types.Int:
		v = IntT{hp.Int}
	case types.Int64:
		v = Int64T{hp.Int64}
	case types.Float64:
		v = FloatT{hp.Float}
	case types.String:
		v = StrT{hp.String}
	default:
		http.Error(w, fmt.Sprintf("cannot encode payload of kind %d", hp.T), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fstr := fmt.Sprintf("error encoding data to json %q", err)
		log.Error(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
	}
}

// MethodPath is a route: an HTTP method and a path
type MethodPath struct {
	Method string
	Path   string
}

func (mp MethodPath) String() string {
	return mp.Method + " " + mp.Path
}

// RouteTable maps routes to handlers
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints lists the routes in the table, sorted
func (rt RouteTable) Endpoints() []string {
	routes := make([]string, 0, len(rt))
	for k := range rt {
		routes = append(routes, k.String())
	}
	sort.Strings(routes)
	return routes
}

// Bind adds every route to r, plus GET /route-list which returns the
// routes as a JSON array of strings
func (rt RouteTable) Bind(r chi.Router) {
	for mp, h := range rt {
		r.Method(mp.Method, mp.Path, h)
	}
	r.Get("/route-list", rt.RouteList)
}

// RouteList writes the sorted endpoints as JSON
func (rt RouteTable) RouteList(w http.ResponseWriter, r *http.Request) {
	list := append(rt.Endpoints(), MethodPath{http.MethodGet, "/route-list"}.String())
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(list); err != nil {
		fstr := fmt.Sprintf("error encoding list of routes data to json %q", err)
		log.Error(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
	}
}

// HTTPer is an object that exposes a route table
type HTTPer interface {
	RT() RouteTable
}
