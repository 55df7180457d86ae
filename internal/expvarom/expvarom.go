// Package expvarom exposes process counters both via the standard
// "expvar" JSON dump, and in Prometheus text exposition format via
// MetricsHandler.
package expvarom

import (
	"expvar"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"sync"
)

var validName = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:/]*$`)

func promName(name string) string {
	// Prometheus metric names conventionally use underscores; expvar names
	// in this codebase use "/" as a namespacing separator, so translate.
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '/' || c == '.' || c == '-' {
			c = '_'
		}
		out = append(out, c)
	}
	return string(out)
}

// Int is a 64-bit integer counter, exported both via expvar and
// Prometheus.
type Int struct {
	name, help string
	v          expvar.Int
}

// NewInt creates and publishes a new integer counter under the given
// expvar name, with the given help text.
func NewInt(name, help string) *Int {
	if !validName.MatchString(name) {
		panic(fmt.Sprintf("expvarom: invalid metric name %q", name))
	}
	i := &Int{name: name, help: help}
	expvar.Publish(name, &i.v)
	register(i)
	return i
}

// Add delta to the counter.
func (i *Int) Add(delta int64) { i.v.Add(delta) }

// Set the counter to value.
func (i *Int) Set(value int64) { i.v.Set(value) }

// String returns the counter's value, in expvar's JSON-compatible format.
func (i *Int) String() string { return i.v.String() }

func (i *Int) writeProm(w *stringsBuilder) {
	n := promName(i.name)
	if i.help != "" {
		fmt.Fprintf(w, "# HELP %s %s\n", n, i.help)
	}
	fmt.Fprintf(w, "# TYPE %s counter\n", n)
	fmt.Fprintf(w, "%s %s\n", n, i.v.String())
}

// Map is a string-keyed map of integer counters, exported both via expvar
// and Prometheus (as a single metric with one label per key, named after
// keyName).
type Map struct {
	name, keyName, help string

	mu   sync.Mutex
	v    expvar.Map
	keys []string
}

// NewMap creates and publishes a new labeled counter map. keyName is the
// name of the Prometheus label the map keys are exposed under.
func NewMap(name, keyName, help string) *Map {
	if !validName.MatchString(name) {
		panic(fmt.Sprintf("expvarom: invalid metric name %q", name))
	}
	if !validName.MatchString(keyName) {
		panic(fmt.Sprintf("expvarom: invalid key name %q", keyName))
	}
	m := &Map{name: name, keyName: keyName, help: help}
	m.v.Init()
	expvar.Publish(name, &m.v)
	register(m)
	return m
}

// Add delta to the counter keyed by key, creating it if necessary.
func (m *Map) Add(key string, delta int64) {
	m.mu.Lock()
	if _, ok := m.v.Get(key).(*expvar.Int); !ok {
		m.keys = append(m.keys, key)
	}
	m.mu.Unlock()
	m.v.Add(key, delta)
}

func (m *Map) writeProm(w *stringsBuilder) {
	n := promName(m.name)
	if m.help != "" {
		fmt.Fprintf(w, "# HELP %s %s\n", n, m.help)
	}
	fmt.Fprintf(w, "# TYPE %s counter\n", n)

	m.mu.Lock()
	keys := append([]string(nil), m.keys...)
	m.mu.Unlock()
	sort.Strings(keys)

	for _, k := range keys {
		v := m.v.Get(k)
		fmt.Fprintf(w, "%s{%s=%s} %s\n",
			n, promName(m.keyName), strconv.Quote(k), v.String())
	}
}

type metric interface {
	writeProm(w *stringsBuilder)
}

var (
	regMu sync.Mutex
	regd  []metric
)

func register(m metric) {
	regMu.Lock()
	defer regMu.Unlock()
	regd = append(regd, m)
}

// MetricsHandler serves all registered counters in Prometheus text
// exposition format. Register it on "/metrics" on whatever mux the
// operator wants to expose it on.
func MetricsHandler(w http.ResponseWriter, r *http.Request) {
	regMu.Lock()
	ms := append([]metric(nil), regd...)
	regMu.Unlock()

	var sb stringsBuilder
	for _, m := range ms {
		m.writeProm(&sb)
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write(sb.buf)
}

// stringsBuilder is a tiny io.Writer-compatible byte buffer, to avoid
// pulling in strings.Builder's extra API surface for this one file.
type stringsBuilder struct {
	buf []byte
}

func (s *stringsBuilder) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}
