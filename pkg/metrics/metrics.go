// Package metrics records engine counters and gauges and renders them in the
// Prometheus text format.
package metrics

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, map[string]string, float64)       {}
func (Nop) SetGauge(string, map[string]string, float64)         {}
func (Nop) ObserveHistogram(string, map[string]string, float64) {}

type kind int

const (
	counter kind = iota
	gauge
	summary
)

type series struct {
	name   string
	labels string
	kind   kind
	bits   atomic.Uint64 // float64 value
	count  atomic.Uint64
}

func (s *series) add(delta float64) {
	for {
		old := s.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if s.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (s *series) value() float64 { return math.Float64frombits(s.bits.Load()) }

// Registry is an in-memory Collector. Histograms are kept as sum and count.
type Registry struct {
	series sync.Map // string -> *series
}

func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) get(name string, labels map[string]string, k kind) *series {
	l := renderLabels(labels)
	id := name + l
	if s, ok := r.series.Load(id); ok {
		return s.(*series)
	}
	s, _ := r.series.LoadOrStore(id, &series{name: name, labels: l, kind: k})
	return s.(*series)
}

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	r.get(name, labels, counter).add(delta)
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	r.get(name, labels, gauge).bits.Store(math.Float64bits(value))
}

func (r *Registry) ObserveHistogram(name string, labels map[string]string, value float64) {
	s := r.get(name, labels, summary)
	s.add(value)
	s.count.Add(1)
}

// Value returns the current value of a series (the sum for histograms).
func (r *Registry) Value(name string, labels map[string]string) float64 {
	if s, ok := r.series.Load(name + renderLabels(labels)); ok {
		return s.(*series).value()
	}
	return 0
}

// WriteText renders every series in the Prometheus exposition format.
func (r *Registry) WriteText(w io.Writer) error {
	var all []*series
	r.series.Range(func(_, v any) bool {
		all = append(all, v.(*series))
		return true
	})
	sort.Slice(all, func(i, j int) bool {
		if all[i].name != all[j].name {
			return all[i].name < all[j].name
		}
		return all[i].labels < all[j].labels
	})

	var b strings.Builder
	lastName := ""
	for _, s := range all {
		if s.name != lastName {
			fmt.Fprintf(&b, "# TYPE %s %s\n", s.name, [...]string{"counter", "gauge", "summary"}[s.kind])
			lastName = s.name
		}
		if s.kind == summary {
			fmt.Fprintf(&b, "%s_sum%s %g\n", s.name, s.labels, s.value())
			fmt.Fprintf(&b, "%s_count%s %d\n", s.name, s.labels, s.count.Load())
			continue
		}
		fmt.Fprintf(&b, "%s%s %g\n", s.name, s.labels, s.value())
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func renderLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}
