// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for pubs. It avoids prometheus/client_golang; the CLI only ever
// dumps a snapshot at exit, and the local broker exposes the same text over
// Handler for long-running follow sessions.
//
// # Counter naming convention
//
// Every counter uses a tab-separated string as its label key so that a single
// sync.Map can hold all label combinations without additional map nesting.
//
//	Emitted / SessionsAccepted / Purged  →  key = "entity"
//	Settled                              →  key = "entity\taction"
//	Sent                                 →  key = "target\tsession"
//	LockRenewals                         →  key = "entity\tsession"
//	DeadLettered                         →  key = "entity\treason"
//	Faults                               →  key = "code"
//
// # Prometheus text output
//
// Registry.WriteTo renders all counters in the Prometheus exposition format
// (text/plain; version=0.0.4); Registry.Handler serves the same text.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Value returns the current value for key.
func (lc *labelCounter) Value(key string) int64 {
	v, ok := lc.vals.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Total returns the sum across all keys.
func (lc *labelCounter) Total() int64 {
	var n int64
	lc.Each(func(_ string, v int64) { n += v })
	return n
}

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all pubs counters. The zero value is ready to use.
type Registry struct {
	// Drain side.
	Emitted          labelCounter // key = "entity"
	Settled          labelCounter // key = "entity\taction"
	SessionsAccepted labelCounter // key = "entity"
	LockRenewals     labelCounter // key = "entity\tsession"
	Purged           labelCounter // key = "entity"

	// Send side.  key = "target\tsession"
	Sent labelCounter

	// Local broker.  key = "entity\treason"
	DeadLettered labelCounter

	// Terminating failures.  key = "code"
	Faults labelCounter
}

// family describes one rendered metric family.
type family struct {
	name, help string
	labels     []string
	counter    *labelCounter
}

func (r *Registry) families() []family {
	return []family{
		{"pubs_messages_emitted_total", "Total messages handed to the caller", []string{"entity"}, &r.Emitted},
		{"pubs_messages_settled_total", "Total messages settled by action", []string{"entity", "action"}, &r.Settled},
		{"pubs_sessions_accepted_total", "Total sessions accepted", []string{"entity"}, &r.SessionsAccepted},
		{"pubs_session_lock_renewals_total", "Total successful session lock renewals", []string{"entity", "session"}, &r.LockRenewals},
		{"pubs_messages_purged_total", "Total messages removed by purge", []string{"entity"}, &r.Purged},
		{"pubs_messages_sent_total", "Total messages sent", []string{"target", "session"}, &r.Sent},
		{"pubs_messages_dead_lettered_total", "Total messages moved to a dead-letter sub-queue", []string{"entity", "reason"}, &r.DeadLettered},
		{"pubs_faults_total", "Total terminating failures by code", []string{"code"}, &r.Faults},
	}
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// WriteTo renders all metrics in the Prometheus plain-text exposition format.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	for _, f := range r.families() {
		writeFamily(&b, f.name, f.help, "counter", func(fn func(labels, val string)) {
			f.counter.Each(func(key string, val int64) {
				fn(formatLabels(f.labels, key), fmt.Sprintf("%d", val))
			})
		})
	}
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// Handler returns an http.Handler that serves WriteTo output.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = r.WriteTo(w)
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so we can skip the header when empty.
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	sort.Strings(lines)
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// formatLabels pairs names with the tab-delimited parts of key. Missing parts
// render as empty strings.
func formatLabels(names []string, key string) string {
	parts := strings.SplitN(key, "\t", len(names))
	pairs := make([]string, len(names))
	for i, n := range names {
		v := ""
		if i < len(parts) {
			v = parts[i]
		}
		pairs[i] = fmt.Sprintf("%s=%q", n, v)
	}
	return strings.Join(pairs, ",")
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// Key joins label values into a counter key.
func Key(parts ...string) string { return strings.Join(parts, "\t") }
