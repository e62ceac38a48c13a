package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// maxBufferedErrors bounds the in-memory ring buffer (spec.md §4.2).
const maxBufferedErrors = 1000

// Reporter collects every *Error raised across the system into a bounded
// ring buffer, keeps running counters by Kind/Severity/Category, and
// optionally persists each error as a JSON file for offline inspection.
type Reporter struct {
	mu       sync.Mutex
	buf      []*Error
	next     int
	full     bool
	byKind   map[Kind]int64
	bySev    map[Severity]int64
	byCat    map[Category]int64
	persist  bool
	dir      string
	received metric.Int64Counter

	rules []*AlertRule
}

// NewReporter builds a Reporter. If dir is non-empty, every recorded error
// is additionally written into dir as error_<Kind>_<unixnano>.json.
func NewReporter(dir string) *Reporter {
	meter := otel.Meter("deepresearch")
	counter, _ := meter.Int64Counter("deepresearch_errors_received_total")
	r := &Reporter{
		buf:      make([]*Error, maxBufferedErrors),
		byKind:   make(map[Kind]int64),
		bySev:    make(map[Severity]int64),
		byCat:    make(map[Category]int64),
		persist:  dir != "",
		dir:      dir,
		received: counter,
	}
	if r.persist {
		_ = os.MkdirAll(dir, 0o755)
	}
	return r
}

// Report records err, updating counters, the ring buffer, any matching
// alert rules, and (if configured) the on-disk JSON trail.
func (r *Reporter) Report(ctx context.Context, err *Error) {
	r.mu.Lock()
	r.buf[r.next] = err
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.byKind[err.Kind]++
	r.bySev[err.Severity]++
	r.byCat[err.Category]++
	rules := append([]*AlertRule(nil), r.rules...)
	r.mu.Unlock()

	r.received.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", string(err.Kind)),
			attribute.String("severity", string(err.Severity)),
		))

	if r.persist {
		r.writeFile(err)
	}
	for _, rule := range rules {
		rule.observe(err)
	}
}

func (r *Reporter) writeFile(err *Error) {
	data, marshalErr := json.MarshalIndent(err, "", "  ")
	if marshalErr != nil {
		return
	}
	name := fmt.Sprintf("error_%s_%d.json", err.Kind, time.Now().UnixNano())
	_ = os.WriteFile(filepath.Join(r.dir, name), data, 0o644)
}

// Stats is the counts snapshot returned by the error-stats control endpoint.
type Stats struct {
	Total      int64
	ByKind     map[Kind]int64
	BySeverity map[Severity]int64
	ByCategory map[Category]int64
}

// Stats returns a snapshot of the running counters.
func (r *Reporter) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for _, n := range r.byKind {
		total += n
	}
	return Stats{
		Total:      total,
		ByKind:     cloneCounts(r.byKind),
		BySeverity: cloneCounts(r.bySev),
		ByCategory: cloneCounts(r.byCat),
	}
}

func cloneCounts[K comparable](m map[K]int64) map[K]int64 {
	out := make(map[K]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Recent returns up to n most-recently-reported errors, newest first.
func (r *Reporter) Recent(n int) []*Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.buf)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]*Error, 0, n)
	idx := r.next
	for i := 0; i < n; i++ {
		idx = (idx - 1 + len(r.buf)) % len(r.buf)
		if r.buf[idx] != nil {
			out = append(out, r.buf[idx])
		}
	}
	return out
}

// TrendBucket is one equal-width slice of a Trends window, with counts
// broken down by Severity (spec §4.2's "partition the window into equal
// intervals and count per severity per interval").
type TrendBucket struct {
	Start      time.Time
	End        time.Time
	BySeverity map[Severity]int64
}

// Trends partitions [now-window, now] into equal-width intervals and
// counts recent errors per severity within each, for the error_trends
// control endpoint. An interval that is non-positive or larger than window
// is replaced by window (one bucket); if window is also non-positive, the
// interval is 1s.
func (r *Reporter) Trends(window, interval time.Duration) []TrendBucket {
	if interval <= 0 || interval > window {
		interval = window
	}
	if interval <= 0 {
		interval = time.Second
	}

	now := time.Now()
	start := now.Add(-window)
	numBuckets := int(window / interval)
	if numBuckets < 1 {
		numBuckets = 1
	}
	buckets := make([]TrendBucket, numBuckets)
	for i := range buckets {
		buckets[i] = TrendBucket{
			Start:      start.Add(time.Duration(i) * interval),
			End:        start.Add(time.Duration(i+1) * interval),
			BySeverity: make(map[Severity]int64),
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.buf {
		if e == nil || e.Timestamp.Before(start) || e.Timestamp.After(now) {
			continue
		}
		idx := int(e.Timestamp.Sub(start) / interval)
		if idx >= numBuckets {
			idx = numBuckets - 1
		}
		buckets[idx].BySeverity[e.Severity]++
	}
	return buckets
}
