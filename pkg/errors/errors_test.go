package errors

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesByKind(t *testing.T) {
	e1 := New(KindTimeout, "slow call")
	e2 := New(KindTimeout, "different message")
	assert.True(t, e1.Is(e2))
	assert.False(t, e1.Is(New(KindValidation, "bad")))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:        400,
		KindAuthentication:    401,
		KindAuthorization:     403,
		KindNotFound:          404,
		KindTimeout:           408,
		KindRateLimit:         429,
		KindServiceUnavailable: 503,
		KindAPI:               500,
	}
	for kind, want := range cases {
		assert.Equal(t, want, New(kind, "x").HTTPStatus(), "kind=%s", kind)
	}
}

func TestIsTransientDefaults(t *testing.T) {
	assert.True(t, IsTransient(KindTimeout))
	assert.True(t, IsTransient(KindRateLimit))
	assert.True(t, IsTransient(KindServiceUnavailable))
	assert.False(t, IsTransient(KindValidation))
}

func TestReporterRingBufferWraps(t *testing.T) {
	r := NewReporter("")
	for i := 0; i < maxBufferedErrors+10; i++ {
		r.Report(context.Background(), New(KindTask, "iter"))
	}
	recent := r.Recent(5)
	assert.Len(t, recent, 5)
	stats := r.Stats()
	assert.Equal(t, int64(maxBufferedErrors+10), stats.Total)
}

func TestReporterStatsByKindAndSeverity(t *testing.T) {
	r := NewReporter("")
	r.Report(context.Background(), New(KindTimeout, "a", WithSeverity(SeverityWarning)))
	r.Report(context.Background(), New(KindTimeout, "b", WithSeverity(SeverityCritical)))
	r.Report(context.Background(), New(KindValidation, "c", WithSeverity(SeverityWarning)))

	stats := r.Stats()
	assert.Equal(t, int64(2), stats.ByKind[KindTimeout])
	assert.Equal(t, int64(1), stats.ByKind[KindValidation])
	assert.Equal(t, int64(2), stats.BySeverity[SeverityWarning])
	assert.Equal(t, int64(1), stats.BySeverity[SeverityCritical])
}

func TestTrendsPartitionsWindowBySeverity(t *testing.T) {
	r := NewReporter("")
	r.Report(context.Background(), New(KindTimeout, "a", WithSeverity(SeverityWarning)))
	r.Report(context.Background(), New(KindTimeout, "b", WithSeverity(SeverityCritical)))

	buckets := r.Trends(time.Hour, 10*time.Minute)
	require.Len(t, buckets, 6, "1h window / 10m interval = 6 equal buckets")

	var total int64
	for _, b := range buckets {
		total += b.BySeverity[SeverityWarning] + b.BySeverity[SeverityCritical]
		assert.True(t, b.End.Sub(b.Start) == 10*time.Minute)
	}
	assert.Equal(t, int64(2), total)
}

func TestTrendsClampsOversizedInterval(t *testing.T) {
	r := NewReporter("")
	r.Report(context.Background(), New(KindTimeout, "a"))
	buckets := r.Trends(time.Minute, time.Hour)
	require.Len(t, buckets, 1, "interval larger than window collapses to one bucket")
}

type countingChannel struct {
	sent atomic.Int32
}

func (c *countingChannel) Send(ctx context.Context, a Alert) error {
	c.sent.Add(1)
	return nil
}

func TestAlertRuleFiresOnThreshold(t *testing.T) {
	ch := &countingChannel{}
	r := NewReporter("")
	r.AddRule(NewAlertRule("timeout-spike", Matcher{Kinds: []Kind{KindTimeout}}, 3, time.Minute, 0, ch))

	for i := 0; i < 2; i++ {
		r.Report(context.Background(), New(KindTimeout, "x"))
	}
	require.Equal(t, int32(0), ch.sent.Load(), "should not fire below threshold")

	r.Report(context.Background(), New(KindTimeout, "x"))
	require.Equal(t, int32(1), ch.sent.Load(), "should fire once threshold crossed")
}

func TestAlertRuleRespectsCooldown(t *testing.T) {
	ch := &countingChannel{}
	r := NewReporter("")
	r.AddRule(NewAlertRule("spike", Matcher{Kinds: []Kind{KindTimeout}}, 1, time.Minute, time.Hour, ch))

	r.Report(context.Background(), New(KindTimeout, "x"))
	r.Report(context.Background(), New(KindTimeout, "x"))
	assert.Equal(t, int32(1), ch.sent.Load(), "cooldown should suppress the second fire")
}

func TestAlertRuleSeverityThresholdIgnoresBelowMinimum(t *testing.T) {
	ch := &countingChannel{}
	r := NewReporter("")
	r.AddRule(NewAlertRule("critical-only", Matcher{SeverityThreshold: SeverityError}, 1, time.Minute, 0, ch))

	r.Report(context.Background(), New(KindTimeout, "x", WithSeverity(SeverityWarning)))
	assert.Equal(t, int32(0), ch.sent.Load(), "below-threshold severity must not count")

	r.Report(context.Background(), New(KindTimeout, "y", WithSeverity(SeverityCritical)))
	assert.Equal(t, int32(1), ch.sent.Load(), "at-or-above-threshold severity must fire")
}

func TestAlertRuleMatchesAnyOfMultipleKinds(t *testing.T) {
	ch := &countingChannel{}
	r := NewReporter("")
	r.AddRule(NewAlertRule("transient-storm", Matcher{Kinds: []Kind{KindRateLimit, KindServiceUnavailable}}, 2, time.Minute, 0, ch))

	r.Report(context.Background(), New(KindRateLimit, "a"))
	r.Report(context.Background(), New(KindServiceUnavailable, "b"))
	assert.Equal(t, int32(1), ch.sent.Load(), "either kind should count toward the shared threshold")
}

func TestAlertRuleFiltersByCategory(t *testing.T) {
	ch := &countingChannel{}
	r := NewReporter("")
	r.AddRule(NewAlertRule("network-only", Matcher{Categories: []Category{CategoryNetwork}}, 1, time.Minute, 0, ch))

	r.Report(context.Background(), New(KindTimeout, "x", WithCategory(CategoryDatabase)))
	assert.Equal(t, int32(0), ch.sent.Load(), "non-matching category must not count")

	r.Report(context.Background(), New(KindTimeout, "y", WithCategory(CategoryNetwork)))
	assert.Equal(t, int32(1), ch.sent.Load())
}

func TestAlertRuleDeliversToEveryChannel(t *testing.T) {
	ch1, ch2 := &countingChannel{}, &countingChannel{}
	r := NewReporter("")
	r.AddRule(NewAlertRule("fanout", Matcher{Kinds: []Kind{KindTimeout}}, 1, time.Minute, 0, ch1, ch2))

	r.Report(context.Background(), New(KindTimeout, "x"))
	assert.Equal(t, int32(1), ch1.sent.Load())
	assert.Equal(t, int32(1), ch2.sent.Load())
}

func TestRemoveRule(t *testing.T) {
	r := NewReporter("")
	r.AddRule(NewAlertRule("a", Matcher{Kinds: []Kind{KindTimeout}}, 1, time.Minute, 0))
	r.AddRule(NewAlertRule("b", Matcher{Kinds: []Kind{KindValidation}}, 1, time.Minute, 0))
	r.RemoveRule("a")
	names := make([]string, 0)
	for _, rule := range r.Rules() {
		names = append(names, rule.Name)
	}
	assert.Equal(t, []string{"b"}, names)
}
