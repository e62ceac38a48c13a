package errors

import (
	"context"
	"sync"
	"time"
)

// AlertChannel delivers a fired alert somewhere outside the process (NATS,
// webhook, log). Implemented by pkg/research/alertbridge; kept as an
// interface here so the taxonomy package never imports a transport.
type AlertChannel interface {
	Send(ctx context.Context, a Alert) error
}

// Alert is the payload handed to an AlertChannel when a rule fires.
type Alert struct {
	RuleName  string
	Kind      Kind
	Count     int
	Window    time.Duration
	FiredAt   time.Time
	LastError *Error
}

// severityRank orders Severity for threshold comparisons; unknown values
// rank below SeverityDebug so an empty Severity never satisfies a
// configured minimum.
var severityRank = map[Severity]int{
	SeverityDebug:    1,
	SeverityInfo:     2,
	SeverityWarning:  3,
	SeverityError:    4,
	SeverityCritical: 5,
}

// Matcher is an alert rule's filter: an error matches when its severity
// meets SeverityThreshold (if set) and its Kind/Category are in Kinds/
// Categories (if either is non-empty) — spec §4.2's
// "{severity-threshold, kinds?, categories?, ...}" rule shape.
type Matcher struct {
	SeverityThreshold Severity
	Kinds             []Kind
	Categories        []Category
}

func (m Matcher) matches(err *Error) bool {
	if m.SeverityThreshold != "" && severityRank[err.Severity] < severityRank[m.SeverityThreshold] {
		return false
	}
	if len(m.Kinds) > 0 && !containsKind(m.Kinds, err.Kind) {
		return false
	}
	if len(m.Categories) > 0 && !containsCategory(m.Categories, err.Category) {
		return false
	}
	return true
}

func containsKind(kinds []Kind, k Kind) bool {
	for _, c := range kinds {
		if c == k {
			return true
		}
	}
	return false
}

func containsCategory(categories []Category, c Category) bool {
	for _, want := range categories {
		if want == c {
			return true
		}
	}
	return false
}

// AlertRule fires when at least Threshold errors matching Match are
// observed within Window. Rules are evaluated on every Reporter.Report
// call, not on a separate timer, so there is no polling lag.
type AlertRule struct {
	Name      string
	Match     Matcher
	Threshold int
	Window    time.Duration
	Channels  []AlertChannel

	mu        sync.Mutex
	hits      []time.Time
	lastFired time.Time
	cooldown  time.Duration
}

// NewAlertRule builds a rule. cooldown prevents re-firing more than once
// per cooldown period even if the threshold keeps being exceeded. channels
// may be empty (the rule then only counts, never delivers) or name several
// destinations — spec §4.2's rule shape carries "channels", plural.
func NewAlertRule(name string, match Matcher, threshold int, window, cooldown time.Duration, channels ...AlertChannel) *AlertRule {
	return &AlertRule{Name: name, Match: match, Threshold: threshold, Window: window, Channels: channels, cooldown: cooldown}
}

func (r *AlertRule) observe(err *Error) {
	if !r.Match.matches(err) {
		return
	}
	r.mu.Lock()
	now := time.Now()
	r.hits = append(r.hits, now)
	cutoff := now.Add(-r.Window)
	kept := r.hits[:0]
	for _, t := range r.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.hits = kept
	count := len(r.hits)
	shouldFire := count >= r.Threshold && now.Sub(r.lastFired) >= r.cooldown
	if shouldFire {
		r.lastFired = now
	}
	r.mu.Unlock()

	if !shouldFire {
		return
	}
	alert := Alert{
		RuleName:  r.Name,
		Kind:      err.Kind,
		Count:     count,
		Window:    r.Window,
		FiredAt:   now,
		LastError: err,
	}
	for _, ch := range r.Channels {
		if ch != nil {
			_ = ch.Send(context.Background(), alert)
		}
	}
}

// AddRule registers a new alert rule with the reporter.
func (r *Reporter) AddRule(rule *AlertRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
}

// RemoveRule removes a previously registered rule by name.
func (r *Reporter) RemoveRule(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.rules[:0]
	for _, rule := range r.rules {
		if rule.Name != name {
			kept = append(kept, rule)
		}
	}
	r.rules = kept
}

// Rules returns a copy of the currently registered alert rules, for the
// alert_configs control endpoint.
func (r *Reporter) Rules() []*AlertRule {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*AlertRule(nil), r.rules...)
}
