// Package model defines the mutable document a research flow builds up —
// ReportState and its constituent Section/Query/SearchBatch/Feedback types —
// shared by every pipeline stage and the flow manager.
package model

import "time"

// Section is one node in the report's section tree.
type Section struct {
	Title        string            `json:"title"`
	Content      string            `json:"content"`
	Subsections  []*Section        `json:"subsections,omitempty"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
}

// FindSubsection returns the direct child with the given title, if any.
func (s *Section) FindSubsection(title string) *Section {
	for _, sub := range s.Subsections {
		if sub.Title == title {
			return sub
		}
	}
	return nil
}

// Query is one search query issued during a run.
type Query struct {
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// SearchHit is one normalized result from a backend.
type SearchHit struct {
	Title   string         `json:"title"`
	URL     string         `json:"url"`
	Content string         `json:"content"`
	Score   *float64       `json:"score,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// SearchBatch groups the hits returned for one query by one backend.
type SearchBatch struct {
	Query     string      `json:"query"`
	Hits      []SearchHit `json:"hits"`
	BackendID string      `json:"backend_id"`
	CreatedAt time.Time   `json:"created_at"`
}

// Feedback is the optional reflection/critique attached to a section.
type Feedback struct {
	SectionTitle string    `json:"section_title"`
	Text         string    `json:"text"`
	Score        float64   `json:"score"`
	CreatedAt    time.Time `json:"created_at"`
}

// ReportState is the mutable document a flow accumulates as its pipeline
// runs. It is created once by the FlowManager at admission and mutated only
// by the worker executing that flow — no concurrent writers.
type ReportState struct {
	Topic         string         `json:"topic"`
	PreviousTopic string         `json:"previous_topic,omitempty"`
	Sections      []*Section     `json:"sections"`
	Queries       []Query        `json:"queries"`
	SearchResults []SearchBatch  `json:"search_results"`
	Feedback      *Feedback      `json:"feedback,omitempty"`
	Metadata      map[string]any `json:"metadata"`
	ConfigName    string         `json:"config_name"`
	StartTime     time.Time      `json:"start_time"`
	LastUpdated   time.Time      `json:"last_updated"`

	// Version increments on every Touch call. It exists solely to let the
	// optional snapshot store (pkg/research/snapshot) detect whether a
	// checkpoint is stale — it plays no role in durable-queue recovery,
	// which this system does not provide.
	Version int `json:"version"`
}

// New creates an empty ReportState for topic, stamping start/last-updated
// to now.
func New(topic string) *ReportState {
	now := time.Now()
	return &ReportState{
		Topic:       topic,
		Sections:    []*Section{},
		Queries:     []Query{},
		Metadata:    map[string]any{},
		StartTime:   now,
		LastUpdated: now,
	}
}

// Touch bumps LastUpdated and Version; every mutating stage must call this
// after modifying the state, preserving the invariant last_updated ≥
// start_time.
func (r *ReportState) Touch() {
	r.LastUpdated = time.Now()
	r.Version++
}

// AddQuery appends a query and touches the state.
func (r *ReportState) AddQuery(text string, metadata map[string]any) {
	r.Queries = append(r.Queries, Query{Text: text, Metadata: metadata, CreatedAt: time.Now()})
	r.Touch()
}

// AddSearchBatch appends a batch; queries referenced by batch.Query must
// already exist in r.Queries (data-model invariant in spec §3).
func (r *ReportState) AddSearchBatch(batch SearchBatch) {
	r.SearchResults = append(r.SearchResults, batch)
	r.Touch()
}

// UpsertSection replaces the top-level section with a matching title, or
// appends a new one, preserving the "unique title within parent" invariant.
func (r *ReportState) UpsertSection(s *Section) {
	for i, existing := range r.Sections {
		if existing.Title == s.Title {
			r.Sections[i] = s
			r.Touch()
			return
		}
	}
	r.Sections = append(r.Sections, s)
	r.Touch()
}

// RemoveSection drops the top-level section with the given title, if present.
func (r *ReportState) RemoveSection(title string) {
	out := r.Sections[:0]
	for _, s := range r.Sections {
		if s.Title != title {
			out = append(out, s)
		}
	}
	if len(out) != len(r.Sections) {
		r.Touch()
	}
	r.Sections = out
}

// HasSection reports whether a top-level section with the given title exists.
func (r *ReportState) HasSection(title string) bool {
	for _, s := range r.Sections {
		if s.Title == title {
			return true
		}
	}
	return false
}

// Iteration returns state.metadata["iterations"] as an int, defaulting to 0.
// The iterative-graph pipeline's cycle (reflect -> generate_queries) is
// represented by this counter rather than literal graph recursion (spec §9).
func (r *ReportState) Iteration() int {
	v, ok := r.Metadata["iterations"]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

// IncrementIteration bumps the iteration counter and touches the state.
func (r *ReportState) IncrementIteration() {
	r.Metadata["iterations"] = r.Iteration() + 1
	r.Touch()
}
