package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/swarmguard/deepresearch/internal/config"
	taxonomy "github.com/swarmguard/deepresearch/pkg/errors"
	"github.com/swarmguard/deepresearch/pkg/flow"
)

// startFlowsRequest is start_flows' input (spec.md §6).
type startFlowsRequest struct {
	Topics   []string              `json:"topics"`
	Config   *config.Configuration `json:"config,omitempty"`
	Metadata map[string]any        `json:"metadata,omitempty"`
}

type startFlowsResponse struct {
	FlowIDs       []string `json:"flow_ids"`
	AcceptedCount int      `json:"accepted_count"`
}

// handleStartFlows creates one Flow per topic and admits each
// immediately, skipping (without error) any flow the concurrency cap turns
// away and going on with the next topic — "third is not created" per spec.md §8's admission
// scenario applies to admission, not creation; CreateFlow always succeeds,
// it is StartFlow that can be turned away, and flows it turns away stay
// PENDING rather than vanishing.
func (s *Server) handleStartFlows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorStatic(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req startFlowsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Topics) == 0 {
		s.writeError(w, r, taxonomy.New(taxonomy.KindValidation, "topics must be non-empty"))
		return
	}

	cfg := config.Default()
	if req.Config != nil {
		cfg = *req.Config
	}

	resp := startFlowsResponse{FlowIDs: make([]string, 0, len(req.Topics))}
	for _, topic := range req.Topics {
		snap := s.manager.CreateFlow(topic, cfg, req.Metadata, nil)
		if err := s.manager.StartFlow(r.Context(), snap.ID); err != nil {
			continue
		}
		resp.FlowIDs = append(resp.FlowIDs, snap.ID)
		resp.AcceptedCount++
	}
	writeJSON(w, resp)
}

type startContinuousRequest struct {
	PreviousFlowID string                `json:"previous_flow_id"`
	NewTopic       string                `json:"new_topic"`
	Config         *config.Configuration `json:"config,omitempty"`
}

type startContinuousResponse struct {
	FlowID string `json:"flow_id"`
}

// handleStartContinuous starts a new flow seeded with a prior flow's
// ReportState as PreviousResult, for "continue researching from here"
// (spec.md §6's start_continuous).
func (s *Server) handleStartContinuous(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorStatic(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req startContinuousRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	prev, found := s.manager.GetFlow(req.PreviousFlowID, true)
	if !found {
		s.writeError(w, r, taxonomy.New(taxonomy.KindNotFound, "no such flow: "+req.PreviousFlowID))
		return
	}

	cfg := prev.Config
	if req.Config != nil {
		cfg = *req.Config
	}

	snap := s.manager.CreateFlow(req.NewTopic, cfg, nil, prev.Result)
	if err := s.manager.StartFlow(r.Context(), snap.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, startContinuousResponse{FlowID: snap.ID})
}

// handleListFlows implements list_flows, with an optional ?status= filter.
func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	var statusFilter *flow.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := flow.Status(raw)
		statusFilter = &st
	}
	writeJSON(w, s.manager.ListFlows(statusFilter))
}

// handleGetFlow implements get_flow: ?flow_id=...&include_result=true.
func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("flow_id")
	if id == "" {
		s.writeError(w, r, taxonomy.New(taxonomy.KindValidation, "flow_id required"))
		return
	}
	includeResult, _ := strconv.ParseBool(r.URL.Query().Get("include_result"))

	snap, found := s.manager.GetFlow(id, includeResult)
	if !found {
		s.writeError(w, r, taxonomy.New(taxonomy.KindNotFound, "no such flow: "+id))
		return
	}
	writeJSON(w, snap)
}

// handleCancelFlow implements cancel_flow.
func (s *Server) handleCancelFlow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorStatic(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := r.URL.Query().Get("flow_id")
	writeJSON(w, map[string]bool{"cancelled": s.manager.CancelFlow(id)})
}

// handleErrorStats implements error_stats.
func (s *Server) handleErrorStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.reporter.Stats())
}

type errorGroup struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// handleErrorVisualize implements error_visualize: buckets the most
// recent max_errors reported errors by group_by ("kind"|"category"|
// "severity"), restricted to time_range_seconds if given.
func (s *Server) handleErrorVisualize(w http.ResponseWriter, r *http.Request) {
	groupBy := r.URL.Query().Get("group_by")
	if groupBy == "" {
		groupBy = "kind"
	}
	maxErrors, _ := strconv.Atoi(r.URL.Query().Get("max_errors"))
	if maxErrors <= 0 {
		maxErrors = 100
	}
	var since time.Time
	if secs, err := strconv.Atoi(r.URL.Query().Get("time_range_seconds")); err == nil && secs > 0 {
		since = time.Now().Add(-time.Duration(secs) * time.Second)
	}

	counts := make(map[string]int)
	for _, e := range s.reporter.Recent(maxErrors) {
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		counts[groupKey(e, groupBy)]++
	}

	groups := make([]errorGroup, 0, len(counts))
	for k, v := range counts {
		groups = append(groups, errorGroup{Key: k, Count: v})
	}
	writeJSON(w, map[string]any{"groups": groups})
}

func groupKey(e *taxonomy.Error, groupBy string) string {
	switch groupBy {
	case "category":
		return string(e.Category)
	case "severity":
		return string(e.Severity)
	default:
		return string(e.Kind)
	}
}

// handleErrorTrends implements error_trends: ?window_seconds=&interval_seconds=,
// partitioning the window into equal intervals with a per-severity count
// each (spec §4.2/§6).
func (s *Server) handleErrorTrends(w http.ResponseWriter, r *http.Request) {
	windowSecs, _ := strconv.Atoi(r.URL.Query().Get("window_seconds"))
	if windowSecs <= 0 {
		windowSecs = 3600
	}
	intervalSecs, _ := strconv.Atoi(r.URL.Query().Get("interval_seconds"))
	if intervalSecs <= 0 {
		intervalSecs = windowSecs / 12
		if intervalSecs <= 0 {
			intervalSecs = windowSecs
		}
	}
	writeJSON(w, s.reporter.Trends(time.Duration(windowSecs)*time.Second, time.Duration(intervalSecs)*time.Second))
}

// handleAlertConfigs implements alert_configs: lists registered rule names.
func (s *Server) handleAlertConfigs(w http.ResponseWriter, r *http.Request) {
	rules := s.reporter.Rules()
	names := make([]string, 0, len(rules))
	for _, rule := range rules {
		names = append(names, rule.Name)
	}
	writeJSON(w, map[string]any{"rules": names})
}

// addAlertRequest mirrors spec §4.2's rule shape:
// {severity-threshold, kinds?, categories?, count-threshold, window, channels}.
// kind is kept for backward-compatible single-kind callers and is folded
// into kinds.
type addAlertRequest struct {
	Name              string   `json:"name"`
	Kind              string   `json:"kind"`
	Kinds             []string `json:"kinds"`
	Categories        []string `json:"categories"`
	SeverityThreshold string   `json:"severity_threshold"`
	Threshold         int      `json:"threshold"`
	WindowSeconds     int      `json:"window_seconds"`
	CooldownSecond    int      `json:"cooldown_seconds"`
}

// handleAddAlert implements the add half of add/remove_alert. The fired
// alert has no channel wired by default (the control API's JSON config has
// no way to name a Channel); callers needing delivery register the rule
// programmatically with a channel via the Reporter directly, e.g. from
// cmd/research-orchestrator/main.go wiring an alertbridge.Bridge.
func (s *Server) handleAddAlert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorStatic(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req addAlertRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.Threshold <= 0 {
		s.writeError(w, r, taxonomy.New(taxonomy.KindValidation, "name and threshold required"))
		return
	}

	kinds := make([]taxonomy.Kind, 0, len(req.Kinds)+1)
	if req.Kind != "" {
		kinds = append(kinds, taxonomy.Kind(req.Kind))
	}
	for _, k := range req.Kinds {
		kinds = append(kinds, taxonomy.Kind(k))
	}
	categories := make([]taxonomy.Category, 0, len(req.Categories))
	for _, c := range req.Categories {
		categories = append(categories, taxonomy.Category(c))
	}
	match := taxonomy.Matcher{
		SeverityThreshold: taxonomy.Severity(req.SeverityThreshold),
		Kinds:             kinds,
		Categories:        categories,
	}

	window := time.Duration(req.WindowSeconds) * time.Second
	cooldown := time.Duration(req.CooldownSecond) * time.Second
	rule := taxonomy.NewAlertRule(req.Name, match, req.Threshold, window, cooldown)
	s.reporter.AddRule(rule)
	writeJSON(w, map[string]bool{"ok": true})
}

// handleRemoveAlert implements the remove half of add/remove_alert:
// ?name=...
func (s *Server) handleRemoveAlert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorStatic(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name := r.URL.Query().Get("name")
	s.reporter.RemoveRule(name)
	writeJSON(w, map[string]bool{"ok": true})
}
