// Package stages implements PipelineStages (spec.md §4.4): the research
// vocabulary the PipelineEngine drives over a ReportState. Each stage takes
// (state, config, deps) and mutates state in place, returning an error only
// for conditions the engine should treat as a pipeline failure — a stage
// may instead record a non-fatal problem in state.Metadata and return nil.
package stages

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/swarmguard/deepresearch/internal/config"
	"github.com/swarmguard/deepresearch/pkg/research/llm"
	"github.com/swarmguard/deepresearch/pkg/research/model"
	"github.com/swarmguard/deepresearch/pkg/research/search"
)

// Deps bundles the external collaborators stages call through. Both are
// interfaces-by-value-of-pointer so stages never hold onto config directly.
type Deps struct {
	Search *search.Registry
	LLM    *llm.Registry
}

// Stage is the shape of every function in the pipeline vocabulary.
type Stage func(ctx context.Context, state *model.ReportState, cfg config.Configuration, deps Deps) error

const (
	sectionIntroduction = "Introduction"
	sectionConclusion   = "Conclusion"
	sectionKeyAspects   = "Key Aspects"
	sectionResearchPlan = "Research Plan"
	sectionSynthesis    = "Knowledge Synthesis"
	sectionReflection   = "Reflection"
)

func fallbackChain(cfg config.Configuration) []string {
	if !cfg.EnableFallbackAPIs {
		return nil
	}
	out := make([]string, 0, len(cfg.FallbackAPIs))
	for _, b := range cfg.FallbackAPIs {
		if b != cfg.SearchAPI {
			out = append(out, b)
		}
	}
	return out
}

func runSearches(ctx context.Context, state *model.ReportState, cfg config.Configuration, deps Deps, queries []string) {
	for _, q := range queries {
		hits := deps.Search.Execute(ctx, q, cfg.SearchAPI, fallbackChain(cfg), nil)
		state.AddSearchBatch(model.SearchBatch{Query: q, Hits: hits, BackendID: cfg.SearchAPI})
	}
}

// PlanReport asks the planner LM for an outline, installs a fallback
// four-section skeleton on parse failure, and issues up to
// number_of_queries seed searches (spec §4.4).
func PlanReport(ctx context.Context, state *model.ReportState, cfg config.Configuration, deps Deps) error {
	prompt := fmt.Sprintf(
		"Produce a markdown outline for a research report on %q using this structure as a guide:\n%s\n"+
			"Use '# ' for top-level sections and '## ' for subsections.",
		state.Topic, cfg.ReportStructure,
	)
	outline, err := deps.LLM.Complete(ctx, cfg.PlannerModel, prompt)
	sections := parseOutline(outline)
	if err != nil || len(sections) == 0 {
		sections = defaultSkeleton(state.Topic)
	}
	for _, s := range sections {
		state.UpsertSection(s)
	}

	queries := seedQueries(state.Topic, cfg.NumberOfQueries)
	for _, q := range queries {
		state.AddQuery(q, nil)
	}
	runSearches(ctx, state, cfg, deps, queries)
	return nil
}

func defaultSkeleton(topic string) []*model.Section {
	return []*model.Section{
		{Title: sectionIntroduction, Content: ""},
		{Title: "Overview of " + topic, Content: ""},
		{Title: sectionKeyAspects, Content: ""},
		{Title: sectionConclusion, Content: ""},
	}
}

func seedQueries(topic string, n int) []string {
	if n <= 0 {
		n = 1
	}
	templates := []string{
		"%s overview",
		"%s key facts",
		"%s recent developments",
		"%s history and background",
		"%s applications",
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		t := templates[i%len(templates)]
		out = append(out, fmt.Sprintf(t, topic))
	}
	return out
}

var numberedLine = regexp.MustCompile(`^\s*(?:[-*]|\d+[.)])\s*`)

// GenerateQueries asks the planner LM for number_of_queries search queries,
// padding with template queries if the model returns fewer (spec §4.4).
func GenerateQueries(ctx context.Context, state *model.ReportState, cfg config.Configuration, deps Deps) error {
	prompt := fmt.Sprintf(
		"Given the research topic %q and the report so far, list exactly %d search queries "+
			"(one per line, no numbering) that would improve the report.",
		state.Topic, cfg.NumberOfQueries,
	)
	out, err := deps.LLM.Complete(ctx, cfg.PlannerModel, prompt)

	var queries []string
	if err == nil {
		for _, line := range strings.Split(out, "\n") {
			line = numberedLine.ReplaceAllString(strings.TrimSpace(line), "")
			if line != "" {
				queries = append(queries, line)
			}
		}
	}
	if len(queries) < cfg.NumberOfQueries {
		queries = append(queries, seedQueries(state.Topic, cfg.NumberOfQueries-len(queries))...)
	}
	queries = queries[:cfg.NumberOfQueries]

	for _, q := range queries {
		state.AddQuery(q, nil)
	}
	state.Metadata["pending_queries"] = queries
	state.Touch()
	return nil
}

// ExecuteSearches fans the most recently generated queries out through
// SearchBackendRegistry and attaches results into state.SearchResults.
func ExecuteSearches(ctx context.Context, state *model.ReportState, cfg config.Configuration, deps Deps) error {
	pending, _ := state.Metadata["pending_queries"].([]string)
	if len(pending) == 0 {
		for _, q := range state.Queries {
			pending = append(pending, q.Text)
		}
	}
	runSearches(ctx, state, cfg, deps, pending)
	delete(state.Metadata, "pending_queries")
	state.Touch()
	return nil
}

// SynthesizeKnowledge feeds accumulated search results to the writer LM and
// (re)writes the "Knowledge Synthesis" sentinel section.
func SynthesizeKnowledge(ctx context.Context, state *model.ReportState, cfg config.Configuration, deps Deps) error {
	prompt := fmt.Sprintf("Summarize the key findings about %q from these search results:\n%s",
		state.Topic, formatSearchResults(state))
	summary, err := deps.LLM.Complete(ctx, cfg.WriterModel, prompt)
	if err != nil {
		state.Metadata["last_error"] = err.Error()
		return nil
	}
	state.UpsertSection(&model.Section{Title: sectionSynthesis, Content: summary})
	return nil
}

func formatSearchResults(state *model.ReportState) string {
	var b strings.Builder
	for _, batch := range state.SearchResults {
		for _, hit := range batch.Hits {
			fmt.Fprintf(&b, "- %s (%s): %s\n", hit.Title, hit.URL, hit.Content)
		}
	}
	return b.String()
}

var headingLine = regexp.MustCompile(`^(#{1,2})\s+(.*)$`)

// UpdateReport asks the writer LM to rewrite the full report following
// report_structure, parses "# "/"## " headings into Sections, and preserves
// any sentinel "Research Plan" section verbatim.
func UpdateReport(ctx context.Context, state *model.ReportState, cfg config.Configuration, deps Deps) error {
	var plan *model.Section
	for _, s := range state.Sections {
		if s.Title == sectionResearchPlan {
			plan = s
			break
		}
	}

	prompt := fmt.Sprintf("Rewrite the research report on %q following this structure:\n%s\n\nCurrent knowledge:\n%s",
		state.Topic, cfg.ReportStructure, formatSections(state.Sections))
	out, err := deps.LLM.Complete(ctx, cfg.WriterModel, prompt)
	if err != nil {
		state.Metadata["last_error"] = err.Error()
		return nil
	}

	sections := parseOutline(out)
	if len(sections) > 0 {
		state.Sections = sections
	}
	if plan != nil {
		state.UpsertSection(plan)
	}
	state.Touch()
	return nil
}

func formatSections(sections []*model.Section) string {
	var b strings.Builder
	for _, s := range sections {
		fmt.Fprintf(&b, "# %s\n%s\n", s.Title, s.Content)
		for _, sub := range s.Subsections {
			fmt.Fprintf(&b, "## %s\n%s\n", sub.Title, sub.Content)
		}
	}
	return b.String()
}

// ReflectionBranch is the conditional-edge label ReflectOnResearch returns.
type ReflectionBranch string

const (
	BranchContinueResearch ReflectionBranch = "continue_research"
	BranchFinalizeReport   ReflectionBranch = "finalize_report"
)

// ReflectOnResearch asks the planner LM to critique the report and decides,
// from the iteration counter against max_search_depth, whether the
// iterative-graph pipeline should loop or finalize (spec §4.4/§9).
func ReflectOnResearch(ctx context.Context, state *model.ReportState, cfg config.Configuration, deps Deps) (ReflectionBranch, error) {
	prompt := fmt.Sprintf("Critique the current report on %q and note any gaps:\n%s",
		state.Topic, formatSections(state.Sections))
	critique, err := deps.LLM.Complete(ctx, cfg.PlannerModel, prompt)
	if err == nil {
		state.UpsertSection(&model.Section{Title: sectionReflection, Content: critique})
	}
	state.IncrementIteration()

	if state.Iteration() < cfg.MaxSearchDepth {
		return BranchContinueResearch, nil
	}
	return BranchFinalizeReport, nil
}

// FinalizeReport removes sentinel working sections and ensures Introduction
// and Conclusion exist.
func FinalizeReport(ctx context.Context, state *model.ReportState, cfg config.Configuration, deps Deps) error {
	for _, sentinel := range []string{sectionResearchPlan, sectionSynthesis, sectionReflection} {
		state.RemoveSection(sentinel)
	}
	if !state.HasSection(sectionIntroduction) {
		state.Sections = append([]*model.Section{{Title: sectionIntroduction, Content: "Introduction to " + state.Topic + "."}}, state.Sections...)
	}
	if !state.HasSection(sectionConclusion) {
		state.Sections = append(state.Sections, &model.Section{Title: sectionConclusion, Content: "Conclusion for " + state.Topic + "."})
	}
	state.Touch()
	return nil
}

// SupervisorPlan decomposes the topic into up to max_concurrent_researchers
// sub-questions, creating one Section per sub-question (multi-agent only).
func SupervisorPlan(ctx context.Context, state *model.ReportState, cfg config.Configuration, deps Deps) error {
	prompt := fmt.Sprintf("Decompose the research topic %q into at most %d independent sub-questions, one per line.",
		state.Topic, cfg.MaxConcurrentResearchers)
	out, err := deps.LLM.Complete(ctx, cfg.SupervisorModel, prompt)

	var subQuestions []string
	if err == nil {
		for _, line := range strings.Split(out, "\n") {
			line = numberedLine.ReplaceAllString(strings.TrimSpace(line), "")
			if line != "" {
				subQuestions = append(subQuestions, line)
			}
		}
	}
	if len(subQuestions) == 0 {
		subQuestions = []string{state.Topic}
	}
	if len(subQuestions) > cfg.MaxConcurrentResearchers {
		subQuestions = subQuestions[:cfg.MaxConcurrentResearchers]
	}

	for i, q := range subQuestions {
		state.UpsertSection(&model.Section{Title: q, Metadata: map[string]any{"sub_question_index": i}})
	}
	state.Metadata["sub_questions"] = subQuestions
	state.Touch()
	return nil
}

// ResearcherInvestigate runs searches for one sub-question and writes its
// Section. The PipelineEngine fans this out once per sub-question (spec
// §4.5's Send-style fan-out), in parallel when enable_parallel_execution.
func ResearcherInvestigate(ctx context.Context, state *model.ReportState, cfg config.Configuration, deps Deps) error {
	title := state.Topic
	queries := seedQueries(title, cfg.NumberOfQueries)
	for _, q := range queries {
		hits := deps.Search.Execute(ctx, q, cfg.SearchAPI, fallbackChain(cfg), nil)
		state.AddSearchBatch(model.SearchBatch{Query: q, Hits: hits, BackendID: cfg.SearchAPI})
	}

	prompt := fmt.Sprintf("Write a report section answering %q using these findings:\n%s",
		title, formatSearchResults(state))
	content, err := deps.LLM.Complete(ctx, cfg.ResearcherModel, prompt)
	if err != nil {
		state.Metadata["last_error"] = err.Error()
		return nil
	}
	state.UpsertSection(&model.Section{Title: title, Content: content})
	return nil
}

// IntegrateReport composes the final multi-agent report with an
// introduction/conclusion wrapped around the researcher-produced sections.
func IntegrateReport(ctx context.Context, state *model.ReportState, cfg config.Configuration, deps Deps) error {
	prompt := fmt.Sprintf("Write an introduction and conclusion for a report on %q covering these sections:\n%s",
		state.Topic, formatSections(state.Sections))
	out, err := deps.LLM.Complete(ctx, cfg.SupervisorModel, prompt)
	if err != nil {
		return FinalizeReport(ctx, state, cfg, deps)
	}

	intro, conclusion := splitIntroConclusion(out)
	state.Sections = append([]*model.Section{{Title: sectionIntroduction, Content: intro}}, state.Sections...)
	state.Sections = append(state.Sections, &model.Section{Title: sectionConclusion, Content: conclusion})
	state.Touch()
	return nil
}

func splitIntroConclusion(text string) (intro, conclusion string) {
	parts := strings.SplitN(text, "\n\n", 2)
	intro = strings.TrimSpace(parts[0])
	if len(parts) > 1 {
		conclusion = strings.TrimSpace(parts[1])
	}
	return intro, conclusion
}

// parseOutline parses markdown "# "/"## " headings into a Section tree.
func parseOutline(text string) []*model.Section {
	var sections []*model.Section
	var current *model.Section
	var contentBuf strings.Builder

	flush := func() {
		if current != nil {
			current.Content = strings.TrimSpace(contentBuf.String())
			contentBuf.Reset()
		}
	}

	for _, line := range strings.Split(text, "\n") {
		m := headingLine.FindStringSubmatch(line)
		if m == nil {
			if current != nil {
				contentBuf.WriteString(line)
				contentBuf.WriteByte('\n')
			}
			continue
		}
		level, title := len(m[1]), strings.TrimSpace(m[2])
		if title == "" {
			continue
		}
		if level == 1 {
			flush()
			current = &model.Section{Title: title}
			sections = append(sections, current)
		} else if current != nil {
			sub := &model.Section{Title: title}
			current.Subsections = append(current.Subsections, sub)
		}
	}
	flush()
	return sections
}
