package pipeline

import (
	"github.com/swarmguard/deepresearch/internal/config"
	"github.com/swarmguard/deepresearch/pkg/research/model"
	"github.com/swarmguard/deepresearch/pkg/research/stages"
)

// BuildLinear returns spec §4.5's linear topology: plan_report →
// generate_queries → execute_searches → update_report → finalize_report →
// END. plan_report already performs the "execute_initial_searches" seed
// step and update_report folds in the per-section "write_section" step
// (spec's literal per-section loop collapses to one update_report call
// over the whole section tree, since our stage vocabulary writes the
// report as a unit rather than section-by-section — see DESIGN.md).
func BuildLinear() *Graph {
	return newGraph("plan_report",
		&Node{Name: "plan_report", Kind: KindStage, Stage: stages.PlanReport, Next: "generate_queries"},
		&Node{Name: "generate_queries", Kind: KindStage, Stage: stages.GenerateQueries, Next: "execute_searches"},
		&Node{Name: "execute_searches", Kind: KindStage, Stage: stages.ExecuteSearches, Next: "update_report"},
		&Node{Name: "update_report", Kind: KindStage, Stage: stages.UpdateReport, Next: "finalize_report"},
		&Node{Name: "finalize_report", Kind: KindStage, Stage: stages.FinalizeReport, Next: End},
	)
}

// BuildIterativeGraph returns spec §4.5's iterative-graph topology:
// plan_report (as "initialize") → generate_queries → execute_searches →
// synthesize_knowledge → update_report → reflect_on_research →
// {continue_research → generate_queries | finalize_report → END}.
func BuildIterativeGraph() *Graph {
	return newGraph("plan_report",
		&Node{Name: "plan_report", Kind: KindStage, Stage: stages.PlanReport, Next: "generate_queries"},
		&Node{Name: "generate_queries", Kind: KindStage, Stage: stages.GenerateQueries, Next: "execute_searches"},
		&Node{Name: "execute_searches", Kind: KindStage, Stage: stages.ExecuteSearches, Next: "synthesize_knowledge"},
		&Node{Name: "synthesize_knowledge", Kind: KindStage, Stage: stages.SynthesizeKnowledge, Next: "update_report"},
		&Node{Name: "update_report", Kind: KindStage, Stage: stages.UpdateReport, Next: "reflect_on_research"},
		&Node{
			Name: "reflect_on_research", Kind: KindReflect, Reflect: stages.ReflectOnResearch,
			Edges: map[stages.ReflectionBranch]string{
				stages.BranchContinueResearch: "generate_queries",
				stages.BranchFinalizeReport:   "finalize_report",
			},
		},
		&Node{Name: "finalize_report", Kind: KindStage, Stage: stages.FinalizeReport, Next: End},
	)
}

// subQuestions reads the sub_questions list SupervisorPlan recorded in
// state.Metadata, for the multi-agent fan-out's Items callback.
func subQuestions(state *model.ReportState) []string {
	qs, _ := state.Metadata["sub_questions"].([]string)
	return qs
}

// BuildMultiAgent returns spec §4.5's multi-agent topology: supervisor_plan
// → fan-out(researcher_investigate over sub-questions) → integrate_report →
// END.
func BuildMultiAgent() *Graph {
	return newGraph("supervisor_plan",
		&Node{Name: "supervisor_plan", Kind: KindStage, Stage: stages.SupervisorPlan, Next: "researcher_investigate"},
		&Node{
			Name: "researcher_investigate", Kind: KindFanOut,
			FanOut: &FanOut{Items: subQuestions, Stage: stages.ResearcherInvestigate},
			Next:   "integrate_report",
		},
		&Node{Name: "integrate_report", Kind: KindStage, Stage: stages.IntegrateReport, Next: End},
	)
}

// ForMode selects the canonical topology for a config.ResearchMode, falling
// back to the linear graph for any unrecognized mode.
func ForMode(mode config.ResearchMode) *Graph {
	switch mode {
	case config.ModeIterativeGraph:
		return BuildIterativeGraph()
	case config.ModeMultiAgent:
		return BuildMultiAgent()
	default:
		return BuildLinear()
	}
}
