// Package pipeline implements PipelineEngine (spec.md §4.5): a directed
// graph of PipelineStages with unconditional and conditional edges, plus
// Send-style fan-out/fan-in with deterministic producer-order merge.
//
// Grounded on services/orchestrator/dag_engine.go's worker-pool/coordinator
// shape and other_examples/74d804f5_...dag_scheduler.go.go's cascade-skip
// and panic-safe goroutine pattern — generalized from a one-shot, fully
// dependency-declared DAG run to a small named-node graph walked one node
// at a time, since the research pipeline's topology is fixed at build time
// (three canonical shapes) rather than submitted per-run.
package pipeline

import (
	"context"
	"fmt"

	"github.com/swarmguard/deepresearch/internal/config"
	"github.com/swarmguard/deepresearch/pkg/research/model"
	"github.com/swarmguard/deepresearch/pkg/research/stages"
)

// End is the sentinel successor name marking a terminal node.
const End = "END"

// NodeKind selects which of a Node's callbacks the engine invokes.
type NodeKind int

const (
	KindStage NodeKind = iota
	KindReflect
	KindFanOut
)

// FanOut describes a Send-style fan-out/fan-in node: Items derives the set
// of sub-invocation keys from state, Stage runs once per item against an
// isolated clone of state, and the clones are merged back into the parent
// by producer (item) order once all complete.
type FanOut struct {
	Items func(state *model.ReportState) []string
	Stage stages.Stage
}

// Node is one vertex in a pipeline graph.
type Node struct {
	Name    string
	Kind    NodeKind
	Stage   stages.Stage
	Reflect func(ctx context.Context, state *model.ReportState, cfg config.Configuration, deps stages.Deps) (stages.ReflectionBranch, error)
	FanOut  *FanOut

	// Next is the unconditional successor for KindStage/KindFanOut nodes.
	Next string
	// Edges maps a KindReflect node's branch label to its successor.
	Edges map[stages.ReflectionBranch]string
}

// Graph is a named topology: a start node plus every node reachable from
// it, addressed by name.
type Graph struct {
	Start string
	Nodes map[string]*Node
}

func newGraph(start string, nodes ...*Node) *Graph {
	g := &Graph{Start: start, Nodes: make(map[string]*Node, len(nodes))}
	for _, n := range nodes {
		g.Nodes[n.Name] = n
	}
	return g
}

// Progress is called on every node enter, with a monotonically increasing
// fraction in [0,1] estimated from nodes visited so far (spec §4.5 "emits
// progress callbacks on each node enter/exit").
type Progress func(fraction float64)

// Engine walks a Graph from its start node to End, running each node's
// stage/reflect/fan-out callback against a single shared ReportState.
type Engine struct {
	graph *Graph
}

// New builds an Engine for graph.
func New(graph *Graph) *Engine {
	return &Engine{graph: graph}
}

// Run drives state through the graph, calling progress on every node visit.
// A stage returning an error is a pipeline failure (propagated to the
// caller); a stage that instead records an error in state.Metadata and
// returns nil is treated as non-fatal, per spec §4.5 point 4.
func (e *Engine) Run(ctx context.Context, state *model.ReportState, cfg config.Configuration, deps stages.Deps, progress Progress) (*model.ReportState, error) {
	visited := 0
	estimate := estimateNodeCount(e.graph)

	cur := e.graph.Start
	for cur != End {
		node, ok := e.graph.Nodes[cur]
		if !ok {
			return state, fmt.Errorf("pipeline: unknown node %q", cur)
		}
		if err := ctx.Err(); err != nil {
			return state, err
		}

		visited++
		if progress != nil {
			progress(fractionOf(visited, estimate))
		}

		next, err := e.step(ctx, node, state, cfg, deps)
		if err != nil {
			return state, fmt.Errorf("pipeline: node %q failed: %w", node.Name, err)
		}
		cur = next
	}

	if progress != nil {
		progress(1.0)
	}
	return state, nil
}

func (e *Engine) step(ctx context.Context, node *Node, state *model.ReportState, cfg config.Configuration, deps stages.Deps) (string, error) {
	switch node.Kind {
	case KindStage:
		if err := node.Stage(ctx, state, cfg, deps); err != nil {
			return "", err
		}
		return node.Next, nil

	case KindReflect:
		branch, err := node.Reflect(ctx, state, cfg, deps)
		if err != nil {
			return "", err
		}
		next, ok := node.Edges[branch]
		if !ok {
			return "", fmt.Errorf("no edge for branch %q at node %q", branch, node.Name)
		}
		return next, nil

	case KindFanOut:
		if err := runFanOut(ctx, node.FanOut, state, cfg, deps); err != nil {
			return "", err
		}
		return node.Next, nil

	default:
		return "", fmt.Errorf("unknown node kind at %q", node.Name)
	}
}

// estimateNodeCount gives Progress a stable denominator: the number of
// distinct nodes in the graph (fan-out/reflect loops may revisit nodes, so
// this is an estimate, not an exact step count).
func estimateNodeCount(g *Graph) int {
	if len(g.Nodes) == 0 {
		return 1
	}
	return len(g.Nodes)
}

func fractionOf(visited, estimate int) float64 {
	if estimate <= 0 {
		return 0
	}
	f := float64(visited) / float64(estimate)
	if f > 0.99 {
		return 0.99
	}
	return f
}
