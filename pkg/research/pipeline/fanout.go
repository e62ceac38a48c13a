package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/swarmguard/deepresearch/internal/config"
	"github.com/swarmguard/deepresearch/pkg/research/model"
	"github.com/swarmguard/deepresearch/pkg/research/stages"
)

// runFanOut runs spec.Stage once per item returned by spec.Items, each
// against an isolated clone of state, then merges the clones back into
// state by producer (item) order — spec §4.5 point 3's "concatenation by
// producer order", never by completion order. Runs in parallel when
// cfg.EnableParallelExecution, sequentially otherwise; either way, a panic
// in one sub-invocation is recovered and surfaces as that item's error
// without taking down the others, following the cascade-isolation pattern
// in other_examples/74d804f5_...dag_scheduler.go.go's per-task goroutine.
func runFanOut(ctx context.Context, fo *FanOut, state *model.ReportState, cfg config.Configuration, deps stages.Deps) error {
	items := fo.Items(state)
	if len(items) == 0 {
		return nil
	}

	clones := make([]*model.ReportState, len(items))
	errs := make([]error, len(items))

	invoke := func(i int) {
		defer func() {
			if r := recover(); r != nil {
				errs[i] = fmt.Errorf("panic in fan-out item %q: %v", items[i], r)
				slog.Error("pipeline fan-out panic", "item", items[i], "panic", r)
			}
		}()
		clone := cloneForItem(state, items[i])
		if err := fo.Stage(ctx, clone, cfg, deps); err != nil {
			errs[i] = err
			return
		}
		clones[i] = clone
	}

	if cfg.EnableParallelExecution {
		var wg sync.WaitGroup
		for i := range items {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				invoke(i)
			}(i)
		}
		wg.Wait()
	} else {
		for i := range items {
			invoke(i)
		}
	}

	var firstErr error
	for i, err := range errs {
		if err != nil {
			slog.Warn("pipeline fan-out item failed", "item", items[i], "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		mergeInto(state, clones[i])
	}
	return firstErr
}

// cloneForItem builds an isolated ReportState for one fan-out item, copying
// accumulated context (so a researcher sees prior knowledge) but scoping
// Topic to the item (the sub-question) and starting with empty
// Sections/SearchResults so the merge step can tell what this item produced.
func cloneForItem(parent *model.ReportState, item string) *model.ReportState {
	clone := model.New(item)
	clone.PreviousTopic = parent.Topic
	clone.ConfigName = parent.ConfigName
	for k, v := range parent.Metadata {
		clone.Metadata[k] = v
	}
	return clone
}

// mergeInto upserts child's Sections onto parent by title (never appends
// blindly — a placeholder Section already on parent, e.g. from
// SupervisorPlan, must be replaced rather than duplicated) and appends
// child's SearchResults. Callers must call mergeInto in producer order
// across the whole fan-out to satisfy spec §4.5 point 3.
func mergeInto(parent, child *model.ReportState) {
	for _, s := range child.Sections {
		parent.UpsertSection(s)
	}
	parent.SearchResults = append(parent.SearchResults, child.SearchResults...)
	parent.Touch()
}
