// Command research-orchestrator is the deep-research workflow
// orchestrator's service entrypoint: it wires configuration, logging,
// tracing/metrics, the flow manager and pipeline engine, the control API,
// and the optional snapshot/alert sinks into one process.
//
// Grounded on services/orchestrator/main.go's startup/shutdown sequence:
// logging.Init -> otelinit.InitTracer/InitMetrics -> build mux ->
// srv.ListenAndServe in a goroutine -> signal.NotifyContext ->
// srv.Shutdown -> otelinit.Flush, extended with this system's larger
// component set.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/deepresearch/internal/auth"
	"github.com/swarmguard/deepresearch/internal/config"
	"github.com/swarmguard/deepresearch/internal/httpapi"
	"github.com/swarmguard/deepresearch/pkg/core/logging"
	"github.com/swarmguard/deepresearch/pkg/core/otelinit"
	"github.com/swarmguard/deepresearch/pkg/core/resilience"
	taxonomy "github.com/swarmguard/deepresearch/pkg/errors"
	"github.com/swarmguard/deepresearch/pkg/eventbus"
	"github.com/swarmguard/deepresearch/pkg/flow"
	"github.com/swarmguard/deepresearch/pkg/housekeeping"
	"github.com/swarmguard/deepresearch/pkg/research/alertbridge"
	"github.com/swarmguard/deepresearch/pkg/research/llm"
	"github.com/swarmguard/deepresearch/pkg/research/model"
	"github.com/swarmguard/deepresearch/pkg/research/pipeline"
	"github.com/swarmguard/deepresearch/pkg/research/search"
	"github.com/swarmguard/deepresearch/pkg/research/snapshot"
	"github.com/swarmguard/deepresearch/pkg/research/stages"
	"github.com/swarmguard/deepresearch/pkg/scheduler"
)

const serviceName = "research-orchestrator"

func main() {
	logging.Init(serviceName)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, serviceName)
	shutdownMetrics, _, _ := otelinit.InitMetrics(ctx, serviceName)

	svcCfg, err := config.LoadService()
	if err != nil {
		slog.Error("load service config failed", "error", err)
		return
	}

	bus := eventbus.New()
	sched := scheduler.New(svcCfg.MaxWorkers, bus)

	searchRegistry := buildSearchRegistry(svcCfg)
	llmRegistry := buildLLMRegistry()
	deps := stages.Deps{Search: searchRegistry, LLM: llmRegistry}

	reporter := taxonomy.NewReporter(svcCfg.ErrorsDir)

	var snapStore *snapshot.Store
	if svcCfg.SnapshotDir != "" {
		snapStore, err = snapshot.Open(svcCfg.SnapshotDir+"/snapshots.db", otel.Meter("deepresearch"))
		if err != nil {
			slog.Error("open snapshot store failed", "error", err)
		} else {
			defer snapStore.Close()
		}
	}

	if svcCfg.NATSURL != "" {
		wireAlertBridge(svcCfg, reporter)
	}

	mgr := flow.New(sched, bus, pipelineRunner(deps, snapStore), svcCfg.MaxConcurrentFlows)

	housekeeper := housekeeping.New(otel.Meter("deepresearch"))
	_ = housekeeper.AddJob(housekeeping.Job{
		Name: "flow-cleanup", CronExpr: "0 */5 * * * *",
		Run: func(ctx context.Context) error {
			removed := mgr.Cleanup(24 * time.Hour)
			slog.Info("flow cleanup ran", "removed", removed)
			return nil
		},
	})
	_ = housekeeper.AddJob(housekeeping.Job{
		Name: "reporter-rollup", CronExpr: "0 0 * * * *",
		Run: func(ctx context.Context) error {
			trends := reporter.Trends(time.Hour, 5*time.Minute)
			slog.Info("hourly error rollup", "buckets", len(trends))
			return nil
		},
	})
	housekeeper.Start()
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = housekeeper.Stop(stopCtx)
	}()

	gate := auth.Gate(auth.AllowAll{})
	api := httpapi.New(mgr, reporter, gate, svcCfg)

	srv := &http.Server{Addr: svcCfg.ListenAddr, Handler: api.Mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()
	slog.Info("service started", "addr", svcCfg.ListenAddr)

	<-ctx.Done()
	slog.Info("shutdown initiated")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}

// buildSearchRegistry registers every SearchBackendRegistry adapter that
// has credentials configured via the environment, plus the
// credential-free backends (arxiv, pubmed, duckduckgo) unconditionally.
func buildSearchRegistry(svcCfg config.ServiceConfig) *search.Registry {
	reg := search.NewRegistry(0)
	reg.Register(search.NewArxiv())
	reg.Register(search.NewPubMed())
	reg.Register(search.NewDuckDuckGo())
	if key := envOrEmpty("TAVILY_API_KEY"); key != "" {
		reg.Register(search.NewTavily(key))
	}
	if key := envOrEmpty("PERPLEXITY_API_KEY"); key != "" {
		reg.Register(search.NewPerplexity(key))
	}
	if key := envOrEmpty("EXA_API_KEY"); key != "" {
		reg.Register(search.NewExa(key))
	}
	if key := envOrEmpty("LINKUP_API_KEY"); key != "" {
		reg.Register(search.NewLinkUp(key))
	}
	if key, engine := envOrEmpty("GOOGLE_API_KEY"), envOrEmpty("GOOGLE_SEARCH_ENGINE_ID"); key != "" && engine != "" {
		reg.Register(search.NewGoogle(key, engine))
	}
	return reg
}

// buildLLMRegistry registers a single chat-completion model under the key
// "vendor-default" (the default for every model field of Configuration),
// configured from LLM_MODEL, LLM_BASE_URL and LLM_API_KEY. The service runs
// without any LM credentials configured: the model's calls then fail and
// every stage falls back to its skeleton/placeholder path.
func buildLLMRegistry() *llm.Registry {
	reg := llm.NewRegistry(resilience.DefaultRetryConfig())
	apiKey := envOrEmpty("LLM_API_KEY")
	baseURL := envOrEmpty("LLM_BASE_URL")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	modelName := envOrEmpty("LLM_MODEL")
	if modelName == "" {
		modelName = "gpt-4o-mini"
	}
	reg.Register("vendor-default", llm.NewChatCompletionModel("vendor-default", modelName, baseURL, apiKey))
	return reg
}

// pipelineRunner adapts the PipelineEngine into a flow.Runner, selecting a
// topology per flow.Config.ResearchMode and optionally checkpointing the
// resulting state after every node (spec.md's optional snapshot artifact).
func pipelineRunner(deps stages.Deps, snapStore *snapshot.Store) flow.Runner {
	return func(ctx context.Context, f *flow.Flow, progress func(float64)) (*model.ReportState, error) {
		graph := pipeline.ForMode(f.Config.ResearchMode)
		state := f.State
		if f.PreviousResult != nil {
			state.PreviousTopic = f.PreviousResult.Topic
		}

		wrappedProgress := func(p float64) {
			progress(p)
			if snapStore != nil {
				_ = snapStore.Put(ctx, f.ID, state)
			}
		}
		return pipeline.New(graph).Run(ctx, state, f.Config, deps, wrappedProgress)
	}
}

func envOrEmpty(key string) string {
	return os.Getenv(key)
}

func wireAlertBridge(svcCfg config.ServiceConfig, reporter *taxonomy.Reporter) {
	nc, err := nats.Connect(svcCfg.NATSURL)
	if err != nil {
		slog.Error("nats connect failed", "error", err)
		return
	}
	bridge := alertbridge.New(nc, svcCfg.NATSSubject)
	reporter.AddRule(taxonomy.NewAlertRule(
		"rate-limit-storm", taxonomy.Matcher{Kinds: []taxonomy.Kind{taxonomy.KindRateLimit}},
		10, time.Minute, 2*time.Minute, bridge,
	))
	reporter.AddRule(taxonomy.NewAlertRule(
		"service-unavailable-storm", taxonomy.Matcher{Kinds: []taxonomy.Kind{taxonomy.KindServiceUnavailable}},
		5, time.Minute, 2*time.Minute, bridge,
	))
}
