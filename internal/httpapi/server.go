// Package httpapi realizes spec.md §6's inbound control API as a
// net/http.ServeMux surface: start_flows, start_continuous, list_flows,
// get_flow, cancel_flow, error_stats, error_visualize, error_trends,
// alert_configs, add/remove_alert — each gated by an auth.Gate permission
// check and, on failure, rendered as the §6 error envelope.
//
// Grounded on services/orchestrator/main.go's mux.HandleFunc handlers:
// same ServeMux-plus-otel-counters shape, same JSON in/out convention,
// generalized from a single-workflow run/list/health surface to the
// research flow operation set.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/deepresearch/internal/auth"
	"github.com/swarmguard/deepresearch/internal/config"
	taxonomy "github.com/swarmguard/deepresearch/pkg/errors"
	"github.com/swarmguard/deepresearch/pkg/flow"
)

// Server is the control API's HTTP surface.
type Server struct {
	Mux *http.ServeMux

	manager  *flow.Manager
	reporter *taxonomy.Reporter
	gate     auth.Gate
	svcCfg   config.ServiceConfig

	requests metric.Int64Counter
	denied   metric.Int64Counter
}

// New wires a Server against manager/reporter/gate. svcCfg gates traceback
// inclusion in error envelopes via IncludeTraceback.
func New(manager *flow.Manager, reporter *taxonomy.Reporter, gate auth.Gate, svcCfg config.ServiceConfig) *Server {
	meter := otel.Meter("deepresearch")
	requests, _ := meter.Int64Counter("deepresearch_http_requests_total")
	denied, _ := meter.Int64Counter("deepresearch_http_denied_total")

	s := &Server{
		Mux: http.NewServeMux(), manager: manager, reporter: reporter, gate: gate, svcCfg: svcCfg,
		requests: requests, denied: denied,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.Mux.HandleFunc("/v1/flows/start", s.guard("research:write", s.handleStartFlows))
	s.Mux.HandleFunc("/v1/flows/start_continuous", s.guard("research:write", s.handleStartContinuous))
	s.Mux.HandleFunc("/v1/flows", s.guard("research:read", s.handleListFlows))
	s.Mux.HandleFunc("/v1/flows/get", s.guard("research:read", s.handleGetFlow))
	s.Mux.HandleFunc("/v1/flows/cancel", s.guard("research:write", s.handleCancelFlow))
	s.Mux.HandleFunc("/v1/errors/stats", s.guard("research:read", s.handleErrorStats))
	s.Mux.HandleFunc("/v1/errors/visualize", s.guard("research:read", s.handleErrorVisualize))
	s.Mux.HandleFunc("/v1/errors/trends", s.guard("research:read", s.handleErrorTrends))
	s.Mux.HandleFunc("/v1/alerts", s.guard("admin:access", s.handleAlertConfigs))
	s.Mux.HandleFunc("/v1/alerts/add", s.guard("admin:access", s.handleAddAlert))
	s.Mux.HandleFunc("/v1/alerts/remove", s.guard("admin:access", s.handleRemoveAlert))
}

// guard wraps handler with authentication and the permission check spec.md
// §6 requires of every operation.
func (s *Server) guard(permission string, handler func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(r.Context(), 1, metric.WithAttributes(attribute.String("path", r.URL.Path)))

		principal, err := s.gate.Authenticate(r)
		if err != nil {
			s.writeError(w, r, taxonomy.New(taxonomy.KindAuthentication, "authentication failed", taxonomy.WithCause(err)))
			return
		}
		if !s.gate.Authorize(principal, permission) {
			s.denied.Add(r.Context(), 1)
			s.writeError(w, r, taxonomy.New(taxonomy.KindAuthorization, "missing permission: "+permission))
			return
		}
		handler(w, r)
	}
}

// envelope is the §6 error-response shape.
type envelope struct {
	Detail    string         `json:"detail"`
	ErrorType string         `json:"error_type"`
	Timestamp time.Time      `json:"timestamp"`
	Traceback string         `json:"traceback,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	te, ok := err.(*taxonomy.Error)
	if !ok {
		te = taxonomy.New(taxonomy.KindState, err.Error())
	}
	if s.reporter != nil {
		s.reporter.Report(r.Context(), te)
	}

	env := envelope{Detail: te.Message, ErrorType: string(te.Kind), Timestamp: te.Timestamp, Details: te.Details}
	if s.svcCfg.IncludeTraceback() && te.Cause != nil {
		env.Traceback = te.Cause.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(te.HTTPStatus())
	_ = json.NewEncoder(w).Encode(env)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrorStatic(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func writeErrorStatic(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Detail: detail, ErrorType: "ValidationError", Timestamp: time.Now()})
}
