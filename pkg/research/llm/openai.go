package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	taxonomy "github.com/swarmguard/deepresearch/pkg/errors"
)

// chatCompletionModel calls an OpenAI-chat-completions-compatible endpoint.
// Most vendor-default providers (OpenAI itself, and OpenAI-API-compatible
// gateways for other vendors) speak this wire format, so one adapter covers
// planner/writer/supervisor/researcher models alike, distinguished only by
// baseURL/modelName/apiKey at construction.
//
// Grounded on services/orchestrator/plugins.go's ModelInferencePlugin: a
// pooled http.Client POSTing a JSON request to a model endpoint and decoding
// a JSON response, generalized from the teacher's internal model-registry
// call to the public OpenAI-compatible chat completions shape.
type chatCompletionModel struct {
	provider  string
	modelName string
	baseURL   string
	apiKey    string
	client    *http.Client
	tracer    trace.Tracer
}

// NewChatCompletionModel builds a Model identified as "provider:modelName"
// that calls baseURL's /chat/completions endpoint.
func NewChatCompletionModel(provider, modelName, baseURL, apiKey string) Model {
	return &chatCompletionModel{
		provider: provider, modelName: modelName, baseURL: baseURL, apiKey: apiKey,
		client: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		tracer: otel.Tracer("llm-" + provider),
	}
}

// Identifier returns the "provider:model-name" key spec §4.4 uses for the
// Retry+CircuitBreaker wrapper.
func (m *chatCompletionModel) Identifier() string { return m.provider + ":" + m.modelName }

func (m *chatCompletionModel) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, span := m.tracer.Start(ctx, "llm.complete",
		trace.WithAttributes(attribute.String("provider", m.provider), attribute.String("model", m.modelName)))
	defer span.End()

	payload := map[string]any{
		"model": m.modelName,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return "", taxonomy.New(taxonomy.KindValidation, "marshal request: "+err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/chat/completions", bytes.NewReader(buf))
	if err != nil {
		return "", taxonomy.New(taxonomy.KindValidation, "build request: "+err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return "", taxonomy.New(taxonomy.KindConnection, m.Identifier()+": "+err.Error(),
			taxonomy.WithSeverity(taxonomy.SeverityWarning), taxonomy.WithCategory(taxonomy.CategoryExternalService),
			taxonomy.WithCause(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", taxonomy.New(taxonomy.KindConnection, "read response: "+err.Error())
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", taxonomy.New(taxonomy.KindRateLimit, m.Identifier()+": rate limited",
			taxonomy.WithSeverity(taxonomy.SeverityWarning), taxonomy.WithCategory(taxonomy.CategoryExternalService),
			taxonomy.WithDetails(map[string]any{"retry_after": resp.Header.Get("Retry-After")}))
	}
	if resp.StatusCode >= 500 {
		return "", taxonomy.New(taxonomy.KindServiceUnavailable, fmt.Sprintf("%s: upstream %d", m.Identifier(), resp.StatusCode),
			taxonomy.WithSeverity(taxonomy.SeverityWarning), taxonomy.WithCategory(taxonomy.CategoryExternalService))
	}
	if resp.StatusCode >= 400 {
		return "", taxonomy.New(taxonomy.KindAPI, fmt.Sprintf("%s: %d: %s", m.Identifier(), resp.StatusCode, string(body)),
			taxonomy.WithCategory(taxonomy.CategoryExternalService))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", taxonomy.New(taxonomy.KindTransformation, m.Identifier()+": decode response: "+err.Error(),
			taxonomy.WithCategory(taxonomy.CategoryExternalService), taxonomy.WithCause(err))
	}
	if len(parsed.Choices) == 0 {
		return "", taxonomy.New(taxonomy.KindAPI, m.Identifier()+": empty completion", taxonomy.WithCategory(taxonomy.CategoryExternalService))
	}
	return parsed.Choices[0].Message.Content, nil
}
