package search

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	taxonomy "github.com/swarmguard/deepresearch/pkg/errors"
	"github.com/swarmguard/deepresearch/pkg/research/model"
)

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 20 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// httpBackend is the shared shape for every JSON/XML-over-HTTP adapter: one
// request builder, one response parser, one rate-limit advertisement.
// Mirrors the teacher's HTTPPlugin (services/orchestrator/plugins.go) —
// pooled client, context-scoped request, size-limited body read, otel span —
// generalized from task-execution to search-provider dispatch.
type httpBackend struct {
	name    string
	client  *http.Client
	tracer  trace.Tracer
	rpm     int
	build   func(ctx context.Context, query string, params map[string]any) (*http.Request, error)
	parse   func(body []byte) ([]model.SearchHit, error)
}

func (h *httpBackend) Name() string            { return h.name }
func (h *httpBackend) RequestsPerMinute() int   { return h.rpm }

func (h *httpBackend) Search(ctx context.Context, query string, params map[string]any) ([]model.SearchHit, error) {
	ctx, span := h.tracer.Start(ctx, "search.backend."+h.name,
		trace.WithAttributes(attribute.String("backend", h.name), attribute.String("query", query)))
	defer span.End()

	req, err := h.build(ctx, query, params)
	if err != nil {
		return nil, taxonomy.New(taxonomy.KindValidation, "build request: "+err.Error(), taxonomy.WithCategory(taxonomy.CategoryExternalService))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(h.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return nil, taxonomy.New(taxonomy.KindConnection, "read response: "+err.Error(), taxonomy.WithCategory(taxonomy.CategoryExternalService))
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := resp.Header.Get("Retry-After")
		return nil, taxonomy.New(taxonomy.KindRateLimit, h.name+": rate limited",
			taxonomy.WithSeverity(taxonomy.SeverityWarning),
			taxonomy.WithCategory(taxonomy.CategoryExternalService),
			taxonomy.WithDetails(map[string]any{"retry_after": retryAfter}))
	}
	if resp.StatusCode >= 500 {
		return nil, taxonomy.New(taxonomy.KindServiceUnavailable, fmt.Sprintf("%s: upstream %d", h.name, resp.StatusCode),
			taxonomy.WithSeverity(taxonomy.SeverityWarning), taxonomy.WithCategory(taxonomy.CategoryExternalService))
	}
	if resp.StatusCode >= 400 {
		return nil, taxonomy.New(taxonomy.KindAPI, fmt.Sprintf("%s: %d: %s", h.name, resp.StatusCode, string(body)),
			taxonomy.WithCategory(taxonomy.CategoryExternalService))
	}

	hits, err := h.parse(body)
	if err != nil {
		return nil, taxonomy.New(taxonomy.KindTransformation, h.name+": decode response: "+err.Error(),
			taxonomy.WithCategory(taxonomy.CategoryExternalService), taxonomy.WithCause(err))
	}
	return hits, nil
}

// classifyTransportError maps net/http's transport-level failures (dial
// refused, TLS handshake, DNS) onto ConnectionError per spec.md §4.3 — Go's
// http.Client surfaces all three as *url.Error wrapping lower errors, so we
// don't attempt to distinguish further.
func classifyTransportError(backend string, err error) error {
	return taxonomy.New(taxonomy.KindConnection, backend+": "+err.Error(),
		taxonomy.WithSeverity(taxonomy.SeverityWarning),
		taxonomy.WithCategory(taxonomy.CategoryExternalService),
		taxonomy.WithCause(err))
}

func floatPtr(v float64) *float64 { return &v }

// NewTavily builds the Tavily adapter (spec default primary backend).
func NewTavily(apiKey string) Backend {
	return &httpBackend{
		name: "tavily", client: newHTTPClient(), tracer: otel.Tracer("search-tavily"), rpm: 60,
		build: func(ctx context.Context, query string, params map[string]any) (*http.Request, error) {
			payload := map[string]any{"api_key": apiKey, "query": query, "max_results": 5}
			for k, v := range params {
				payload[k] = v
			}
			buf, err := json.Marshal(payload)
			if err != nil {
				return nil, err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.tavily.com/search", bytes.NewReader(buf))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			return req, nil
		},
		parse: func(body []byte) ([]model.SearchHit, error) {
			var raw struct {
				Results []struct {
					Title   string  `json:"title"`
					URL     string  `json:"url"`
					Content string  `json:"content"`
					Score   float64 `json:"score"`
				} `json:"results"`
			}
			if err := json.Unmarshal(body, &raw); err != nil {
				return nil, err
			}
			hits := make([]model.SearchHit, 0, len(raw.Results))
			for _, r := range raw.Results {
				hits = append(hits, model.SearchHit{Title: r.Title, URL: r.URL, Content: r.Content, Score: floatPtr(r.Score)})
			}
			return hits, nil
		},
	}
}

// NewPerplexity builds the Perplexity adapter.
func NewPerplexity(apiKey string) Backend {
	return &httpBackend{
		name: "perplexity", client: newHTTPClient(), tracer: otel.Tracer("search-perplexity"), rpm: 50,
		build: func(ctx context.Context, query string, params map[string]any) (*http.Request, error) {
			payload := map[string]any{"model": "sonar", "messages": []map[string]string{{"role": "user", "content": query}}}
			for k, v := range params {
				payload[k] = v
			}
			buf, err := json.Marshal(payload)
			if err != nil {
				return nil, err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.perplexity.ai/chat/completions", bytes.NewReader(buf))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", "Bearer "+apiKey)
			req.Header.Set("Content-Type", "application/json")
			return req, nil
		},
		parse: func(body []byte) ([]model.SearchHit, error) {
			var raw struct {
				Citations []string `json:"citations"`
				Choices   []struct {
					Message struct {
						Content string `json:"content"`
					} `json:"message"`
				} `json:"choices"`
			}
			if err := json.Unmarshal(body, &raw); err != nil {
				return nil, err
			}
			var content string
			if len(raw.Choices) > 0 {
				content = raw.Choices[0].Message.Content
			}
			hits := make([]model.SearchHit, 0, len(raw.Citations))
			for i, c := range raw.Citations {
				hits = append(hits, model.SearchHit{Title: fmt.Sprintf("citation-%d", i+1), URL: c, Content: content})
			}
			return hits, nil
		},
	}
}

// NewExa builds the Exa adapter.
func NewExa(apiKey string) Backend {
	return &httpBackend{
		name: "exa", client: newHTTPClient(), tracer: otel.Tracer("search-exa"), rpm: 60,
		build: func(ctx context.Context, query string, params map[string]any) (*http.Request, error) {
			payload := map[string]any{"query": query, "numResults": 5, "contents": map[string]any{"text": true}}
			for k, v := range params {
				payload[k] = v
			}
			buf, err := json.Marshal(payload)
			if err != nil {
				return nil, err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.exa.ai/search", bytes.NewReader(buf))
			if err != nil {
				return nil, err
			}
			req.Header.Set("x-api-key", apiKey)
			req.Header.Set("Content-Type", "application/json")
			return req, nil
		},
		parse: func(body []byte) ([]model.SearchHit, error) {
			var raw struct {
				Results []struct {
					Title string  `json:"title"`
					URL   string  `json:"url"`
					Text  string  `json:"text"`
					Score float64 `json:"score"`
				} `json:"results"`
			}
			if err := json.Unmarshal(body, &raw); err != nil {
				return nil, err
			}
			hits := make([]model.SearchHit, 0, len(raw.Results))
			for _, r := range raw.Results {
				hits = append(hits, model.SearchHit{Title: r.Title, URL: r.URL, Content: r.Text, Score: floatPtr(r.Score)})
			}
			return hits, nil
		},
	}
}

// NewArxiv builds the Arxiv adapter (no API key — public Atom feed).
func NewArxiv() Backend {
	return &httpBackend{
		name: "arxiv", client: newHTTPClient(), tracer: otel.Tracer("search-arxiv"), rpm: 30,
		build: func(ctx context.Context, query string, params map[string]any) (*http.Request, error) {
			q := url.Values{"search_query": {"all:" + query}, "max_results": {"5"}}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://export.arxiv.org/api/query?"+q.Encode(), nil)
			return req, err
		},
		parse: func(body []byte) ([]model.SearchHit, error) {
			var feed struct {
				Entries []struct {
					Title   string `xml:"title"`
					Summary string `xml:"summary"`
					ID      string `xml:"id"`
				} `xml:"entry"`
			}
			if err := xml.Unmarshal(body, &feed); err != nil {
				return nil, err
			}
			hits := make([]model.SearchHit, 0, len(feed.Entries))
			for _, e := range feed.Entries {
				hits = append(hits, model.SearchHit{Title: e.Title, URL: e.ID, Content: e.Summary})
			}
			return hits, nil
		},
	}
}

// NewPubMed builds the PubMed adapter (NCBI E-utilities esearch/esummary).
func NewPubMed() Backend {
	return &httpBackend{
		name: "pubmed", client: newHTTPClient(), tracer: otel.Tracer("search-pubmed"), rpm: 20,
		build: func(ctx context.Context, query string, params map[string]any) (*http.Request, error) {
			q := url.Values{"db": {"pubmed"}, "retmode": {"json"}, "retmax": {"5"}, "term": {query}}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet,
				"https://eutils.ncbi.nlm.nih.gov/entrez/eutils/esearch.fcgi?"+q.Encode(), nil)
			return req, err
		},
		parse: func(body []byte) ([]model.SearchHit, error) {
			var raw struct {
				ESearchResult struct {
					IDList []string `json:"idlist"`
				} `json:"esearchresult"`
			}
			if err := json.Unmarshal(body, &raw); err != nil {
				return nil, err
			}
			hits := make([]model.SearchHit, 0, len(raw.ESearchResult.IDList))
			for _, id := range raw.ESearchResult.IDList {
				hits = append(hits, model.SearchHit{
					Title: "PMID " + id,
					URL:   "https://pubmed.ncbi.nlm.nih.gov/" + id,
				})
			}
			return hits, nil
		},
	}
}

// NewLinkUp builds the LinkUp adapter.
func NewLinkUp(apiKey string) Backend {
	return &httpBackend{
		name: "linkup", client: newHTTPClient(), tracer: otel.Tracer("search-linkup"), rpm: 60,
		build: func(ctx context.Context, query string, params map[string]any) (*http.Request, error) {
			payload := map[string]any{"q": query, "depth": "standard", "outputType": "searchResults"}
			for k, v := range params {
				payload[k] = v
			}
			buf, err := json.Marshal(payload)
			if err != nil {
				return nil, err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.linkup.so/v1/search", bytes.NewReader(buf))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", "Bearer "+apiKey)
			req.Header.Set("Content-Type", "application/json")
			return req, nil
		},
		parse: func(body []byte) ([]model.SearchHit, error) {
			var raw struct {
				Results []struct {
					Name    string `json:"name"`
					URL     string `json:"url"`
					Content string `json:"content"`
				} `json:"results"`
			}
			if err := json.Unmarshal(body, &raw); err != nil {
				return nil, err
			}
			hits := make([]model.SearchHit, 0, len(raw.Results))
			for _, r := range raw.Results {
				hits = append(hits, model.SearchHit{Title: r.Name, URL: r.URL, Content: r.Content})
			}
			return hits, nil
		},
	}
}

// NewDuckDuckGo builds the DuckDuckGo Instant Answer adapter (no key
// required — used as a free fallback per spec §4.9's default fallback_apis).
func NewDuckDuckGo() Backend {
	return &httpBackend{
		name: "duckduckgo", client: newHTTPClient(), tracer: otel.Tracer("search-duckduckgo"), rpm: 20,
		build: func(ctx context.Context, query string, params map[string]any) (*http.Request, error) {
			q := url.Values{"q": {query}, "format": {"json"}, "no_html": {"1"}}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.duckduckgo.com/?"+q.Encode(), nil)
			return req, err
		},
		parse: func(body []byte) ([]model.SearchHit, error) {
			var raw struct {
				AbstractText string `json:"AbstractText"`
				AbstractURL  string `json:"AbstractURL"`
				Heading      string `json:"Heading"`
				RelatedTopics []struct {
					Text     string `json:"Text"`
					FirstURL string `json:"FirstURL"`
				} `json:"RelatedTopics"`
			}
			if err := json.Unmarshal(body, &raw); err != nil {
				return nil, err
			}
			var hits []model.SearchHit
			if raw.AbstractText != "" {
				hits = append(hits, model.SearchHit{Title: raw.Heading, URL: raw.AbstractURL, Content: raw.AbstractText})
			}
			for _, t := range raw.RelatedTopics {
				if t.FirstURL == "" {
					continue
				}
				hits = append(hits, model.SearchHit{Title: t.Text, URL: t.FirstURL, Content: t.Text})
			}
			return hits, nil
		},
	}
}

// NewGoogle builds the Google Programmable Search adapter.
func NewGoogle(apiKey, searchEngineID string) Backend {
	return &httpBackend{
		name: "google", client: newHTTPClient(), tracer: otel.Tracer("search-google"), rpm: 100,
		build: func(ctx context.Context, query string, params map[string]any) (*http.Request, error) {
			q := url.Values{"key": {apiKey}, "cx": {searchEngineID}, "q": {query}, "num": {"5"}}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet,
				"https://www.googleapis.com/customsearch/v1?"+q.Encode(), nil)
			return req, err
		},
		parse: func(body []byte) ([]model.SearchHit, error) {
			var raw struct {
				Items []struct {
					Title   string `json:"title"`
					Link    string `json:"link"`
					Snippet string `json:"snippet"`
				} `json:"items"`
			}
			if err := json.Unmarshal(body, &raw); err != nil {
				return nil, err
			}
			hits := make([]model.SearchHit, 0, len(raw.Items))
			for _, it := range raw.Items {
				hits = append(hits, model.SearchHit{Title: it.Title, URL: it.Link, Content: it.Snippet})
			}
			return hits, nil
		},
	}
}
