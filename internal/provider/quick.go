package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"researchd/internal/session"
)

// QuickConfig configures the synchronous grounded-search client.
type QuickConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// DefaultQuickConfig returns defaults for fast grounded lookups.
func DefaultQuickConfig(apiKey string) QuickConfig {
	return QuickConfig{
		APIKey:  apiKey,
		BaseURL: "https://generativelanguage.googleapis.com/v1beta",
		Model:   "gemini-3-flash-preview",
		Timeout: 90 * time.Second,
	}
}

// Quick answers research questions synchronously with Google Search
// grounding, generates session summaries, and serves degraded followups
// when a session has no remote conversation to continue.
type Quick struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewQuick creates a grounded-search client.
func NewQuick(cfg QuickConfig, logger *zap.Logger) (*Quick, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-3-flash-preview"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Quick{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Named("quick"),
	}, nil
}

// =============================================================================
// GENERATECONTENT WIRE TYPES
// =============================================================================

type generateRequest struct {
	Contents          []content       `json:"contents"`
	SystemInstruction *content        `json:"systemInstruction,omitempty"`
	GenerationConfig  *generateConfig `json:"generationConfig,omitempty"`
	Tools             []tool          `json:"tools,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type tool struct {
	GoogleSearch *struct{} `json:"google_search,omitempty"`
}

type generateResponse struct {
	Candidates []candidate `json:"candidates"`
	Error      *apiError   `json:"error,omitempty"`
}

type candidate struct {
	Content           content            `json:"content"`
	GroundingMetadata *groundingMetadata `json:"groundingMetadata,omitempty"`
}

type groundingMetadata struct {
	GroundingChunks  []groundingChunk `json:"groundingChunks,omitempty"`
	WebSearchQueries []string         `json:"webSearchQueries,omitempty"`
}

type groundingChunk struct {
	Web *webChunk `json:"web,omitempty"`
}

type webChunk struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// =============================================================================
// OPERATIONS
// =============================================================================

const quickSystemPrompt = `You are an expert research analyst. Ground every
answer in your search results, cite sources, acknowledge conflicting or
uncertain information, and structure complex answers with headings.`

// Research answers a query with Google Search grounding and returns the
// answer with its sources as a structured result.
func (q *Quick) Research(ctx context.Context, query string) (*session.Result, error) {
	start := time.Now()
	text, sources, err := q.generate(ctx, quickSystemPrompt, query, true)
	if err != nil {
		return nil, err
	}

	res := &session.Result{
		Text:            text,
		DurationSeconds: time.Since(start).Seconds(),
	}
	for i, src := range sources {
		res.Citations = append(res.Citations, session.Citation{
			Number: i + 1,
			Title:  src.Title,
			URL:    src.URI,
			Domain: domainOf(src.URI),
		})
	}
	q.logger.Info("quick research completed",
		zap.Int("sources", len(sources)),
		zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

// summaryMaxReportChars bounds how much of a report is fed to the
// summarizer regardless of report size.
const summaryMaxReportChars = 30000

// Summarize produces a short synopsis of a finished report, used by the
// session resolver to match free-text references.
func (q *Quick) Summarize(ctx context.Context, query, report string) (string, error) {
	if len(report) > summaryMaxReportChars {
		cut := summaryMaxReportChars
		for cut > 0 && !utf8.RuneStart(report[cut]) {
			cut--
		}
		report = report[:cut]
	}
	prompt := fmt.Sprintf(
		"Summarize this research report in 2-3 sentences. Lead with the topic, then the key findings.\n\nQUERY: %s\n\nREPORT:\n%s",
		query, report)
	text, _, err := q.generate(ctx, "", prompt, false)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

type webSource struct {
	URI   string
	Title string
}

func (q *Quick) generate(ctx context.Context, system, prompt string, grounded bool) (string, []webSource, error) {
	req := generateRequest{
		Contents: []content{{
			Role:  "user",
			Parts: []part{{Text: prompt}},
		}},
		GenerationConfig: &generateConfig{Temperature: 1.0},
	}
	if system != "" {
		req.SystemInstruction = &content{Parts: []part{{Text: system}}}
	}
	if grounded {
		req.Tools = []tool{{GoogleSearch: &struct{}{}}}
	}

	data, err := json.Marshal(req)
	if err != nil {
		return "", nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", q.baseURL, q.model, q.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := q.httpClient.Do(httpReq)
	if err != nil {
		return "", nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, &TransientError{Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", nil, classifyHTTP(resp.StatusCode, body)
	}

	var gr generateResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return "", nil, fmt.Errorf("parse response: %w", err)
	}
	if gr.Error != nil {
		return "", nil, fmt.Errorf("API error: %s", gr.Error.Message)
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return "", nil, fmt.Errorf("no completion returned")
	}

	var sb strings.Builder
	for _, p := range gr.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}

	var sources []webSource
	if gm := gr.Candidates[0].GroundingMetadata; gm != nil {
		for _, chunk := range gm.GroundingChunks {
			if chunk.Web != nil && chunk.Web.URI != "" {
				sources = append(sources, webSource{URI: chunk.Web.URI, Title: chunk.Web.Title})
			}
		}
	}
	return strings.TrimSpace(sb.String()), sources, nil
}
