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

	"go.uber.org/zap"

	"researchd/internal/session"
)

// GeminiConfig configures the Gemini Interactions client.
type GeminiConfig struct {
	APIKey  string
	BaseURL string
	// Agent is the Deep Research agent driving background tasks.
	Agent string
	// FollowupModel answers followup questions on a finished conversation.
	FollowupModel string
	Timeout       time.Duration
}

// DefaultGeminiConfig returns sensible defaults for the Interactions API.
func DefaultGeminiConfig(apiKey string) GeminiConfig {
	return GeminiConfig{
		APIKey:        apiKey,
		BaseURL:       "https://generativelanguage.googleapis.com/v1beta",
		Agent:         "deep-research-pro-preview-12-2025",
		FollowupModel: "gemini-3-pro-preview",
		Timeout:       2 * time.Minute,
	}
}

// Gemini drives the Gemini Interactions API: background deep-research
// tasks, status polls, conversation followups, and cancellation. It speaks
// HTTP directly; the genai SDK does not cover the Interactions surface.
type Gemini struct {
	apiKey        string
	baseURL       string
	agent         string
	followupModel string
	httpClient    *http.Client
	logger        *zap.Logger
}

// NewGemini creates an Interactions client.
func NewGemini(cfg GeminiConfig, logger *zap.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if cfg.Agent == "" {
		cfg.Agent = "deep-research-pro-preview-12-2025"
	}
	if cfg.FollowupModel == "" {
		cfg.FollowupModel = "gemini-3-pro-preview"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gemini{
		apiKey:        cfg.APIKey,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		agent:         cfg.Agent,
		followupModel: cfg.FollowupModel,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		logger:        logger.Named("gemini"),
	}, nil
}

// =============================================================================
// INTERACTIONS WIRE TYPES
// =============================================================================

type interactionRequest struct {
	Input                 string            `json:"input"`
	Agent                 string            `json:"agent,omitempty"`
	Model                 string            `json:"model,omitempty"`
	Background            bool              `json:"background,omitempty"`
	PreviousInteractionID string            `json:"previous_interaction_id,omitempty"`
	AgentConfig           *agentConfig      `json:"agent_config,omitempty"`
	Tools                 []interactionTool `json:"tools,omitempty"`
}

type agentConfig struct {
	Type              string `json:"type"`
	ThinkingSummaries string `json:"thinking_summaries,omitempty"`
}

type interactionTool struct {
	Type                 string   `json:"type"`
	FileSearchStoreNames []string `json:"file_search_store_names,omitempty"`
}

type interaction struct {
	ID      string              `json:"id"`
	Status  string              `json:"status"`
	Outputs []interactionOutput `json:"outputs,omitempty"`
	Error   *interactionError   `json:"error,omitempty"`
	Usage   *interactionUsage   `json:"usage,omitempty"`
}

type interactionOutput struct {
	Type             string   `json:"type,omitempty"`
	Text             string   `json:"text,omitempty"`
	ThoughtSummaries []string `json:"thought_summaries,omitempty"`
}

type interactionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type interactionUsage struct {
	PromptTokenCount     int `json:"prompt_token_count"`
	CandidatesTokenCount int `json:"candidates_token_count"`
	TotalTokenCount      int `json:"total_token_count"`
}

// =============================================================================
// PROVIDER IMPLEMENTATION
// =============================================================================

// Submit starts a background deep-research interaction and returns its id.
func (g *Gemini) Submit(ctx context.Context, query string, opts SubmitOptions) (string, error) {
	agent := opts.Agent
	if agent == "" {
		agent = g.agent
	}
	input := query
	if opts.FormatInstructions != "" {
		input = query + "\n\n" + opts.FormatInstructions
	}

	req := interactionRequest{
		Input:      input,
		Agent:      agent,
		Background: true,
		AgentConfig: &agentConfig{
			Type:              "deep-research",
			ThinkingSummaries: "auto",
		},
	}
	if len(opts.FileSearchStores) > 0 {
		req.Tools = append(req.Tools, interactionTool{
			Type:                 "file_search",
			FileSearchStoreNames: opts.FileSearchStores,
		})
	}

	var resp interaction
	if err := g.do(ctx, http.MethodPost, "/interactions", req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("interaction created without id")
	}
	g.logger.Info("deep research submitted",
		zap.String("interaction_id", resp.ID),
		zap.String("agent", agent))
	return resp.ID, nil
}

// Status fetches the remote state of an interaction and maps it onto the
// engine's TaskStatus contract.
func (g *Gemini) Status(ctx context.Context, taskRef string) (TaskStatus, error) {
	var resp interaction
	if err := g.do(ctx, http.MethodGet, "/interactions/"+taskRef, nil, &resp); err != nil {
		return TaskStatus{}, err
	}

	switch strings.ToLower(resp.Status) {
	case "completed":
		return TaskStatus{State: TaskCompleted, Result: resultFromInteraction(&resp)}, nil
	case "failed":
		errInfo := &session.ErrorInfo{Code: "RESEARCH_FAILED", Message: "remote task failed"}
		if resp.Error != nil {
			errInfo.Code = resp.Error.Code
			errInfo.Message = resp.Error.Message
		}
		return TaskStatus{State: TaskFailed, Err: errInfo}, nil
	case "cancelled":
		return TaskStatus{State: TaskCancelled}, nil
	default:
		// in_progress, queued, requires_action and friends all mean the
		// task is still live remotely.
		return TaskStatus{State: TaskRunning}, nil
	}
}

// Followup continues the conversation of a prior interaction. The returned
// ref identifies the new interaction so the next followup chains from it.
func (g *Gemini) Followup(ctx context.Context, conversationRef, message string) (FollowupReply, error) {
	req := interactionRequest{
		Input:                 message,
		Model:                 g.followupModel,
		PreviousInteractionID: conversationRef,
	}
	var resp interaction
	if err := g.do(ctx, http.MethodPost, "/interactions", req, &resp); err != nil {
		return FollowupReply{}, err
	}
	text := lastOutputText(&resp)
	if text == "" {
		return FollowupReply{}, fmt.Errorf("no response received from followup")
	}
	reply := FollowupReply{Answer: text, Ref: resp.ID}
	if u := resp.Usage; u != nil {
		reply.Usage = &session.Usage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount,
			TotalTokens:      u.TotalTokenCount,
		}
	}
	return reply, nil
}

// Cancel asks the remote side to stop an interaction.
func (g *Gemini) Cancel(ctx context.Context, taskRef string) error {
	var resp interaction
	return g.do(ctx, http.MethodPost, "/interactions/"+taskRef+":cancel", nil, &resp)
}

// =============================================================================
// HTTP PLUMBING
// =============================================================================

func (g *Gemini) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	url := fmt.Sprintf("%s%s?key=%s", g.baseURL, path, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		// Transport-level failures (DNS, resets, client timeouts) are
		// always worth retrying.
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return classifyHTTP(resp.StatusCode, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

func classifyHTTP(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	err := fmt.Errorf("API request failed with status %d: %s", status, msg)
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrTaskNotFound, msg)
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= 500:
		return &TransientError{Err: err}
	case retryableMessage(msg):
		return &TransientError{Err: err}
	default:
		return err
	}
}

func resultFromInteraction(in *interaction) *session.Result {
	text := lastOutputText(in)
	res := &session.Result{
		Text:      text,
		Citations: ExtractCitations(text),
	}
	for _, out := range in.Outputs {
		res.ThinkingSummaries = append(res.ThinkingSummaries, out.ThoughtSummaries...)
	}
	if in.Usage != nil {
		res.Usage = &session.Usage{
			PromptTokens:     in.Usage.PromptTokenCount,
			CompletionTokens: in.Usage.CandidatesTokenCount,
			TotalTokens:      in.Usage.TotalTokenCount,
		}
	}
	return res
}

func lastOutputText(in *interaction) string {
	for i := len(in.Outputs) - 1; i >= 0; i-- {
		if in.Outputs[i].Text != "" {
			return in.Outputs[i].Text
		}
	}
	return ""
}
