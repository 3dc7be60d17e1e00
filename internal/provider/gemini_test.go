package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGemini(t *testing.T, handler http.HandlerFunc) *Gemini {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultGeminiConfig("test-key")
	cfg.BaseURL = srv.URL
	g, err := NewGemini(cfg, nil)
	require.NoError(t, err)
	return g
}

func TestSubmit_PostsBackgroundDeepResearch(t *testing.T) {
	var got interactionRequest
	g := testGemini(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/interactions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(interaction{ID: "interactions/xyz", Status: "in_progress"})
	})

	ref, err := g.Submit(context.Background(), "compare column stores", SubmitOptions{
		FormatInstructions: "Use tables.",
		FileSearchStores:   []string{"stores/corp-docs"},
	})
	require.NoError(t, err)
	assert.Equal(t, "interactions/xyz", ref)

	assert.True(t, got.Background)
	assert.Equal(t, "deep-research-pro-preview-12-2025", got.Agent)
	assert.Contains(t, got.Input, "compare column stores")
	assert.Contains(t, got.Input, "Use tables.")
	require.NotNil(t, got.AgentConfig)
	assert.Equal(t, "deep-research", got.AgentConfig.Type)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "file_search", got.Tools[0].Type)
}

func TestStatus_Completed(t *testing.T) {
	g := testGemini(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(interaction{
			ID:     "interactions/xyz",
			Status: "completed",
			Outputs: []interactionOutput{
				{Type: "thinking", ThoughtSummaries: []string{"searched 12 sources"}},
				{Type: "text", Text: "Columnar layouts win for scans [ClickHouse docs](https://clickhouse.com/docs)."},
			},
			Usage: &interactionUsage{PromptTokenCount: 5, CandidatesTokenCount: 100, TotalTokenCount: 105},
		})
	})

	status, err := g.Status(context.Background(), "interactions/xyz")
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, status.State)
	require.NotNil(t, status.Result)
	assert.Contains(t, status.Result.Text, "Columnar layouts")
	require.Len(t, status.Result.Citations, 1)
	assert.Equal(t, "clickhouse.com", status.Result.Citations[0].Domain)
	assert.Equal(t, []string{"searched 12 sources"}, status.Result.ThinkingSummaries)
	assert.Equal(t, 105, status.Result.Usage.TotalTokens)
}

func TestStatus_FailedCarriesRemoteErrorVerbatim(t *testing.T) {
	g := testGemini(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(interaction{
			Status: "failed",
			Error:  &interactionError{Code: "RESOURCE_EXHAUSTED", Message: "quota exceeded for agent"},
		})
	})

	status, err := g.Status(context.Background(), "interactions/xyz")
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, status.State)
	require.NotNil(t, status.Err)
	assert.Equal(t, "RESOURCE_EXHAUSTED", status.Err.Code)
	assert.Equal(t, "quota exceeded for agent", status.Err.Message)
}

func TestStatus_UnknownStatusMeansRunning(t *testing.T) {
	for _, remote := range []string{"in_progress", "queued", "requires_action", "something_new"} {
		g := testGemini(t, func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(interaction{Status: remote})
		})
		status, err := g.Status(context.Background(), "ref")
		require.NoError(t, err)
		assert.Equal(t, TaskRunning, status.State, "remote status %q", remote)
	}
}

func TestStatus_NotFound(t *testing.T) {
	g := testGemini(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"code": 404, "status": "NOT_FOUND"}}`, http.StatusNotFound)
	})

	_, err := g.Status(context.Background(), "interactions/expired")
	assert.True(t, errors.Is(err, ErrTaskNotFound), "got %v", err)
	assert.False(t, IsTransient(err))
}

func TestStatus_ServerErrorIsTransient(t *testing.T) {
	for _, code := range []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusTooManyRequests, http.StatusRequestTimeout} {
		g := testGemini(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream unhappy", code)
		})
		_, err := g.Status(context.Background(), "ref")
		assert.True(t, IsTransient(err), "status %d should be transient, got %v", code, err)
	}
}

func TestStatus_BadRequestIsNotTransient(t *testing.T) {
	g := testGemini(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "malformed interaction name", http.StatusBadRequest)
	})
	_, err := g.Status(context.Background(), "ref")
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestFollowup_ChainsInteractions(t *testing.T) {
	var got interactionRequest
	g := testGemini(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(interaction{
			ID:      "interactions/next",
			Status:  "completed",
			Outputs: []interactionOutput{{Type: "text", Text: "Yes, for OLAP."}},
		})
	})

	reply, err := g.Followup(context.Background(), "interactions/prev", "does that hold for OLAP?")
	require.NoError(t, err)
	assert.Equal(t, "Yes, for OLAP.", reply.Answer)
	assert.Equal(t, "interactions/next", reply.Ref)
	assert.Equal(t, "interactions/prev", got.PreviousInteractionID)
	assert.Empty(t, got.Agent)
	assert.False(t, got.Background)
}

func TestClassifyHTTP_RetryableMessageFragments(t *testing.T) {
	err := classifyHTTP(http.StatusConflict, []byte(`{"error": "connection_reset by peer"}`))
	assert.True(t, IsTransient(err))

	err = classifyHTTP(http.StatusConflict, []byte(`{"error": "duplicate interaction"}`))
	assert.False(t, IsTransient(err))
}

func TestDo_TransportErrorIsTransient(t *testing.T) {
	cfg := DefaultGeminiConfig("test-key")
	cfg.BaseURL = "http://127.0.0.1:1" // nothing listens here
	g, err := NewGemini(cfg, nil)
	require.NoError(t, err)

	_, err = g.Status(context.Background(), "ref")
	assert.True(t, IsTransient(err), "got %v", err)
}
