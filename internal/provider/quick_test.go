package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQuick(t *testing.T, handler http.HandlerFunc) *Quick {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultQuickConfig("test-key")
	cfg.BaseURL = srv.URL
	q, err := NewQuick(cfg, nil)
	require.NoError(t, err)
	return q
}

func TestQuickResearch_GroundedWithSources(t *testing.T) {
	var got generateRequest
	q := testQuick(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, ":generateContent")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(generateResponse{
			Candidates: []candidate{{
				Content: content{Parts: []part{{Text: "QUIC runs over UDP."}}},
				GroundingMetadata: &groundingMetadata{
					GroundingChunks: []groundingChunk{
						{Web: &webChunk{URI: "https://www.rfc-editor.org/rfc/rfc9000", Title: "RFC 9000"}},
						{Web: &webChunk{URI: "https://blog.cloudflare.com/quic", Title: "Cloudflare on QUIC"}},
					},
				},
			}},
		})
	})

	res, err := q.Research(context.Background(), "what transport does QUIC use")
	require.NoError(t, err)
	assert.Equal(t, "QUIC runs over UDP.", res.Text)
	require.Len(t, res.Citations, 2)
	assert.Equal(t, "rfc-editor.org", res.Citations[0].Domain)
	assert.Equal(t, 2, res.Citations[1].Number)

	require.Len(t, got.Tools, 1)
	assert.NotNil(t, got.Tools[0].GoogleSearch, "grounding must be requested")
	require.NotNil(t, got.SystemInstruction)
}

func TestQuickSummarize_TruncatesHugeReports(t *testing.T) {
	var got generateRequest
	q := testQuick(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(generateResponse{
			Candidates: []candidate{{Content: content{Parts: []part{{Text: "  A short summary.  "}}}}},
		})
	})

	huge := strings.Repeat("x", summaryMaxReportChars+5000)
	summary, err := q.Summarize(context.Background(), "the query", huge)
	require.NoError(t, err)
	assert.Equal(t, "A short summary.", summary)

	require.Len(t, got.Contents, 1)
	prompt := got.Contents[0].Parts[0].Text
	assert.Less(t, len(prompt), summaryMaxReportChars+500)
	assert.Empty(t, got.Tools, "summaries do not need search grounding")
}

func TestQuickSummarize_CutsMultibyteReportsCleanly(t *testing.T) {
	var got generateRequest
	q := testQuick(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(generateResponse{
			Candidates: []candidate{{Content: content{Parts: []part{{Text: "A summary."}}}}},
		})
	})

	// One ASCII byte then three-byte runes puts the byte cap mid-rune; a
	// byte-index cut would send mojibake to the model.
	huge := "x" + strings.Repeat("日", summaryMaxReportChars)
	_, err := q.Summarize(context.Background(), "q", huge)
	require.NoError(t, err)

	require.Len(t, got.Contents, 1)
	prompt := got.Contents[0].Parts[0].Text
	assert.NotContains(t, prompt, "�")
}

func TestQuickResearch_EmptyCompletion(t *testing.T) {
	q := testQuick(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(generateResponse{})
	})
	_, err := q.Research(context.Background(), "q")
	assert.ErrorContains(t, err, "no completion")
}
