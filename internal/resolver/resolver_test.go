package resolver

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"researchd/internal/session"
)

// fakeEmbedder maps known topics to orthogonal vectors so similarity
// outcomes are deterministic: same topic scores 1, different topics 0.
type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "kubernetes"):
		return []float32{1, 0, 0, 0}, nil
	case strings.Contains(lower, "fermentation"):
		return []float32{0, 1, 0, 0}, nil
	case strings.Contains(lower, "typography"):
		return []float32{0, 0, 1, 0}, nil
	default:
		return []float32{0, 0, 0, 1}, nil
	}
}

func sessionWithQuery(id, query string, updated time.Time) *session.Session {
	s := session.New(query)
	s.ID = id
	s.UpdatedAt = updated
	return s
}

func candidates() []*session.Session {
	now := time.Now().UTC()
	// Most recently updated first, as the store's List returns them.
	return []*session.Session{
		sessionWithQuery("aaaa1111-0000-0000-0000-000000000001", "history of typography in print", now),
		sessionWithQuery("bbbb2222-0000-0000-0000-000000000002", "kubernetes operator patterns", now.Add(-time.Hour)),
		sessionWithQuery("cccc3333-0000-0000-0000-000000000003", "science of sourdough fermentation", now.Add(-2*time.Hour)),
	}
}

func TestResolve_EmptyReferenceFallsBackToLatest(t *testing.T) {
	r := New(&fakeEmbedder{}, DefaultConfig(), nil)

	d, err := r.Resolve(context.Background(), "", candidates())
	require.NoError(t, err)
	assert.Equal(t, BasisFallback, d.Basis)
	assert.Equal(t, "aaaa1111-0000-0000-0000-000000000001", d.SessionID)
}

func TestResolve_SemanticMatchBeatsRecency(t *testing.T) {
	r := New(&fakeEmbedder{}, DefaultConfig(), nil)

	d, err := r.Resolve(context.Background(), "the kubernetes one", candidates())
	require.NoError(t, err)
	assert.Equal(t, BasisMatched, d.Basis)
	assert.Equal(t, "bbbb2222-0000-0000-0000-000000000002", d.SessionID)
	assert.Greater(t, d.Confidence, 0.55)
}

func TestResolve_BelowThresholdReportsFallback(t *testing.T) {
	r := New(&fakeEmbedder{}, DefaultConfig(), nil)

	d, err := r.Resolve(context.Background(), "quantum basket weaving", candidates())
	require.NoError(t, err)
	assert.Equal(t, BasisFallback, d.Basis)
	assert.Equal(t, "aaaa1111-0000-0000-0000-000000000001", d.SessionID)
	assert.Contains(t, d.Reason, "below threshold")
}

func TestResolve_ExactIDMatch(t *testing.T) {
	r := New(&fakeEmbedder{}, DefaultConfig(), nil)

	d, err := r.Resolve(context.Background(), "cccc3333-0000-0000-0000-000000000003", candidates())
	require.NoError(t, err)
	assert.Equal(t, BasisMatched, d.Basis)
	assert.Equal(t, "cccc3333-0000-0000-0000-000000000003", d.SessionID)
	assert.Equal(t, 1.0, d.Confidence)
}

func TestResolve_IDPrefixMatch(t *testing.T) {
	r := New(&fakeEmbedder{}, DefaultConfig(), nil)

	d, err := r.Resolve(context.Background(), "bbbb2222", candidates())
	require.NoError(t, err)
	assert.Equal(t, BasisMatched, d.Basis)
	assert.Equal(t, "bbbb2222-0000-0000-0000-000000000002", d.SessionID)
}

func TestResolve_EmbedderErrorDegradesToFallback(t *testing.T) {
	r := New(&fakeEmbedder{err: errors.New("quota exceeded")}, DefaultConfig(), nil)

	d, err := r.Resolve(context.Background(), "the kubernetes one", candidates())
	require.NoError(t, err)
	assert.Equal(t, BasisFallback, d.Basis)
	assert.Equal(t, "aaaa1111-0000-0000-0000-000000000001", d.SessionID)
	assert.Contains(t, d.Reason, "semantic matching unavailable")
}

func TestResolve_NilEmbedderDisablesSemanticMatching(t *testing.T) {
	r := New(nil, DefaultConfig(), nil)

	d, err := r.Resolve(context.Background(), "the kubernetes one", candidates())
	require.NoError(t, err)
	assert.Equal(t, BasisFallback, d.Basis)
}

func TestResolve_NoCandidates(t *testing.T) {
	r := New(&fakeEmbedder{}, DefaultConfig(), nil)

	_, err := r.Resolve(context.Background(), "anything", nil)
	assert.True(t, errors.Is(err, ErrNoSessions))
}

func TestCandidateText_Truncated(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCandidateChars = 10
	r := New(&fakeEmbedder{}, cfg, nil)

	s := session.New(strings.Repeat("x", 100))
	assert.Len(t, r.candidateText(s), 10)
}

func TestCandidateText_TruncatesOnRuneBoundary(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCandidateChars = 10
	r := New(&fakeEmbedder{}, cfg, nil)

	// Each é is two bytes; a byte-index cut at 10 would split the fifth
	// rune and hand the embedder invalid UTF-8.
	s := session.New("q" + strings.Repeat("é", 50))
	text := r.candidateText(s)
	assert.True(t, utf8.ValidString(text))
	assert.LessOrEqual(t, len(text), 10)
}
