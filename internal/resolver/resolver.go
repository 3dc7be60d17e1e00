// Package resolver maps a free-form session reference ("the kubernetes
// one", an id prefix, an empty string meaning "latest") onto a stored
// session. Resolution never guesses silently: every answer carries the
// basis it was reached on, so callers can tell a semantic match from a
// fallback to the most recent session.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"researchd/internal/embedding"
	"researchd/internal/session"
)

// ErrNoSessions reports that there was nothing to resolve against.
var ErrNoSessions = errors.New("no sessions to resolve against")

// Embedder is the slice of the embedding engine the resolver needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Basis states how a Decision was reached.
type Basis string

const (
	// BasisMatched means the reference matched a session directly, by id
	// or by embedding similarity above the threshold.
	BasisMatched Basis = "MATCHED"
	// BasisFallback means no candidate qualified and the most recently
	// updated session was chosen instead.
	BasisFallback Basis = "FALLBACK"
)

// Decision is a resolution outcome. Confidence is the cosine similarity
// of the winning candidate for semantic matches, 1.0 for id matches, and
// 0 for fallbacks.
type Decision struct {
	SessionID  string
	Basis      Basis
	Confidence float64
	Reason     string
}

// Config tunes the resolver.
type Config struct {
	// Threshold is the minimum cosine similarity for a semantic match.
	Threshold float64
	// MaxCandidateChars truncates the text embedded per candidate.
	MaxCandidateChars int
}

// DefaultConfig uses a threshold tuned against short research queries:
// unrelated topics land well under 0.5, paraphrases well over 0.6.
func DefaultConfig() Config {
	return Config{Threshold: 0.55, MaxCandidateChars: 2000}
}

// Resolver performs reference resolution over a candidate set.
type Resolver struct {
	embedder Embedder
	cfg      Config
	logger   *zap.Logger
}

// New creates a resolver. A nil embedder is allowed; semantic matching is
// then skipped and every non-id reference resolves by fallback.
func New(embedder Embedder, cfg Config, logger *zap.Logger) *Resolver {
	if cfg.Threshold <= 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{embedder: embedder, cfg: cfg, logger: logger.Named("resolver")}
}

// Resolve picks a session for reference. Candidates are expected in
// most-recently-updated-first order, as the store's List returns them.
// Resolution degrades, it does not fail: embedding errors and sub-threshold
// similarities both produce a FALLBACK decision naming the latest session.
func (r *Resolver) Resolve(ctx context.Context, reference string, candidates []*session.Session) (*Decision, error) {
	if len(candidates) == 0 {
		return nil, ErrNoSessions
	}
	latest := candidates[0]

	reference = strings.TrimSpace(reference)
	if reference == "" {
		return &Decision{
			SessionID: latest.ID,
			Basis:     BasisFallback,
			Reason:    "no reference given, using most recent session",
		}, nil
	}

	// Exact id or unambiguous id prefix wins outright.
	if d := r.resolveByID(reference, candidates); d != nil {
		return d, nil
	}

	if r.embedder == nil {
		return &Decision{
			SessionID: latest.ID,
			Basis:     BasisFallback,
			Reason:    "semantic matching disabled, using most recent session",
		}, nil
	}

	best, score, err := r.resolveSemantic(ctx, reference, candidates)
	if err != nil {
		r.logger.Warn("embedding failed, falling back to most recent session",
			zap.Error(err))
		return &Decision{
			SessionID: latest.ID,
			Basis:     BasisFallback,
			Reason:    fmt.Sprintf("semantic matching unavailable (%v), using most recent session", err),
		}, nil
	}
	if score >= r.cfg.Threshold {
		return &Decision{
			SessionID:  best.ID,
			Basis:      BasisMatched,
			Confidence: score,
			Reason:     fmt.Sprintf("query similarity %.2f", score),
		}, nil
	}
	return &Decision{
		SessionID: latest.ID,
		Basis:     BasisFallback,
		Reason: fmt.Sprintf("best similarity %.2f below threshold %.2f, using most recent session",
			score, r.cfg.Threshold),
	}, nil
}

func (r *Resolver) resolveByID(reference string, candidates []*session.Session) *Decision {
	if len(reference) < 4 {
		return nil
	}
	var hit *session.Session
	for _, s := range candidates {
		if s.ID == reference {
			return &Decision{SessionID: s.ID, Basis: BasisMatched, Confidence: 1, Reason: "exact id match"}
		}
		if strings.HasPrefix(s.ID, reference) {
			if hit != nil {
				return nil // ambiguous prefix, fall through to semantic
			}
			hit = s
		}
	}
	if hit == nil {
		return nil
	}
	return &Decision{SessionID: hit.ID, Basis: BasisMatched, Confidence: 1, Reason: "id prefix match"}
}

func (r *Resolver) resolveSemantic(ctx context.Context, reference string, candidates []*session.Session) (*session.Session, float64, error) {
	refVec, err := r.embedder.Embed(ctx, reference)
	if err != nil {
		return nil, 0, fmt.Errorf("embed reference: %w", err)
	}

	var best *session.Session
	bestScore := -1.0
	for _, s := range candidates {
		vec, err := r.embedder.Embed(ctx, r.candidateText(s))
		if err != nil {
			return nil, 0, fmt.Errorf("embed session %s: %w", s.ID, err)
		}
		score, err := embedding.CosineSimilarity(refVec, vec)
		if err != nil {
			return nil, 0, fmt.Errorf("compare session %s: %w", s.ID, err)
		}
		if score > bestScore {
			best, bestScore = s, score
		}
	}
	return best, bestScore, nil
}

// candidateText builds the text a session is matched on: the query plus
// whatever summary exists, truncated so long reports don't blow the
// embedding context.
func (r *Resolver) candidateText(s *session.Session) string {
	text := s.Query
	if s.Title != "" {
		text = s.Title + "\n" + text
	}
	if s.Summary != "" {
		text += "\n" + s.Summary
	}
	if max := r.cfg.MaxCandidateChars; max > 0 && len(text) > max {
		text = truncateAtRune(text, max)
	}
	return text
}

// truncateAtRune cuts text to at most max bytes without splitting a rune.
func truncateAtRune(text string, max int) string {
	if len(text) <= max {
		return text
	}
	for max > 0 && !utf8.RuneStart(text[max]) {
		max--
	}
	return text[:max]
}
