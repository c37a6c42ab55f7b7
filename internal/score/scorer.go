// Package score computes per-user relevance rankings over the digest corpus.
package score

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/yuancx2025/ai-frontier/internal/llm"
	"github.com/yuancx2025/ai-frontier/internal/storage"
)

const (
	// categoryBoost is added when the digest's category is in the user's
	// preferred set. Being additive over a non-negative base keeps the
	// ranking monotonic in category membership.
	categoryBoost = 2.0

	// maxRecencyPenalty is the largest deduction for stale content;
	// the penalty grows linearly until recencyWindow and flattens after.
	maxRecencyPenalty = 2.0
	recencyWindow     = 14 * 24 * time.Hour
)

// RelevanceScorer abstracts the LLM relevance-scoring capability.
type RelevanceScorer interface {
	ScoreRelevance(ctx context.Context, summary string, p storage.UserProfile) (float64, error)
}

// Scorer writes one relevance score per (user, digest) pair. Already-scored
// pairs are never rescanned: the LLM is the dominant cost and a stable score
// keeps the ranking deterministic as the corpus grows.
type Scorer struct {
	store  *storage.Store
	llm    RelevanceScorer
	logger *slog.Logger
	now    func() time.Time
}

// NewScorer creates a Scorer over the given store and relevance capability.
func NewScorer(store *storage.Store, rs RelevanceScorer) *Scorer {
	return &Scorer{
		store:  store,
		llm:    rs,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// Stats summarizes one ScorePending pass for a single user.
type Stats struct {
	Scored  int
	Skipped int
}

// ScorePending scores every digest the given user has no score for yet.
// Transient LLM failures skip the pair (it stays pending for the next run);
// malformed responses score from a zero base rather than blocking the
// pipeline. Store failures abort the pass.
func (s *Scorer) ScorePending(ctx context.Context, p storage.UserProfile) (Stats, error) {
	var stats Stats

	digests, err := s.store.ListUnscoredDigests(p.UserID)
	if err != nil {
		return stats, err
	}

	for _, d := range digests {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		base, err := s.llm.ScoreRelevance(ctx, d.Summary, p)
		switch {
		case errors.Is(err, llm.ErrMalformed):
			s.logger.Warn("relevance response malformed, scoring from zero base",
				"user", p.UserID, "digest", d.ID, "error", err)
			base = 0
		case err != nil:
			stats.Skipped++
			s.logger.Warn("relevance scoring failed, pair stays pending",
				"user", p.UserID, "digest", d.ID, "error", err)
			continue
		}

		created, err := s.store.InsertScore(storage.Score{
			UserID:         p.UserID,
			DigestID:       d.ID,
			RelevanceScore: s.relevance(base, d, p),
			ScoredAt:       s.now().UTC(),
		})
		if err != nil {
			return stats, err
		}
		if created {
			stats.Scored++
		}
	}

	return stats, nil
}

// relevance combines the LLM base score (0-10), the preferred-category
// boost, and a recency penalty. The result is floored at zero so the boost
// can never be cancelled into a ranking inversion.
func (s *Scorer) relevance(base float64, d storage.Digest, p storage.UserProfile) float64 {
	score := base
	if p.PrefersCategory(d.Category) {
		score += categoryBoost
	}
	score -= recencyPenalty(s.now().Sub(d.PublishedAt))
	if score < 0 {
		return 0
	}
	return score
}

func recencyPenalty(age time.Duration) float64 {
	if age <= 0 {
		return 0
	}
	if age >= recencyWindow {
		return maxRecencyPenalty
	}
	return maxRecencyPenalty * float64(age) / float64(recencyWindow)
}
