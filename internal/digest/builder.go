// Package digest turns pending raw items into immutable digest records via
// the categorization adapter.
package digest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/yuancx2025/ai-frontier/internal/llm"
	"github.com/yuancx2025/ai-frontier/internal/storage"
)

// Categorizer abstracts the categorize-and-summarize capability.
type Categorizer interface {
	Categorize(ctx context.Context, text string) (llm.Annotation, error)
}

// BuildStats summarizes one BuildPending pass.
type BuildStats struct {
	Built   int // digests created
	Skipped int // items left pending after a transient adapter failure
	Clamped int // items persisted with a clamped "others" category
}

// Builder scans raw items that have no digest yet and persists exactly one
// digest per item. Items are processed independently: a failure on one item
// never aborts the batch.
type Builder struct {
	store       *storage.Store
	categorizer Categorizer
	logger      *slog.Logger
	now         func() time.Time
}

// NewBuilder creates a Builder over the given store and adapter.
func NewBuilder(store *storage.Store, categorizer Categorizer) *Builder {
	return &Builder{
		store:       store,
		categorizer: categorizer,
		logger:      slog.Default(),
		now:         time.Now,
	}
}

// BuildPending categorizes every raw item lacking a digest, oldest
// published_at first. Transient adapter failures skip the item (it stays
// pending and is retried on the next run); malformed responses clamp to the
// "others" category and persist anyway, since an item lost to a parsing
// glitch can never be recovered once superseded by newer content. Store
// failures abort the pass.
func (b *Builder) BuildPending(ctx context.Context) (BuildStats, error) {
	var stats BuildStats

	items, err := b.store.ListPendingRawItems()
	if err != nil {
		return stats, err
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		ann, err := b.categorizer.Categorize(ctx, item.Title+"\n\n"+item.Body)
		switch {
		case errors.Is(err, llm.ErrMalformed):
			stats.Clamped++
			b.logger.Warn("categorization response malformed, clamping to others",
				"source", item.SourceName, "source_id", item.SourceID, "error", err)
		case err != nil:
			stats.Skipped++
			b.logger.Warn("categorization failed, item stays pending",
				"source", item.SourceName, "source_id", item.SourceID, "error", err)
			continue
		}

		created, err := b.store.InsertDigest(storage.Digest{
			ID:          item.DigestID(),
			RawItemID:   item.ID,
			Category:    llm.NormalizeCategory(ann.Category),
			Summary:     ann.Summary,
			Confidence:  ann.Confidence,
			Rationale:   ann.Rationale,
			ProcessedAt: b.now().UTC(),
		})
		if err != nil {
			return stats, err
		}
		if created {
			stats.Built++
		}
	}

	return stats, nil
}
