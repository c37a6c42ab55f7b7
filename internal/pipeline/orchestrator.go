// Package pipeline sequences one digest run end to end: scrape, build,
// score, select, reserve, send. Every stage checkpoints through persisted
// state, so a crashed run resumes on the next invocation without losing or
// repeating work.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yuancx2025/ai-frontier/internal/delivery"
	"github.com/yuancx2025/ai-frontier/internal/digest"
	"github.com/yuancx2025/ai-frontier/internal/score"
	"github.com/yuancx2025/ai-frontier/internal/storage"
)

const sendAttempts = 3

// Variable so tests can shrink the retry delay.
var sendBackoffBase = time.Second

// Scraper feeds the content store from external sources.
type Scraper interface {
	FetchAll(ctx context.Context) (int, error)
}

// Builder turns pending raw items into digests.
type Builder interface {
	BuildPending(ctx context.Context) (digest.BuildStats, error)
}

// Scorer ranks unscored digests for one user.
type Scorer interface {
	ScorePending(ctx context.Context, p storage.UserProfile) (score.Stats, error)
}

// Ledger is the dispatch tracker surface the orchestrator drives.
type Ledger interface {
	SelectTopN(userID string, n int) ([]storage.Candidate, error)
	Reserve(userID string, digestIDs []string, batchRunID string, at time.Time) error
	MarkSent(userID, digestID string, at time.Time) error
}

// Options tune one run.
type Options struct {
	TopN            int // digests per email
	UserConcurrency int // bound on the per-user worker pool
}

// Summary is the operator-visible result of one run. It is produced even
// when individual sub-steps failed; only fatal-class errors abort a run.
type Summary struct {
	RunID          string `json:"run_id"`
	ItemsScraped   int    `json:"items_scraped"`
	DigestsBuilt   int    `json:"digests_built"`
	ItemsSkipped   int    `json:"items_skipped"`
	ItemsClamped   int    `json:"items_clamped"`
	ScoresComputed int    `json:"scores_computed"`
	ScoresSkipped  int    `json:"scores_skipped"`
	EmailsSent     int    `json:"emails_sent"`
	EmailsSkipped  int    `json:"emails_skipped"` // users with nothing unsent to deliver
	UsersFailed    int    `json:"users_failed"`
}

// Orchestrator wires the pipeline stages together. It is the only component
// that touches all the others.
type Orchestrator struct {
	store     *storage.Store
	scraper   Scraper
	builder   Builder
	scorer    Scorer
	ledger    Ledger
	transport delivery.Transport
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an Orchestrator. Zero option fields take defaults (5 digests
// per email, 4 concurrent users).
func New(store *storage.Store, scraper Scraper, builder Builder, scorer Scorer, ledger Ledger, transport delivery.Transport, opts Options) *Orchestrator {
	if opts.TopN <= 0 {
		opts.TopN = 5
	}
	if opts.UserConcurrency <= 0 {
		opts.UserConcurrency = 4
	}
	return &Orchestrator{
		store:     store,
		scraper:   scraper,
		builder:   builder,
		scorer:    scorer,
		ledger:    ledger,
		transport: transport,
		opts:      opts,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// Run executes one full pipeline pass. Stages are strictly sequential;
// the per-user work inside the scoring and delivery stages runs on a
// bounded pool since users touch disjoint key spaces. A single item or
// user failing is recoverable (skipped, counted, retried next run); store
// errors and cancellation are fatal and finalize the run with its error.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	runID := uuid.New().String()
	summary := Summary{RunID: runID}

	if err := o.store.CreateRun(runID, o.now().UTC()); err != nil {
		return summary, fmt.Errorf("creating run record: %w", err)
	}

	fatal := func(err error) (Summary, error) {
		o.finish(runID, "", summary, err)
		return summary, err
	}

	// Stage 1: scrape. A scrape failure is recoverable; stored content
	// from earlier runs still flows through the remaining stages.
	scraped, err := o.scraper.FetchAll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return fatal(ctx.Err())
		}
		o.logger.Warn("scrape stage failed, continuing with stored content", "run", runID, "error", err)
	}
	summary.ItemsScraped = scraped
	if err := o.store.AdvanceRunStage(runID, storage.StageScrapeComplete); err != nil {
		return fatal(err)
	}

	// Stage 2: build digests. Digest persistence is the checkpoint: items
	// built here are never re-categorized by later runs.
	stats, err := o.builder.BuildPending(ctx)
	summary.DigestsBuilt = stats.Built
	summary.ItemsSkipped = stats.Skipped
	summary.ItemsClamped = stats.Clamped
	if err != nil {
		return fatal(fmt.Errorf("digest stage: %w", err))
	}
	if err := o.store.AdvanceRunStage(runID, storage.StageDigestsBuilt); err != nil {
		return fatal(err)
	}

	profiles, err := o.store.ListActiveProfiles()
	if err != nil {
		return fatal(fmt.Errorf("listing active profiles: %w", err))
	}

	// Stage 3: score per user.
	var mu sync.Mutex
	if err := o.forEachUser(ctx, profiles, func(ctx context.Context, p storage.UserProfile) {
		st, err := o.scorer.ScorePending(ctx, p)
		mu.Lock()
		summary.ScoresComputed += st.Scored
		summary.ScoresSkipped += st.Skipped
		if err != nil {
			summary.UsersFailed++
		}
		mu.Unlock()
		if err != nil {
			o.logger.Warn("scoring failed for user", "run", runID, "user", p.UserID, "error", err)
		}
	}); err != nil {
		return fatal(err)
	}
	if err := o.store.AdvanceRunStage(runID, storage.StageScoresComputed); err != nil {
		return fatal(err)
	}

	// Stages 4-5: select, reserve, send per user. One user's send failure
	// must not block another user's digest.
	if err := o.store.AdvanceRunStage(runID, storage.StageEmailsReserved); err != nil {
		return fatal(err)
	}
	if err := o.forEachUser(ctx, profiles, func(ctx context.Context, p storage.UserProfile) {
		sent, err := o.deliverToUser(ctx, runID, p)
		mu.Lock()
		switch {
		case err != nil:
			summary.UsersFailed++
		case sent:
			summary.EmailsSent++
		default:
			summary.EmailsSkipped++
		}
		mu.Unlock()
		if err != nil {
			o.logger.Warn("delivery failed for user", "run", runID, "user", p.UserID, "error", err)
		}
	}); err != nil {
		return fatal(err)
	}
	if err := o.store.AdvanceRunStage(runID, storage.StageEmailsSent); err != nil {
		return fatal(err)
	}

	o.finish(runID, storage.StageRunComplete, summary, nil)
	o.logger.Info("run complete",
		"run", runID,
		"items_scraped", summary.ItemsScraped,
		"digests_built", summary.DigestsBuilt,
		"items_skipped", summary.ItemsSkipped,
		"scores_computed", summary.ScoresComputed,
		"emails_sent", summary.EmailsSent,
		"emails_skipped", summary.EmailsSkipped,
		"users_failed", summary.UsersFailed,
	)
	return summary, nil
}

// DeliveryStats summarizes a standalone delivery pass.
type DeliveryStats struct {
	Sent    int
	Skipped int
	Failed  int
}

// DeliverAll runs only the delivery stage, outside a recorded run. It picks
// up whatever scored, unsent digests exist, including reservations a crashed
// run left unconfirmed.
func (o *Orchestrator) DeliverAll(ctx context.Context) (DeliveryStats, error) {
	batchID := uuid.New().String()

	profiles, err := o.store.ListActiveProfiles()
	if err != nil {
		return DeliveryStats{}, fmt.Errorf("listing active profiles: %w", err)
	}

	var (
		mu    sync.Mutex
		stats DeliveryStats
	)
	err = o.forEachUser(ctx, profiles, func(ctx context.Context, p storage.UserProfile) {
		sent, err := o.deliverToUser(ctx, batchID, p)
		mu.Lock()
		switch {
		case err != nil:
			stats.Failed++
		case sent:
			stats.Sent++
		default:
			stats.Skipped++
		}
		mu.Unlock()
		if err != nil {
			o.logger.Warn("delivery failed for user", "user", p.UserID, "error", err)
		}
	})
	return stats, err
}

// forEachUser runs fn for every profile on a bounded pool. fn owns its own
// failure accounting; only cancellation propagates as an error.
func (o *Orchestrator) forEachUser(ctx context.Context, profiles []storage.UserProfile, fn func(context.Context, storage.UserProfile)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.UserConcurrency)
	for _, p := range profiles {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fn(gctx, p)
			return nil
		})
	}
	return g.Wait()
}

// deliverToUser selects the user's top candidates, reserves them, sends one
// email, and finalizes the ledger. Returns whether an email went out.
func (o *Orchestrator) deliverToUser(ctx context.Context, runID string, p storage.UserProfile) (bool, error) {
	candidates, err := o.ledger.SelectTopN(p.UserID, o.opts.TopN)
	if err != nil {
		return false, fmt.Errorf("selecting candidates: %w", err)
	}
	if len(candidates) == 0 {
		return false, nil
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.DigestID
	}

	// Reserve before the network call: if we crash past this point the
	// NULL sent_at rows make the in-flight attempt visible to the next run.
	if err := o.ledger.Reserve(p.UserID, ids, runID, o.now().UTC()); err != nil {
		return false, fmt.Errorf("reserving dispatches: %w", err)
	}

	email, err := delivery.ComposeDigest(p, candidates, o.now())
	if err != nil {
		return false, fmt.Errorf("composing email: %w", err)
	}

	if err := o.sendWithRetry(ctx, p.Email, email); err != nil {
		// Reservation stays unconfirmed; the next run re-attempts it.
		return false, fmt.Errorf("sending email: %w", err)
	}

	sentAt := o.now().UTC()
	for _, id := range ids {
		if err := o.ledger.MarkSent(p.UserID, id, sentAt); err != nil {
			// The email is already out. Leaving the row unconfirmed means a
			// possible duplicate next run, which is the accepted trade-off.
			o.logger.Error("failed to finalize dispatch", "run", runID, "user", p.UserID, "digest", id, "error", err)
		}
	}
	return true, nil
}

func (o *Orchestrator) sendWithRetry(ctx context.Context, to string, email delivery.Email) error {
	var lastErr error
	for attempt := range sendAttempts {
		lastErr = o.transport.Send(ctx, to, email.Subject, email.HTML, email.Text)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < sendAttempts-1 {
			backoff := time.Duration(float64(sendBackoffBase) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("%d attempts exhausted: %w", sendAttempts, lastErr)
}

// finish finalizes the run row; failures here are logged, not propagated,
// since the run outcome itself is already decided.
func (o *Orchestrator) finish(runID, stage string, summary Summary, runErr error) {
	data, err := json.Marshal(summary)
	if err != nil {
		o.logger.Error("failed to encode run summary", "run", runID, "error", err)
		data = []byte("{}")
	}
	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}
	if stage == "" {
		// Fatal path: keep the last reached stage on the row.
		run, err := o.store.LatestRun()
		if err == nil && run.ID == runID {
			stage = run.Stage
		} else {
			stage = storage.StageStarted
		}
	}
	if err := o.store.FinishRun(runID, o.now().UTC(), stage, string(data), errText); err != nil {
		o.logger.Error("failed to finalize run record", "run", runID, "error", err)
	}
}
