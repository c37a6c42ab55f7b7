package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yuancx2025/ai-frontier/internal/delivery"
	"github.com/yuancx2025/ai-frontier/internal/digest"
	"github.com/yuancx2025/ai-frontier/internal/score"
	"github.com/yuancx2025/ai-frontier/internal/storage"
)

type stubScraper struct {
	n   int
	err error
}

func (s stubScraper) FetchAll(context.Context) (int, error) { return s.n, s.err }

type stubBuilder struct {
	stats digest.BuildStats
	err   error
}

func (b stubBuilder) BuildPending(context.Context) (digest.BuildStats, error) {
	return b.stats, b.err
}

// storeScorer writes a fixed score per unscored digest, exercising the real
// write-once path the delivery stage selects from.
type storeScorer struct {
	store *storage.Store
	value float64
}

func (s storeScorer) ScorePending(_ context.Context, p storage.UserProfile) (score.Stats, error) {
	var stats score.Stats
	digests, err := s.store.ListUnscoredDigests(p.UserID)
	if err != nil {
		return stats, err
	}
	for _, d := range digests {
		created, err := s.store.InsertScore(storage.Score{
			UserID:         p.UserID,
			DigestID:       d.ID,
			RelevanceScore: s.value,
			ScoredAt:       time.Now().UTC(),
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

type failingScorer struct{}

func (failingScorer) ScorePending(context.Context, storage.UserProfile) (score.Stats, error) {
	return score.Stats{}, errors.New("model unavailable")
}

type sentEmail struct {
	to      string
	subject string
	text    string
}

type recordingTransport struct {
	mu       sync.Mutex
	sent     []sentEmail
	failTo   string // recipient whose sends always fail
	failures int
}

func (r *recordingTransport) Send(_ context.Context, to, subject, _, textBody string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if to == r.failTo {
		r.failures++
		return errors.New("smtp unavailable")
	}
	r.sent = append(r.sent, sentEmail{to: to, subject: subject, text: textBody})
	return nil
}

func init() {
	sendBackoffBase = time.Millisecond
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedDigest(t *testing.T, store *storage.Store, sourceID, category string, published time.Time) string {
	t.Helper()
	item := storage.RawItem{
		SourceID:    sourceID,
		Title:       "Title " + sourceID,
		Body:        "Body " + sourceID,
		URL:         "https://example.com/" + sourceID,
		PublishedAt: published,
		FetchedAt:   published,
	}
	if _, err := store.UpsertRawItems("lab", []storage.RawItem{item}); err != nil {
		t.Fatalf("upserting raw item: %v", err)
	}
	pending, err := store.ListPendingRawItems()
	if err != nil {
		t.Fatalf("listing pending: %v", err)
	}
	for _, p := range pending {
		if p.SourceID != sourceID {
			continue
		}
		if _, err := store.InsertDigest(storage.Digest{
			ID:          p.DigestID(),
			RawItemID:   p.ID,
			Category:    category,
			Summary:     "Summary " + sourceID,
			Confidence:  0.9,
			ProcessedAt: published,
		}); err != nil {
			t.Fatalf("inserting digest: %v", err)
		}
		return p.DigestID()
	}
	t.Fatalf("raw item %s not pending", sourceID)
	return ""
}

func seedProfile(t *testing.T, store *storage.Store, userID, email string) storage.UserProfile {
	t.Helper()
	p := storage.UserProfile{
		UserID:              userID,
		Email:               email,
		Name:                "User " + userID,
		PreferredCategories: []string{"research"},
		IsActive:            true,
	}
	if err := store.UpsertProfile(p); err != nil {
		t.Fatalf("upserting profile: %v", err)
	}
	return p
}

func newTestOrchestrator(store *storage.Store, scorer Scorer, transport delivery.Transport, opts Options) *Orchestrator {
	return New(store, stubScraper{n: 0}, stubBuilder{}, scorer, delivery.NewTracker(store), transport, opts)
}

func TestRun_EndToEnd(t *testing.T) {
	store := openTestStore(t)
	published := time.Now().UTC().Add(-24 * time.Hour)
	seedDigest(t, store, "a1", "research", published)
	seedDigest(t, store, "a2", "news", published.Add(time.Hour))
	seedProfile(t, store, "u1", "u1@example.com")

	transport := &recordingTransport{}
	o := newTestOrchestrator(store, storeScorer{store: store, value: 7}, transport, Options{TopN: 5})

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.ScoresComputed != 2 {
		t.Errorf("ScoresComputed = %d, want 2", summary.ScoresComputed)
	}
	if summary.EmailsSent != 1 {
		t.Errorf("EmailsSent = %d, want 1", summary.EmailsSent)
	}
	if summary.UsersFailed != 0 {
		t.Errorf("UsersFailed = %d, want 0", summary.UsersFailed)
	}
	if len(transport.sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(transport.sent))
	}
	if transport.sent[0].to != "u1@example.com" {
		t.Errorf("sent to %q", transport.sent[0].to)
	}
	if !strings.Contains(transport.sent[0].text, "Title a1") {
		t.Errorf("email body missing digest title: %q", transport.sent[0].text)
	}

	run, err := store.LatestRun()
	if err != nil {
		t.Fatalf("LatestRun: %v", err)
	}
	if run.Stage != storage.StageRunComplete {
		t.Errorf("run stage = %q, want %q", run.Stage, storage.StageRunComplete)
	}
	if run.FinishedAt == nil {
		t.Error("run has no finished_at")
	}
	var persisted Summary
	if err := json.Unmarshal([]byte(run.SummaryJSON), &persisted); err != nil {
		t.Fatalf("decoding persisted summary: %v", err)
	}
	if persisted.EmailsSent != 1 {
		t.Errorf("persisted EmailsSent = %d, want 1", persisted.EmailsSent)
	}

	// Ledger finalized: nothing left to select.
	remaining, err := store.SelectUnsentTop("u1", 10)
	if err != nil {
		t.Fatalf("SelectUnsentTop: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("%d candidates still selectable after send", len(remaining))
	}
}

func TestRun_SecondRunSendsNothing(t *testing.T) {
	store := openTestStore(t)
	seedDigest(t, store, "a1", "research", time.Now().UTC().Add(-time.Hour))
	seedProfile(t, store, "u1", "u1@example.com")

	transport := &recordingTransport{}
	o := newTestOrchestrator(store, storeScorer{store: store, value: 5}, transport, Options{})

	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}

	if summary.EmailsSent != 0 {
		t.Errorf("second run sent %d emails, want 0", summary.EmailsSent)
	}
	if summary.EmailsSkipped != 1 {
		t.Errorf("second run EmailsSkipped = %d, want 1", summary.EmailsSkipped)
	}
	if len(transport.sent) != 1 {
		t.Errorf("transport saw %d sends across both runs, want 1", len(transport.sent))
	}
}

func TestRun_TransportFailureLeavesReservationRetryable(t *testing.T) {
	store := openTestStore(t)
	digestID := seedDigest(t, store, "a1", "research", time.Now().UTC().Add(-time.Hour))
	seedProfile(t, store, "u1", "u1@example.com")

	transport := &recordingTransport{failTo: "u1@example.com"}
	o := newTestOrchestrator(store, storeScorer{store: store, value: 5}, transport, Options{})

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.UsersFailed != 1 {
		t.Errorf("UsersFailed = %d, want 1", summary.UsersFailed)
	}
	if summary.EmailsSent != 0 {
		t.Errorf("EmailsSent = %d, want 0", summary.EmailsSent)
	}
	if transport.failures != sendAttempts {
		t.Errorf("transport attempted %d sends, want %d", transport.failures, sendAttempts)
	}

	// The unconfirmed reservation stays selectable for the next run.
	remaining, err := store.SelectUnsentTop("u1", 10)
	if err != nil {
		t.Fatalf("SelectUnsentTop: %v", err)
	}
	if len(remaining) != 1 || remaining[0].DigestID != digestID {
		t.Fatalf("candidates after failed send = %+v, want the reserved digest", remaining)
	}

	// A run with per-user failures still completes.
	run, err := store.LatestRun()
	if err != nil {
		t.Fatalf("LatestRun: %v", err)
	}
	if run.Stage != storage.StageRunComplete {
		t.Errorf("run stage = %q, want %q", run.Stage, storage.StageRunComplete)
	}

	// Recovery: a working transport delivers the reserved digest.
	transport.failTo = ""
	summary, err = o.Run(context.Background())
	if err != nil {
		t.Fatalf("recovery Run: %v", err)
	}
	if summary.EmailsSent != 1 {
		t.Errorf("recovery run EmailsSent = %d, want 1", summary.EmailsSent)
	}
}

func TestRun_ScrapeFailureIsRecoverable(t *testing.T) {
	store := openTestStore(t)
	seedDigest(t, store, "a1", "research", time.Now().UTC().Add(-time.Hour))
	seedProfile(t, store, "u1", "u1@example.com")

	transport := &recordingTransport{}
	o := New(store,
		stubScraper{err: errors.New("all sources failed")},
		stubBuilder{},
		storeScorer{store: store, value: 5},
		delivery.NewTracker(store),
		transport,
		Options{},
	)

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed on scrape error, want continuation: %v", err)
	}
	if summary.EmailsSent != 1 {
		t.Errorf("EmailsSent = %d, want 1 from stored content", summary.EmailsSent)
	}
}

func TestRun_UserFailureIsolation(t *testing.T) {
	store := openTestStore(t)
	seedDigest(t, store, "a1", "research", time.Now().UTC().Add(-time.Hour))
	seedProfile(t, store, "u1", "u1@example.com")
	seedProfile(t, store, "u2", "u2@example.com")

	// u2's sends fail; u1 must still get a digest.
	transport := &recordingTransport{failTo: "u2@example.com"}
	o := newTestOrchestrator(store, storeScorer{store: store, value: 5}, transport, Options{UserConcurrency: 2})

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.EmailsSent != 1 {
		t.Errorf("EmailsSent = %d, want 1", summary.EmailsSent)
	}
	if summary.UsersFailed != 1 {
		t.Errorf("UsersFailed = %d, want 1", summary.UsersFailed)
	}
	if len(transport.sent) != 1 || transport.sent[0].to != "u1@example.com" {
		t.Errorf("sent = %+v, want exactly one email to u1", transport.sent)
	}
}

func TestRun_ScoringFailureCountsUserAndContinues(t *testing.T) {
	store := openTestStore(t)
	seedDigest(t, store, "a1", "research", time.Now().UTC().Add(-time.Hour))
	seedProfile(t, store, "u1", "u1@example.com")

	transport := &recordingTransport{}
	o := newTestOrchestrator(store, failingScorer{}, transport, Options{})

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.UsersFailed == 0 {
		t.Error("scoring failure not counted in UsersFailed")
	}
	// No scores were written, so nothing is deliverable.
	if summary.EmailsSent != 0 {
		t.Errorf("EmailsSent = %d, want 0", summary.EmailsSent)
	}
}

func TestRun_FatalBuilderErrorFinalizesRun(t *testing.T) {
	store := openTestStore(t)
	seedProfile(t, store, "u1", "u1@example.com")

	o := New(store,
		stubScraper{},
		stubBuilder{err: errors.New("disk full")},
		storeScorer{store: store},
		delivery.NewTracker(store),
		&recordingTransport{},
		Options{},
	)

	if _, err := o.Run(context.Background()); err == nil {
		t.Fatal("Run succeeded despite builder failure")
	}

	run, err := store.LatestRun()
	if err != nil {
		t.Fatalf("LatestRun: %v", err)
	}
	if run.Error == "" {
		t.Error("failed run has no recorded error")
	}
	if run.FinishedAt == nil {
		t.Error("failed run was not finalized")
	}
	if run.Stage == storage.StageRunComplete {
		t.Error("failed run reached RUN_COMPLETE")
	}
}

func TestRun_Cancellation(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := New(store,
		stubScraper{err: context.Canceled},
		stubBuilder{},
		storeScorer{store: store},
		delivery.NewTracker(store),
		&recordingTransport{},
		Options{},
	)

	if _, err := o.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
}
