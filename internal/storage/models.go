package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// RawItem is one scraped unit of content (article or video). Raw items are
// keyed by (source_name, source_id) and are never deleted; re-scraping the
// same identity updates the row in place.
type RawItem struct {
	ID          int64
	SourceName  string
	SourceID    string
	Title       string
	Body        string
	URL         string
	PublishedAt time.Time
	FetchedAt   time.Time
}

// DigestID derives the digest identity for this raw item.
func (r RawItem) DigestID() string {
	return r.SourceName + ":" + r.SourceID
}

// Digest is the categorized, summarized form of exactly one raw item.
// A digest is immutable once written.
//
// Title, URL, and PublishedAt are populated from the raw_items join on
// reads; they are not columns of the digests table.
type Digest struct {
	ID          string
	RawItemID   int64
	Category    string
	Summary     string
	Confidence  float64
	Rationale   string
	ProcessedAt time.Time

	Title       string
	URL         string
	PublishedAt time.Time
}

// UserProfile is a named preference vector. Profiles are managed by an
// external collaborator and read-only to the pipeline.
type UserProfile struct {
	UserID              string
	Email               string
	Name                string
	PreferredCategories []string
	Preferences         string // free-text modifiers, e.g. "prefer practical, avoid marketing"
	ExpertiseLevel      string
	IsActive            bool
}

// PrefersCategory reports whether category is in the profile's preferred set.
func (p UserProfile) PrefersCategory(category string) bool {
	for _, c := range p.PreferredCategories {
		if c == category {
			return true
		}
	}
	return false
}

// Score is the relevance pairing of one digest to one user. At most one row
// exists per (user_id, digest_id); a score is never updated once written.
type Score struct {
	UserID         string
	DigestID       string
	RelevanceScore float64
	ScoredAt       time.Time
}

// Dispatch is one row of the delivery ledger. A row is reserved (SentAt nil)
// before a send is attempted and finalized only on confirmed transport
// success. A row with non-nil SentAt is never selected for sending again.
type Dispatch struct {
	UserID     string
	DigestID   string
	BatchRunID string
	ReservedAt time.Time
	SentAt     *time.Time
}

// Candidate is a ranked, never-sent digest selected for delivery to a user.
type Candidate struct {
	DigestID       string
	RelevanceScore float64
	Category       string
	Summary        string
	Title          string
	URL            string
	PublishedAt    time.Time
}

// Run stage checkpoints, in execution order.
const (
	StageStarted        = "STARTED"
	StageScrapeComplete = "SCRAPE_COMPLETE"
	StageDigestsBuilt   = "DIGESTS_BUILT"
	StageScoresComputed = "SCORES_COMPUTED"
	StageEmailsReserved = "EMAILS_RESERVED"
	StageEmailsSent     = "EMAILS_SENT"
	StageRunComplete    = "RUN_COMPLETE"
)

// Run records one end-to-end pipeline execution and its last reached stage.
type Run struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  *time.Time
	Stage       string
	SummaryJSON string
	Error       string
}
