package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// InsertScore writes a relevance score if the (user_id, digest_id) pair has
// none yet. Scores are write-once: re-scoring an already-scored pair is a
// no-op so the value used for ranking stays stable. Returns true if a row
// was created.
func (s *Store) InsertScore(sc Score) (bool, error) {
	res, err := s.db.Exec(`
		INSERT INTO scores (user_id, digest_id, relevance_score, scored_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, digest_id) DO NOTHING`,
		sc.UserID, sc.DigestID, sc.RelevanceScore,
		sc.ScoredAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountScores returns the total number of stored score rows.
func (s *Store) CountScores() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM scores").Scan(&n)
	return n, err
}

// SelectUnsentTop returns the user's n highest-scored digests that have no
// finalized dispatch. A reservation whose sent_at is still NULL remains
// selectable: an unconfirmed send from a prior run is re-attempted rather
// than silently dropped. Ties in score break by published_at descending.
func (s *Store) SelectUnsentTop(userID string, n int) ([]Candidate, error) {
	rows, err := s.db.Query(`
		SELECT sc.digest_id, sc.relevance_score, d.category, d.summary, r.title, r.url, r.published_at
		FROM scores sc
		JOIN digests d ON d.id = sc.digest_id
		JOIN raw_items r ON r.id = d.raw_item_id
		LEFT JOIN dispatches dp ON dp.user_id = sc.user_id AND dp.digest_id = sc.digest_id
		WHERE sc.user_id = ? AND dp.sent_at IS NULL
		ORDER BY sc.relevance_score DESC, r.published_at DESC
		LIMIT ?`, userID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var c Candidate
		var publishedAt string
		if err := rows.Scan(&c.DigestID, &c.RelevanceScore, &c.Category, &c.Summary, &c.Title, &c.URL, &publishedAt); err != nil {
			return nil, err
		}
		if c.PublishedAt, err = time.Parse(time.RFC3339, publishedAt); err != nil {
			return nil, fmt.Errorf("parsing published_at: %w", err)
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// ReserveDispatches writes a sent_at NULL ledger row per digest before any
// send is attempted, so a crash between reservation and confirmation is
// detectable on the next run. Re-reserving a pair whose prior reservation
// was never confirmed re-stamps it with the current run id; a finalized
// dispatch is left untouched.
func (s *Store) ReserveDispatches(userID string, digestIDs []string, batchRunID string, at time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning reserve transaction: %w", err)
	}
	defer tx.Rollback()

	reservedAt := at.UTC().Format(time.RFC3339)
	for _, id := range digestIDs {
		_, err := tx.Exec(`
			INSERT INTO dispatches (user_id, digest_id, batch_run_id, reserved_at, sent_at)
			VALUES (?, ?, ?, ?, NULL)
			ON CONFLICT(user_id, digest_id) DO UPDATE SET
				batch_run_id = excluded.batch_run_id,
				reserved_at = excluded.reserved_at
			WHERE dispatches.sent_at IS NULL`,
			userID, id, batchRunID, reservedAt,
		)
		if err != nil {
			return fmt.Errorf("reserving dispatch (%s, %s): %w", userID, id, err)
		}
	}
	return tx.Commit()
}

// MarkDispatchSent finalizes a reservation after confirmed transport
// success. Returns ErrNotFound if no unsent reservation exists for the pair.
func (s *Store) MarkDispatchSent(userID, digestID string, at time.Time) error {
	res, err := s.db.Exec(`
		UPDATE dispatches SET sent_at = ?
		WHERE user_id = ? AND digest_id = ? AND sent_at IS NULL`,
		at.UTC().Format(time.RFC3339), userID, digestID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDispatch returns the ledger row for one (user, digest) pair.
func (s *Store) GetDispatch(userID, digestID string) (Dispatch, error) {
	var d Dispatch
	var reservedAt string
	var sentAt sql.NullString
	err := s.db.QueryRow(`
		SELECT user_id, digest_id, batch_run_id, reserved_at, sent_at
		FROM dispatches WHERE user_id = ? AND digest_id = ?`,
		userID, digestID,
	).Scan(&d.UserID, &d.DigestID, &d.BatchRunID, &reservedAt, &sentAt)
	if err == sql.ErrNoRows {
		return Dispatch{}, ErrNotFound
	}
	if err != nil {
		return Dispatch{}, err
	}
	if d.ReservedAt, err = time.Parse(time.RFC3339, reservedAt); err != nil {
		return Dispatch{}, fmt.Errorf("parsing reserved_at: %w", err)
	}
	if sentAt.Valid {
		t, err := time.Parse(time.RFC3339, sentAt.String)
		if err != nil {
			return Dispatch{}, fmt.Errorf("parsing sent_at: %w", err)
		}
		d.SentAt = &t
	}
	return d, nil
}

// OrphanedReservations returns reservations still unconfirmed and older
// than the given cutoff. The send behind such a row may have succeeded with
// the confirmation never persisted; the accepted policy is to re-attempt
// (duplicate delivery over silent loss), which SelectUnsentTop already does.
// This listing exists for operator visibility.
func (s *Store) OrphanedReservations(olderThan time.Time) ([]Dispatch, error) {
	rows, err := s.db.Query(`
		SELECT user_id, digest_id, batch_run_id, reserved_at
		FROM dispatches
		WHERE sent_at IS NULL AND reserved_at < ?
		ORDER BY reserved_at ASC`,
		olderThan.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orphans []Dispatch
	for rows.Next() {
		var d Dispatch
		var reservedAt string
		if err := rows.Scan(&d.UserID, &d.DigestID, &d.BatchRunID, &reservedAt); err != nil {
			return nil, err
		}
		if d.ReservedAt, err = time.Parse(time.RFC3339, reservedAt); err != nil {
			return nil, fmt.Errorf("parsing reserved_at: %w", err)
		}
		orphans = append(orphans, d)
	}
	return orphans, rows.Err()
}

// CountSentDispatches returns the number of finalized dispatches.
func (s *Store) CountSentDispatches() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM dispatches WHERE sent_at IS NOT NULL").Scan(&n)
	return n, err
}
