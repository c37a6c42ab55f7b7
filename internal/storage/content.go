package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertRawItems inserts or updates the given items for one source, keyed by
// (source_name, source_id). Re-delivery of an already-stored source_id
// updates the row in place and is never counted as new. Returns the number
// of newly created rows.
func (s *Store) UpsertRawItems(sourceName string, items []RawItem) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	newCount := 0
	for _, item := range items {
		var existing int64
		err := tx.QueryRow(
			"SELECT id FROM raw_items WHERE source_name = ? AND source_id = ?",
			sourceName, item.SourceID,
		).Scan(&existing)

		switch {
		case err == sql.ErrNoRows:
			_, err = tx.Exec(`
				INSERT INTO raw_items (source_name, source_id, title, body, url, published_at, fetched_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				sourceName, item.SourceID, item.Title, item.Body, item.URL,
				item.PublishedAt.UTC().Format(time.RFC3339),
				item.FetchedAt.UTC().Format(time.RFC3339),
			)
			if err != nil {
				return 0, fmt.Errorf("inserting raw item %s/%s: %w", sourceName, item.SourceID, err)
			}
			newCount++
		case err != nil:
			return 0, fmt.Errorf("checking raw item %s/%s: %w", sourceName, item.SourceID, err)
		default:
			_, err = tx.Exec(`
				UPDATE raw_items SET title = ?, body = ?, url = ?, published_at = ?, fetched_at = ?
				WHERE id = ?`,
				item.Title, item.Body, item.URL,
				item.PublishedAt.UTC().Format(time.RFC3339),
				item.FetchedAt.UTC().Format(time.RFC3339),
				existing,
			)
			if err != nil {
				return 0, fmt.Errorf("updating raw item %s/%s: %w", sourceName, item.SourceID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing upsert: %w", err)
	}
	return newCount, nil
}

// ListPendingRawItems returns raw items that have no digest yet, oldest
// published_at first.
func (s *Store) ListPendingRawItems() ([]RawItem, error) {
	rows, err := s.db.Query(`
		SELECT r.id, r.source_name, r.source_id, r.title, r.body, r.url, r.published_at, r.fetched_at
		FROM raw_items r
		LEFT JOIN digests d ON d.raw_item_id = r.id
		WHERE d.id IS NULL
		ORDER BY r.published_at ASC, r.id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []RawItem
	for rows.Next() {
		var item RawItem
		var publishedAt, fetchedAt string
		if err := rows.Scan(&item.ID, &item.SourceName, &item.SourceID, &item.Title, &item.Body, &item.URL, &publishedAt, &fetchedAt); err != nil {
			return nil, err
		}
		if item.PublishedAt, err = time.Parse(time.RFC3339, publishedAt); err != nil {
			return nil, fmt.Errorf("parsing published_at: %w", err)
		}
		if item.FetchedAt, err = time.Parse(time.RFC3339, fetchedAt); err != nil {
			return nil, fmt.Errorf("parsing fetched_at: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// CountRawItems returns the total number of stored raw items.
func (s *Store) CountRawItems() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM raw_items").Scan(&n)
	return n, err
}

// InsertDigest writes a digest if none exists for its raw item. Digests are
// write-once: inserting a digest whose id or raw item already has one is a
// no-op. Returns true if a row was created.
func (s *Store) InsertDigest(d Digest) (bool, error) {
	res, err := s.db.Exec(`
		INSERT INTO digests (id, raw_item_id, category, summary, confidence, rationale, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		d.ID, d.RawItemID, d.Category, d.Summary, d.Confidence, d.Rationale,
		d.ProcessedAt.UTC().Format(time.RFC3339),
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

const digestColumns = `
	d.id, d.raw_item_id, d.category, d.summary, d.confidence, d.rationale, d.processed_at,
	r.title, r.url, r.published_at`

func scanDigest(rows interface {
	Scan(dest ...any) error
}) (Digest, error) {
	var d Digest
	var processedAt, publishedAt string
	err := rows.Scan(&d.ID, &d.RawItemID, &d.Category, &d.Summary, &d.Confidence, &d.Rationale,
		&processedAt, &d.Title, &d.URL, &publishedAt)
	if err != nil {
		return Digest{}, err
	}
	if d.ProcessedAt, err = time.Parse(time.RFC3339, processedAt); err != nil {
		return Digest{}, fmt.Errorf("parsing processed_at: %w", err)
	}
	if d.PublishedAt, err = time.Parse(time.RFC3339, publishedAt); err != nil {
		return Digest{}, fmt.Errorf("parsing published_at: %w", err)
	}
	return d, nil
}

// GetDigest returns one digest by id, joined with its raw item metadata.
func (s *Store) GetDigest(id string) (Digest, error) {
	row := s.db.QueryRow(`
		SELECT`+digestColumns+`
		FROM digests d
		JOIN raw_items r ON r.id = d.raw_item_id
		WHERE d.id = ?`, id)
	d, err := scanDigest(row)
	if err == sql.ErrNoRows {
		return Digest{}, ErrNotFound
	}
	return d, err
}

// ListRecentDigests returns the most recently published digests.
func (s *Store) ListRecentDigests(limit int) ([]Digest, error) {
	rows, err := s.db.Query(`
		SELECT`+digestColumns+`
		FROM digests d
		JOIN raw_items r ON r.id = d.raw_item_id
		ORDER BY r.published_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDigests(rows)
}

// SearchDigests returns digests whose title or summary contains the query
// substring, newest first.
func (s *Store) SearchDigests(query string, limit int) ([]Digest, error) {
	pattern := "%" + query + "%"
	rows, err := s.db.Query(`
		SELECT`+digestColumns+`
		FROM digests d
		JOIN raw_items r ON r.id = d.raw_item_id
		WHERE r.title LIKE ? OR d.summary LIKE ?
		ORDER BY r.published_at DESC
		LIMIT ?`, pattern, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDigests(rows)
}

// ListUnscoredDigests returns digests with no score row for the given user,
// oldest published_at first.
func (s *Store) ListUnscoredDigests(userID string) ([]Digest, error) {
	rows, err := s.db.Query(`
		SELECT`+digestColumns+`
		FROM digests d
		JOIN raw_items r ON r.id = d.raw_item_id
		LEFT JOIN scores sc ON sc.digest_id = d.id AND sc.user_id = ?
		WHERE sc.digest_id IS NULL
		ORDER BY r.published_at ASC, d.id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDigests(rows)
}

func collectDigests(rows *sql.Rows) ([]Digest, error) {
	var digests []Digest
	for rows.Next() {
		d, err := scanDigest(rows)
		if err != nil {
			return nil, err
		}
		digests = append(digests, d)
	}
	return digests, rows.Err()
}

// CountDigests returns the total number of stored digests.
func (s *Store) CountDigests() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM digests").Scan(&n)
	return n, err
}
