package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// UpsertProfile creates or replaces a user profile. Profiles are owned by an
// external profile-management collaborator; the pipeline only reads them.
func (s *Store) UpsertProfile(p UserProfile) error {
	cats, err := json.Marshal(p.PreferredCategories)
	if err != nil {
		return fmt.Errorf("encoding preferred categories: %w", err)
	}
	active := 0
	if p.IsActive {
		active = 1
	}
	_, err = s.db.Exec(`
		INSERT INTO user_profiles (user_id, email, name, preferred_categories, preferences, expertise_level, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			email = excluded.email,
			name = excluded.name,
			preferred_categories = excluded.preferred_categories,
			preferences = excluded.preferences,
			expertise_level = excluded.expertise_level,
			is_active = excluded.is_active`,
		p.UserID, p.Email, p.Name, string(cats), p.Preferences, p.ExpertiseLevel, active,
	)
	return err
}

// GetProfile returns one profile by user id.
func (s *Store) GetProfile(userID string) (UserProfile, error) {
	row := s.db.QueryRow(`
		SELECT user_id, email, name, preferred_categories, preferences, expertise_level, is_active
		FROM user_profiles WHERE user_id = ?`, userID)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return UserProfile{}, ErrNotFound
	}
	return p, err
}

// ListActiveProfiles returns all profiles with is_active set, ordered by
// user id for deterministic iteration.
func (s *Store) ListActiveProfiles() ([]UserProfile, error) {
	rows, err := s.db.Query(`
		SELECT user_id, email, name, preferred_categories, preferences, expertise_level, is_active
		FROM user_profiles WHERE is_active = 1 ORDER BY user_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []UserProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func scanProfile(row interface {
	Scan(dest ...any) error
}) (UserProfile, error) {
	var p UserProfile
	var cats string
	var active int
	err := row.Scan(&p.UserID, &p.Email, &p.Name, &cats, &p.Preferences, &p.ExpertiseLevel, &active)
	if err != nil {
		return UserProfile{}, err
	}
	if err := json.Unmarshal([]byte(cats), &p.PreferredCategories); err != nil {
		return UserProfile{}, fmt.Errorf("decoding preferred categories for %s: %w", p.UserID, err)
	}
	p.IsActive = active != 0
	return p, nil
}
