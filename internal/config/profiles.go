package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/yuancx2025/ai-frontier/internal/storage"
)

// profileEntry mirrors one profile in the profiles YAML file, which is the
// hand-off format from the external profile-management side.
type profileEntry struct {
	UserID              string   `yaml:"user_id"`
	Email               string   `yaml:"email"`
	Name                string   `yaml:"name"`
	PreferredCategories []string `yaml:"preferred_categories"`
	Preferences         string   `yaml:"preferences"`
	ExpertiseLevel      string   `yaml:"expertise_level"`
	IsActive            *bool    `yaml:"is_active"`
}

// LoadProfiles parses a profiles YAML file into user profiles. is_active
// defaults to true when omitted.
func LoadProfiles(path string) ([]storage.UserProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profiles file: %w", err)
	}

	var entries []profileEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing profiles file %s: %w", path, err)
	}

	profiles := make([]storage.UserProfile, 0, len(entries))
	for i, e := range entries {
		if e.UserID == "" {
			return nil, fmt.Errorf("profile %d: missing user_id", i)
		}
		if e.Email == "" {
			return nil, fmt.Errorf("profile %q: missing email", e.UserID)
		}
		active := true
		if e.IsActive != nil {
			active = *e.IsActive
		}
		profiles = append(profiles, storage.UserProfile{
			UserID:              e.UserID,
			Email:               e.Email,
			Name:                e.Name,
			PreferredCategories: e.PreferredCategories,
			Preferences:         e.Preferences,
			ExpertiseLevel:      e.ExpertiseLevel,
			IsActive:            active,
		})
	}
	return profiles, nil
}
