package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yuancx2025/ai-frontier/internal/storage"
)

// CategoryOthers is the fallback label for anything the model can't place.
const CategoryOthers = "others"

// Categories is the closed label set a digest may carry. Model output
// outside this set clamps to "others".
var Categories = []string{
	"technique",
	"research",
	"education",
	"announcement",
	"analysis",
	"tutorial",
	"opinion",
	"news",
	CategoryOthers,
}

// NormalizeCategory maps a raw model label onto the closed set.
func NormalizeCategory(raw string) string {
	label := strings.ToLower(strings.TrimSpace(raw))
	for _, c := range Categories {
		if label == c {
			return c
		}
	}
	return CategoryOthers
}

// Annotation is the structured output of one categorization call.
type Annotation struct {
	Category   string
	Summary    string
	Confidence float64
	Rationale  string
}

// Completer abstracts the chat completion call for testing.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Adapter wraps the LLM capability with the two call types the pipeline
// needs: categorize-and-summarize, and profile relevance scoring. The
// adapter is stateless per call.
type Adapter struct {
	completer Completer
}

// NewAdapter creates an Adapter over the given completion client.
func NewAdapter(c Completer) *Adapter {
	return &Adapter{completer: c}
}

// Categorization prompts keep the input bounded so a pathological scrape
// can't blow the context window.
const maxInputChars = 12000

const categorizeSystem = `You curate an AI-industry news digest. Given one content item,
respond with a single JSON object:
{"category": "<label>", "summary": "<2-3 sentence summary>", "confidence": <0.0-1.0>, "rationale": "<one sentence>"}
The category must be one of: technique, research, education, announcement, analysis, tutorial, opinion, news, others.`

// Categorize produces a category, summary, and confidence for one item's
// text. Empty input returns an "others" annotation without a model call.
// An unparseable response returns a degraded annotation alongside an error
// wrapping ErrMalformed; the caller may clamp and proceed.
func (a *Adapter) Categorize(ctx context.Context, text string) (Annotation, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Annotation{Category: CategoryOthers}, nil
	}
	if len(text) > maxInputChars {
		text = text[:maxInputChars]
	}

	resp, err := a.completer.Complete(ctx, categorizeSystem, text)
	if err != nil {
		return Annotation{}, err
	}

	var raw struct {
		Category   string  `json:"category"`
		Summary    string  `json:"summary"`
		Confidence float64 `json:"confidence"`
		Rationale  string  `json:"rationale"`
	}
	if err := parseJSONObject(resp, &raw); err != nil {
		// Degraded default: the item is never rejected over a parsing
		// glitch, since superseded content can't be recovered later.
		return Annotation{Category: CategoryOthers, Summary: clip(resp, 500)},
			fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return Annotation{
		Category:   NormalizeCategory(raw.Category),
		Summary:    strings.TrimSpace(raw.Summary),
		Confidence: clampFloat(raw.Confidence, 0, 1),
		Rationale:  strings.TrimSpace(raw.Rationale),
	}, nil
}

const relevanceSystem = `You rate how relevant a piece of AI-industry content is to one reader.
Respond with a single JSON object: {"score": <0.0-10.0>}`

// ScoreRelevance rates a digest summary against one user's stated
// preferences on a 0-10 scale. An empty summary scores zero without a model
// call. An unparseable response returns 0 alongside an error wrapping
// ErrMalformed.
func (a *Adapter) ScoreRelevance(ctx context.Context, summary string, p storage.UserProfile) (float64, error) {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return 0, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Reader preferences: %s\n", strings.Join(p.PreferredCategories, ", "))
	if p.Preferences != "" {
		fmt.Fprintf(&sb, "Reader notes: %s\n", p.Preferences)
	}
	if p.ExpertiseLevel != "" {
		fmt.Fprintf(&sb, "Reader expertise: %s\n", p.ExpertiseLevel)
	}
	fmt.Fprintf(&sb, "\nContent summary:\n%s", clip(summary, maxInputChars))

	resp, err := a.completer.Complete(ctx, relevanceSystem, sb.String())
	if err != nil {
		return 0, err
	}

	var raw struct {
		Score float64 `json:"score"`
	}
	if err := parseJSONObject(resp, &raw); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return clampFloat(raw.Score, 0, 10), nil
}

// parseJSONObject robustly extracts a JSON object from a model response.
// Models frequently wrap JSON in markdown code fences or prepend
// conversational filler, so the parser strips fences and unmarshals the
// substring between the first { and the last }.
func parseJSONObject(resp string, v any) error {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		if strings.HasPrefix(s, "json") {
			s = s[4:]
		}
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return fmt.Errorf("no JSON object in response")
	}

	if err := json.Unmarshal([]byte(s[start:end+1]), v); err != nil {
		return fmt.Errorf("unmarshal object: %w", err)
	}
	return nil
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
