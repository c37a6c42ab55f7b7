// Package api exposes the pipeline over HTTP for operators and over MCP for
// agent tooling. The HTTP surface is read-mostly: the only mutation is
// triggering a run.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/yuancx2025/ai-frontier/internal/pipeline"
	"github.com/yuancx2025/ai-frontier/internal/storage"
)

// RunFunc triggers one synchronous pipeline run.
type RunFunc func(ctx context.Context) (pipeline.Summary, error)

// Deps holds the handler dependencies.
type Deps struct {
	Store  *storage.Store
	Runner RunFunc
	Token  string
}

// NewHandler returns the admin HTTP handler. Everything except the health
// probe sits behind bearer-token auth.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/runs", handleTriggerRun(deps))
		r.Get("/runs", handleListRuns(deps))
		r.Get("/runs/latest", handleLatestRun(deps))
		r.Get("/digests", handleListDigests(deps))
		r.Get("/digests/{id}", handleGetDigest(deps))
		r.Get("/profiles", handleListProfiles(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := deps.Store.CountRawItems()
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "store unavailable: %v", err)
			return
		}
		digests, err := deps.Store.CountDigests()
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "store unavailable: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"raw_items": items,
			"digests":   digests,
		})
	}
}

func handleTriggerRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := deps.Runner(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "run failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(summary)
	}
}

func handleListRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		runs, err := deps.Store.ListRuns(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list runs: %v", err)
			return
		}
		if runs == nil {
			runs = []storage.Run{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(runs)
	}
}

func handleLatestRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := deps.Store.LatestRun()
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no runs recorded")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get latest run: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(run)
	}
}

func handleListDigests(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		query := r.URL.Query().Get("q")

		var (
			digests []storage.Digest
			err     error
		)
		if query != "" {
			digests, err = deps.Store.SearchDigests(query, limit)
		} else {
			digests, err = deps.Store.ListRecentDigests(limit)
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list digests: %v", err)
			return
		}
		if digests == nil {
			digests = []storage.Digest{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(digests)
	}
}

func handleGetDigest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		d, err := deps.Store.GetDigest(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "digest not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get digest: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(d)
	}
}

func handleListProfiles(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		profiles, err := deps.Store.ListActiveProfiles()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list profiles: %v", err)
			return
		}
		if profiles == nil {
			profiles = []storage.UserProfile{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(profiles)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"type":    errType,
			"message": msg,
		},
	})
}
