package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yuancx2025/ai-frontier/internal/config"
	"github.com/yuancx2025/ai-frontier/internal/delivery"
	"github.com/yuancx2025/ai-frontier/internal/digest"
	"github.com/yuancx2025/ai-frontier/internal/llm"
	"github.com/yuancx2025/ai-frontier/internal/pipeline"
	"github.com/yuancx2025/ai-frontier/internal/score"
	"github.com/yuancx2025/ai-frontier/internal/scrape"
	"github.com/yuancx2025/ai-frontier/internal/storage"
)

func loadConfig() (config.Config, error) {
	return config.Load(cfgPath)
}

func openStore(cfg config.Config) (*storage.Store, error) {
	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return store, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newAdapter(cfg config.Config) *llm.Adapter {
	client := llm.NewClient(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Model, cfg.LLM.Timeout)
	return llm.NewAdapter(client)
}

func requireLLM(cfg config.Config) error {
	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("missing LLM API key: set FRONTIER_LLM_API_KEY or llm.api_key")
	}
	return nil
}

func buildOrchestrator(cfg config.Config, store *storage.Store) (*pipeline.Orchestrator, error) {
	adapter := newAdapter(cfg)
	transport, err := delivery.NewSMTPTransport(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From)
	if err != nil {
		return nil, fmt.Errorf("configuring mail transport: %w", err)
	}
	return pipeline.New(
		store,
		scrape.New(store, cfg.Sources),
		digest.NewBuilder(store, adapter),
		score.NewScorer(store, adapter),
		delivery.NewTracker(store),
		transport,
		pipeline.Options{
			TopN:            cfg.Digest.TopN,
			UserConcurrency: cfg.Digest.UserConcurrency,
		},
	), nil
}

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one full pipeline run (scrape, digest, score, send)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.ValidateRun(); err != nil {
			return err
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		o, err := buildOrchestrator(cfg, store)
		if err != nil {
			return err
		}

		ctx, stop := signalContext()
		defer stop()

		printStep("Starting pipeline run...")
		summary, err := o.Run(ctx)
		if err != nil {
			return err
		}

		printSuccess("Run %s complete", summary.RunID)
		printStatus("Items scraped", "%d", summary.ItemsScraped)
		printStatus("Digests built", "%d (%d skipped, %d clamped)", summary.DigestsBuilt, summary.ItemsSkipped, summary.ItemsClamped)
		printStatus("Scores computed", "%d (%d skipped)", summary.ScoresComputed, summary.ScoresSkipped)
		printStatus("Emails sent", "%d (%d skipped)", summary.EmailsSent, summary.EmailsSkipped)
		if summary.UsersFailed > 0 {
			printWarning("%d user(s) failed; their work stays pending for the next run", summary.UsersFailed)
		}
		return nil
	},
}

// --- scrape ---

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Fetch configured sources into the content store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if len(cfg.Sources) == 0 {
			return fmt.Errorf("no sources configured: add a sources list to %s", cfgPath)
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, stop := signalContext()
		defer stop()

		n, err := scrape.New(store, cfg.Sources).FetchAll(ctx)
		if err != nil {
			return err
		}
		printSuccess("Scraped %d new item(s) from %d source(s)", n, len(cfg.Sources))
		return nil
	},
}

// --- digest ---

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Categorize and summarize pending raw items",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := requireLLM(cfg); err != nil {
			return err
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, stop := signalContext()
		defer stop()

		stats, err := digest.NewBuilder(store, newAdapter(cfg)).BuildPending(ctx)
		if err != nil {
			return err
		}
		printSuccess("Built %d digest(s)", stats.Built)
		if stats.Skipped > 0 {
			printWarning("%d item(s) skipped, they stay pending for the next pass", stats.Skipped)
		}
		if stats.Clamped > 0 {
			printWarning("%d item(s) had malformed responses and were categorized as others", stats.Clamped)
		}
		return nil
	},
}

// --- score ---

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Compute relevance scores for all active users",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := requireLLM(cfg); err != nil {
			return err
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		profiles, err := store.ListActiveProfiles()
		if err != nil {
			return err
		}
		if len(profiles) == 0 {
			printWarning("No active profiles; run 'frontier profiles sync' first")
			return nil
		}

		ctx, stop := signalContext()
		defer stop()

		scorer := score.NewScorer(store, newAdapter(cfg))
		total, skipped := 0, 0
		for _, p := range profiles {
			stats, err := scorer.ScorePending(ctx, p)
			total += stats.Scored
			skipped += stats.Skipped
			if err != nil {
				printError("Scoring failed for %s: %v", p.UserID, err)
				continue
			}
			printStep("Scored %d digest(s) for %s", stats.Scored, p.UserID)
		}
		printSuccess("Computed %d score(s) across %d user(s)", total, len(profiles))
		if skipped > 0 {
			printWarning("%d pair(s) skipped, they stay pending for the next pass", skipped)
		}
		return nil
	},
}

// --- send ---

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send digest emails for scored, unsent content",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.SMTP.Host == "" || cfg.SMTP.From == "" {
			return fmt.Errorf("missing SMTP settings: set smtp.host and smtp.from")
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		o, err := buildOrchestrator(cfg, store)
		if err != nil {
			return err
		}

		ctx, stop := signalContext()
		defer stop()

		stats, err := o.DeliverAll(ctx)
		if err != nil {
			return err
		}
		printSuccess("Sent %d email(s), %d user(s) had nothing new", stats.Sent, stats.Skipped)
		if stats.Failed > 0 {
			printWarning("%d user(s) failed; their reservations stay pending", stats.Failed)
		}
		return nil
	},
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store counts, the latest run, and orphaned reservations",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("orphan-age")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		items, err := store.CountRawItems()
		if err != nil {
			return err
		}
		digests, err := store.CountDigests()
		if err != nil {
			return err
		}
		scores, err := store.CountScores()
		if err != nil {
			return err
		}
		sent, err := store.CountSentDispatches()
		if err != nil {
			return err
		}

		printStatus("Data dir", "%s", cfg.DataDir)
		printStatus("Raw items", "%d", items)
		printStatus("Digests", "%d", digests)
		printStatus("Scores", "%d", scores)
		printStatus("Emails sent", "%d", sent)

		run, err := store.LatestRun()
		switch {
		case err == storage.ErrNotFound:
			printStatus("Last run", "none")
		case err != nil:
			return err
		default:
			printStatus("Last run", "%s (%s, started %s)", run.ID, run.Stage, run.StartedAt.Format(time.RFC3339))
			if run.Error != "" {
				printWarning("Last run error: %s", run.Error)
			}
		}

		orphans, err := store.OrphanedReservations(time.Now().UTC().Add(-olderThan))
		if err != nil {
			return err
		}
		if len(orphans) > 0 {
			printWarning("%d unconfirmed reservation(s) older than %s (will be re-attempted):", len(orphans), olderThan)
			for _, d := range orphans {
				fmt.Fprintf(os.Stderr, "    %s -> %s (reserved %s, run %s)\n",
					d.UserID, d.DigestID, d.ReservedAt.Format(time.RFC3339), d.BatchRunID)
			}
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Duration("orphan-age", time.Hour, "age after which an unconfirmed reservation is reported")
}

// --- profiles ---

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Manage user profiles",
}

var profilesSyncCmd = &cobra.Command{
	Use:   "sync <file>",
	Short: "Load profiles from a YAML file into the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		profiles, err := config.LoadProfiles(args[0])
		if err != nil {
			return err
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		for _, p := range profiles {
			if err := store.UpsertProfile(p); err != nil {
				return fmt.Errorf("upserting profile %s: %w", p.UserID, err)
			}
		}
		printSuccess("Synced %d profile(s)", len(profiles))
		return nil
	},
}

var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		profiles, err := store.ListActiveProfiles()
		if err != nil {
			return err
		}
		if len(profiles) == 0 {
			fmt.Println("No active profiles.")
			return nil
		}

		for _, p := range profiles {
			categories := strings.Join(p.PreferredCategories, ", ")
			if categories == "" {
				categories = "(none)"
			}
			fmt.Printf("%s  %s  %s\n",
				colorize(colorCyan, p.UserID),
				p.Email,
				categories,
			)
		}
		return nil
	},
}

var profilesShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Show one profile as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		p, err := store.GetProfile(args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	},
}

func init() {
	profilesCmd.AddCommand(profilesSyncCmd)
	profilesCmd.AddCommand(profilesListCmd)
	profilesCmd.AddCommand(profilesShowCmd)
}
