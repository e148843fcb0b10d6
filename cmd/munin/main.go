// Package main provides the Munin CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/orneryd/munin/pkg/config"
	"github.com/orneryd/munin/pkg/ingest"
	"github.com/orneryd/munin/pkg/munin"
	"github.com/orneryd/munin/pkg/retrieve"
	"github.com/orneryd/munin/pkg/storage"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "munin",
		Short: "Munin - Knowledge Engine for LLM Agents",
		Long: `Munin keeps an AI agent's knowledge corpus consistent and retrievable.

Features:
  • Three-tier ingestion dedup (hash, vector, LLM judge)
  • Per-type merge strategies with human-review suggestions
  • Quality validation with quarantine for failing pieces
  • Hybrid retrieval with temporal decay and MMR diversity
  • Token-budgeted output ready for prompt injection`,
	}

	rootCmd.PersistentFlags().String("data-dir", "./data", "Data directory")
	rootCmd.PersistentFlags().String("config", "", "YAML config file (optional)")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Munin v%s (%s)\n", version, commit)
		},
	})

	// Ingest command
	ingestCmd := &cobra.Command{
		Use:   "ingest [content]",
		Short: "Ingest one piece of knowledge",
		Long:  "Ingest a piece of knowledge. Content comes from the argument, or from stdin when omitted.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runIngest,
	}
	ingestCmd.Flags().String("type", "FACT", "Knowledge type (FACT, PROCEDURE, INSTRUCTION, PREFERENCE, EPISODIC, NOTE, EXAMPLE)")
	ingestCmd.Flags().String("info-type", "", "Info type bucket for retrieval budgets (e.g. facts, skills)")
	ingestCmd.Flags().String("domain", "general", "Knowledge domain")
	ingestCmd.Flags().String("space", "", "Space (MAIN, PERSONAL; default MAIN)")
	ingestCmd.Flags().StringSlice("tags", nil, "Tags")
	ingestCmd.Flags().String("source", "cli", "Provenance source")
	ingestCmd.Flags().String("summary", "", "Short summary used under tight budgets")
	rootCmd.AddCommand(ingestCmd)

	// Search command
	searchCmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Retrieve knowledge for a query",
		Args:  cobra.ExactArgs(1),
		RunE:  runSearch,
	}
	searchCmd.Flags().String("domain", "", "Restrict to one domain")
	searchCmd.Flags().Int("limit", 10, "Maximum results")
	searchCmd.Flags().Float64("min-score", 0, "Minimum final score")
	searchCmd.Flags().StringSlice("spaces", nil, "Spaces to search (default MAIN and PERSONAL)")
	searchCmd.Flags().Bool("json", false, "Emit results as JSON")
	rootCmd.AddCommand(searchCmd)

	// Suggestions command group
	suggestionsCmd := &cobra.Command{
		Use:   "suggestions",
		Short: "Review pending merge suggestions",
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List pending suggestions in a scope",
		RunE:  runSuggestionsList,
	}
	listCmd.Flags().String("domain", "general", "Knowledge domain")
	listCmd.Flags().String("space", "MAIN", "Space")
	suggestionsCmd.AddCommand(listCmd)
	suggestionsCmd.AddCommand(&cobra.Command{
		Use:   "approve [suggestion-id]",
		Short: "Approve and apply a suggestion",
		Args:  cobra.ExactArgs(1),
		RunE:  makeSuggestionResolver(true),
	})
	suggestionsCmd.AddCommand(&cobra.Command{
		Use:   "reject [suggestion-id]",
		Short: "Reject a suggestion, keeping both pieces",
		Args:  cobra.ExactArgs(1),
		RunE:  makeSuggestionResolver(false),
	})
	rootCmd.AddCommand(suggestionsCmd)

	// Validate command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "validate [piece-id]",
		Short: "Re-run quality checks on a stored piece",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	})

	// Sweep command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Run maintenance: deferred dedup, validation, and expiry",
		RunE:  runSweep,
	})

	// Stats command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show corpus statistics",
		RunE:  runStats,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openDB builds a DB from the persistent flags. Environment variables
// still apply on top of the config file.
func openDB(cmd *cobra.Command) (*munin.DB, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	configPath, _ := cmd.Flags().GetString("config")

	var cfg *config.Config
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.LoadFromEnv()
	}

	if cfg.Storage.Backend == "badger" {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	return munin.Open(dataDir, cfg)
}

func runIngest(cmd *cobra.Command, args []string) error {
	content := ""
	if len(args) == 1 {
		content = args[0]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		content = strings.TrimSpace(string(data))
	}

	knowledgeType, _ := cmd.Flags().GetString("type")
	infoType, _ := cmd.Flags().GetString("info-type")
	domain, _ := cmd.Flags().GetString("domain")
	space, _ := cmd.Flags().GetString("space")
	tags, _ := cmd.Flags().GetStringSlice("tags")
	source, _ := cmd.Flags().GetString("source")
	summary, _ := cmd.Flags().GetString("summary")

	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	outcome, err := db.Ingest(ctx, &ingest.Candidate{
		Content:       content,
		KnowledgeType: storage.KnowledgeType(strings.ToUpper(knowledgeType)),
		InfoType:      infoType,
		Domain:        domain,
		Space:         storage.Space(strings.ToUpper(space)),
		Tags:          tags,
		Source:        source,
		Summary:       summary,
	})
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}

	switch outcome.Status {
	case ingest.StatusStored:
		fmt.Printf("✅ Stored as %s", outcome.PieceID)
	case ingest.StatusDiscarded:
		fmt.Printf("♻️  Duplicate of %s, discarded", outcome.PieceID)
	}
	if outcome.DedupAction != "" {
		fmt.Printf(" (dedup: %s)", outcome.DedupAction)
	}
	fmt.Println()
	if outcome.Suggestion != nil {
		fmt.Printf("💡 Merge suggestion %s pending review\n", outcome.Suggestion.ID)
	}
	if outcome.Validation != nil && !outcome.Validation.IsValid {
		fmt.Printf("⚠️  Validation failed, quarantined: %s\n", strings.Join(outcome.Validation.Issues, "; "))
	}
	if outcome.Degraded {
		fmt.Println("⚠️  Ingested degraded (embedding provider unavailable)")
	}
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	domain, _ := cmd.Flags().GetString("domain")
	limit, _ := cmd.Flags().GetInt("limit")
	minScore, _ := cmd.Flags().GetFloat64("min-score")
	spaceNames, _ := cmd.Flags().GetStringSlice("spaces")
	asJSON, _ := cmd.Flags().GetBool("json")

	spaces := make([]storage.Space, 0, len(spaceNames))
	for _, name := range spaceNames {
		spaces = append(spaces, storage.Space(strings.ToUpper(name)))
	}

	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	result, err := db.Retrieve(ctx, &retrieve.Request{
		Query:      args[0],
		Domain:     domain,
		Spaces:     spaces,
		MaxResults: limit,
		MinScore:   minScore,
	})
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	if result.Degraded {
		fmt.Printf("⚠️  Degraded search (%s only)\n\n", result.Method)
	}
	if result.Text == "" {
		fmt.Println("No results.")
		return nil
	}
	fmt.Println(result.Text)
	return nil
}

func runSuggestionsList(cmd *cobra.Command, args []string) error {
	domain, _ := cmd.Flags().GetString("domain")
	space, _ := cmd.Flags().GetString("space")

	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	suggestions, err := db.Suggestions(storage.Scope{
		Domain: domain,
		Space:  storage.Space(strings.ToUpper(space)),
	})
	if err != nil {
		return fmt.Errorf("listing suggestions: %w", err)
	}

	if len(suggestions) == 0 {
		fmt.Println("No pending suggestions.")
		return nil
	}
	for _, s := range suggestions {
		fmt.Printf("%s  %s  %s -> %s  (confidence %.2f, expires %s)\n",
			s.ID, strings.ToUpper(s.ProposedAction), s.CandidateID, s.MatchedID,
			s.Confidence, s.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func makeSuggestionResolver(approve bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		if err := db.ResolveSuggestion(ctx, storage.SuggestionID(args[0]), approve); err != nil {
			return fmt.Errorf("resolving suggestion: %w", err)
		}
		if approve {
			fmt.Println("✅ Suggestion applied")
		} else {
			fmt.Println("✅ Suggestion rejected")
		}
		return nil
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	result, err := db.Validate(ctx, storage.PieceID(args[0]))
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}

	if result.IsValid {
		fmt.Printf("✅ Passed %d checks (confidence %.2f)\n", len(result.ChecksPassed), result.Confidence)
		return nil
	}
	fmt.Printf("❌ Failed checks: %s\n", strings.Join(result.ChecksFailed, ", "))
	for _, issue := range result.Issues {
		fmt.Printf("   • %s\n", issue)
	}
	fmt.Println("   Piece moved to the developmental space.")
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	fmt.Println("🧹 Sweeping...")
	stats, err := db.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	fmt.Printf("   ✅ Scheduled %d validation jobs, %d expiry jobs\n",
		stats.ValidationJobs, stats.ExpiryJobs)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.Stats()
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}

	fmt.Printf("Pieces:         %d\n", stats.Pieces)
	fmt.Printf("Active:         %d\n", stats.Active)
	fmt.Printf("Embedded:       %d\n", stats.Embedded)
	fmt.Printf("Developmental:  %d\n", stats.Developmental)
	return nil
}
