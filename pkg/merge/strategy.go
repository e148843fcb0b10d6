// Package merge governs when and how deduplication verdicts are applied.
//
// Every knowledge type resolves to one of five strategies, which differ on
// two axes: timing (at ingest vs a later background job) and automation
// (apply the verdict vs park it as a human-approvable suggestion).
//
// The defaults encode how risky a wrong merge is per type. Facts and notes
// auto-merge at ingest because a duplicate fact is cheap to collapse and
// easy to undo. Procedures and preferences are manual-only because merging
// two procedures that differ in one step can produce one that is wrong in
// every step. Episodic records defer dedup to the background job so bulk
// session imports stay fast.
package merge

import (
	"github.com/orneryd/munin/pkg/storage"
)

// Strategy names when dedup runs and whether its verdict auto-applies.
type Strategy string

const (
	// AutoMergeOnIngest runs dedup synchronously and applies the verdict
	// before the write returns.
	AutoMergeOnIngest Strategy = "AUTO_MERGE_ON_INGEST"
	// SuggestionOnIngest runs dedup synchronously, stores the candidate
	// as new, and parks the verdict as a suggestion for human approval.
	SuggestionOnIngest Strategy = "SUGGESTION_ON_INGEST"
	// PostIngestionAuto stores immediately and lets the background job
	// dedup and apply later.
	PostIngestionAuto Strategy = "POST_INGESTION_AUTO"
	// PostIngestionSuggestion stores immediately and lets the background
	// job dedup and park a suggestion later.
	PostIngestionSuggestion Strategy = "POST_INGESTION_SUGGESTION"
	// ManualOnly never runs dedup automatically.
	ManualOnly Strategy = "MANUAL_ONLY"
)

// IngestTimeDedup reports whether dedup runs synchronously at ingest.
func (s Strategy) IngestTimeDedup() bool {
	return s == AutoMergeOnIngest || s == SuggestionOnIngest
}

// PostIngestion reports whether dedup is deferred to the background job.
func (s Strategy) PostIngestion() bool {
	return s == PostIngestionAuto || s == PostIngestionSuggestion
}

// AutoApply reports whether the dedup verdict is applied without human
// approval.
func (s Strategy) AutoApply() bool {
	return s == AutoMergeOnIngest || s == PostIngestionAuto
}

// Config maps knowledge types to strategies, with a fallback default for
// types not listed.
type Config struct {
	Default Strategy                           `yaml:"default"`
	PerType map[storage.KnowledgeType]Strategy `yaml:"per_type"`
}

// DefaultConfig returns the standard per-type strategy table. Unlisted
// types fall back to ManualOnly, the strategy that can never apply a
// wrong merge on its own.
func DefaultConfig() *Config {
	return &Config{
		Default: ManualOnly,
		PerType: map[storage.KnowledgeType]Strategy{
			storage.KnowledgeFact:        AutoMergeOnIngest,
			storage.KnowledgeNote:        AutoMergeOnIngest,
			storage.KnowledgeInstruction: SuggestionOnIngest,
			storage.KnowledgeExample:     SuggestionOnIngest,
			storage.KnowledgeProcedure:   ManualOnly,
			storage.KnowledgePreference:  ManualOnly,
			storage.KnowledgeEpisodic:    PostIngestionAuto,
		},
	}
}

// Resolve returns the strategy governing a knowledge type.
func (c *Config) Resolve(kt storage.KnowledgeType) Strategy {
	if s, ok := c.PerType[kt]; ok {
		return s
	}
	if c.Default != "" {
		return c.Default
	}
	return ManualOnly
}
