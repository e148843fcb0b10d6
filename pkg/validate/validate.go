// Package validate runs integrity checks over knowledge pieces.
//
// Eight checks exist. Security and privacy are fast regex scans with no
// external call, so leaked credentials or personal data are caught even
// when every model backend is down. The other six (correctness,
// authenticity, consistency, completeness, staleness, policy compliance)
// are delegated to the LLM judge in a single batched call.
//
// A failed check is a normal outcome, not an error: the piece stays
// stored, its space is forced to Developmental, and its status is set to
// Failed with the issues recorded. It is excluded from default retrieval
// until the issues are addressed. An unreachable judge IS an error here,
// because storing a half-checked piece as validated would be lying.
//
// Three triggers share this code: synchronous ingest-time validation,
// the post-ingestion background sweep over unvalidated pieces, and
// manual validation of a single piece id.
package validate

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/orneryd/munin/pkg/judge"
	"github.com/orneryd/munin/pkg/storage"
)

// Check names.
const (
	CheckCorrectness  = "correctness"
	CheckAuthenticity = "authenticity"
	CheckConsistency  = "consistency"
	CheckCompleteness = "completeness"
	CheckStaleness    = "staleness"
	CheckSecurity     = "security"
	CheckPrivacy      = "privacy"
	CheckPolicy       = "policy-compliance"
)

// AllChecks lists every check in canonical order.
var AllChecks = []string{
	CheckCorrectness,
	CheckAuthenticity,
	CheckConsistency,
	CheckCompleteness,
	CheckStaleness,
	CheckSecurity,
	CheckPrivacy,
	CheckPolicy,
}

// KnownCheck reports whether name is one of the defined checks.
func KnownCheck(name string) bool {
	for _, c := range AllChecks {
		if c == name {
			return true
		}
	}
	return false
}

// localChecks run in-process with no external call.
var localChecks = map[string]bool{
	CheckSecurity: true,
	CheckPrivacy:  true,
}

// Patterns that trip the privacy check: personal data that should not
// live in a shared knowledge corpus.
var privacyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), // email
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),                              // SSN
	regexp.MustCompile(`\b(?:\+?1[-. ]?)?\(?\d{3}\)?[-. ]\d{3}[-. ]\d{4}\b`), // US phone
}

// Patterns that trip the security check: credentials and key material.
var securityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:api[_-]?key|secret|password|passwd|access[_-]?token)\b\s*[:=]\s*\S{8,}`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), // AWS access key id
	regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH )?PRIVATE KEY-----`),
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`), // GitHub tokens
}

// Result is the outcome of validating one piece.
type Result struct {
	IsValid      bool     `json:"is_valid"`
	Confidence   float64  `json:"confidence"`
	Issues       []string `json:"issues,omitempty"`
	Suggestions  []string `json:"suggestions,omitempty"`
	ChecksPassed []string `json:"checks_passed"`
	ChecksFailed []string `json:"checks_failed,omitempty"`
}

// Config selects which checks run.
type Config struct {
	EnabledChecks []string `yaml:"enabled_checks"`
}

// DefaultConfig enables all eight checks.
func DefaultConfig() *Config {
	return &Config{EnabledChecks: append([]string(nil), AllChecks...)}
}

// Validator runs the configured checks against pieces.
type Validator struct {
	judge  judge.Judge
	checks []string
}

// New creates a validator. A nil config enables all checks. The judge may
// be nil when only the regex checks are enabled; enabling a judged check
// without a judge fails at validation time.
func New(j judge.Judge, config *Config) *Validator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Validator{judge: j, checks: config.EnabledChecks}
}

// Validate runs the enabled checks and reports the outcome. The piece is
// not mutated; see Apply.
//
// Returns an error when a judged check is enabled and the judge cannot
// answer. Callers at ingest time reject the whole candidate in that case
// rather than store a half-checked piece.
func (v *Validator) Validate(ctx context.Context, piece *storage.Piece) (*Result, error) {
	result := &Result{IsValid: true, Confidence: 1}

	var judged []string
	for _, check := range v.checks {
		if !localChecks[check] {
			judged = append(judged, check)
			continue
		}
		if issue := runLocalCheck(check, piece.Content); issue != "" {
			result.fail(check, issue)
		} else {
			result.ChecksPassed = append(result.ChecksPassed, check)
		}
	}

	if len(judged) > 0 {
		if v.judge == nil {
			return nil, fmt.Errorf("checks %v require a judge: %w", judged, judge.ErrJudgeUnavailable)
		}
		checkResults, err := v.judge.Check(ctx, piece, judged)
		if err != nil {
			return nil, fmt.Errorf("validation: %w", err)
		}
		// Judged verdicts are model opinions, not proofs.
		result.Confidence = 0.8
		for _, cr := range checkResults {
			if cr.Passed {
				result.ChecksPassed = append(result.ChecksPassed, cr.Check)
				continue
			}
			result.fail(cr.Check, cr.Issue)
			if cr.Issue != "" {
				result.Suggestions = append(result.Suggestions, "revise content: "+cr.Issue)
			}
		}
	}

	return result, nil
}

func (r *Result) fail(check, issue string) {
	r.IsValid = false
	r.ChecksFailed = append(r.ChecksFailed, check)
	if issue == "" {
		issue = check + " check failed"
	}
	r.Issues = append(r.Issues, fmt.Sprintf("%s: %s", check, issue))
}

func runLocalCheck(check, content string) string {
	switch check {
	case CheckPrivacy:
		for _, p := range privacyPatterns {
			if m := p.FindString(content); m != "" {
				return fmt.Sprintf("personal data detected (%q)", truncate(m, 24))
			}
		}
	case CheckSecurity:
		for _, p := range securityPatterns {
			if m := p.FindString(content); m != "" {
				return fmt.Sprintf("credential material detected (%q)", truncate(m, 24))
			}
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// Apply writes a validation outcome onto a piece. Failure forces the
// piece into the developmental space so it drops out of default
// retrieval while keeping its content and provenance.
func Apply(piece *storage.Piece, result *Result) {
	if result.IsValid {
		piece.ValidationStatus = storage.ValidationPassed
		piece.ValidationIssues = nil
		return
	}
	piece.ValidationStatus = storage.ValidationFailed
	piece.ValidationIssues = append([]string(nil), result.Issues...)
	piece.Space = storage.SpaceDevelopmental
}

// ValidatePiece loads a stored piece, validates it, and persists the
// outcome under the per-piece version check. This is the entry point for
// manual validation and for the background sweep worker; concurrent
// mutations retry per storage.Mutate.
func (v *Validator) ValidatePiece(ctx context.Context, engine storage.Engine, id storage.PieceID) (*Result, error) {
	piece, err := engine.GetPiece(id)
	if err != nil {
		return nil, err
	}

	result, err := v.Validate(ctx, piece)
	if err != nil {
		return nil, err
	}

	updated, err := storage.Mutate(engine, id, func(p *storage.Piece) error {
		Apply(p, result)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Quarantine moves the piece between spaces; the metadata record
	// must follow or it keeps reporting the pre-validation space.
	meta, err := engine.GetMeta(string(id))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		meta = &storage.EntityMeta{ID: string(id), KnowledgeType: updated.KnowledgeType}
	}
	if meta.Space != updated.Space {
		meta.Space = updated.Space
		if err := engine.PutMeta(meta); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Sweep enqueues a validation job for every active piece still awaiting
// validation. The queue collapses duplicate jobs per piece id, so
// re-running a sweep after a crash is harmless.
func (v *Validator) Sweep(ctx context.Context, engine storage.Engine, queue storage.WorkQueue) (int, error) {
	pieces, err := engine.AllPieces()
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, piece := range pieces {
		if err := ctx.Err(); err != nil {
			return enqueued, err
		}
		if !piece.Active {
			continue
		}
		switch piece.ValidationStatus {
		case storage.ValidationNotValidated, storage.ValidationPending:
		default:
			continue
		}
		if err := queue.Enqueue(&storage.Job{PieceID: piece.ID, Kind: storage.JobValidate, Scope: piece.Scope()}); err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}
