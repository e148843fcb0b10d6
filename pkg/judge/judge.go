// Package judge provides the LLM judge used by deduplication and
// validation.
//
// The judge answers two kinds of questions:
//   - Decide: given a candidate piece and an existing similar piece, is
//     this new knowledge, a correction, a mergeable overlap, or a
//     duplicate?
//   - Check: does a piece pass a set of content quality checks
//     (correctness, completeness, staleness, and so on)?
//
// Both calls go to an OpenAI-compatible chat completions endpoint and ask
// for a strict JSON answer. The judge is advisory infrastructure, not a
// gatekeeper for writes: when it is unreachable, callers fall back to
// conservative defaults (ingest as a new piece, route to the developmental
// space) instead of dropping knowledge, so every transport failure is
// wrapped in ErrJudgeUnavailable.
package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/orneryd/munin/pkg/storage"
)

// ErrJudgeUnavailable indicates the judge endpoint could not be reached or
// returned a non-success status. Callers degrade instead of failing.
var ErrJudgeUnavailable = errors.New("judge unavailable")

// Action is the judge's verdict on a candidate piece versus an existing one.
type Action string

const (
	// ActionAdd: distinct knowledge, store as a new piece.
	ActionAdd Action = "add"
	// ActionUpdate: the candidate supersedes the existing piece.
	ActionUpdate Action = "update"
	// ActionMerge: overlapping knowledge, combine into one piece.
	ActionMerge Action = "merge"
	// ActionNoOp: the candidate adds nothing, discard it.
	ActionNoOp Action = "noop"
)

// Decision is the judge's answer to a dedup question.
type Decision struct {
	Action     Action  `json:"action"`
	Confidence float64 `json:"confidence"` // 0..1
	// MergedContent is the judge's combined text for ActionMerge. Empty
	// means the caller should fall back to concatenation.
	MergedContent string `json:"merged_content,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// CheckResult is the judge's answer for a single validation check.
type CheckResult struct {
	Check  string `json:"check"`
	Passed bool   `json:"passed"`
	Issue  string `json:"issue,omitempty"`
}

// Judge decides dedup actions and runs content checks.
//
// Implementations must be safe for concurrent use from multiple goroutines.
type Judge interface {
	// Decide compares a candidate against an existing similar piece.
	Decide(ctx context.Context, candidate, matched *storage.Piece) (*Decision, error)

	// Check runs the named checks against a piece.
	Check(ctx context.Context, piece *storage.Piece, checks []string) ([]CheckResult, error)
}

// Config holds judge endpoint configuration.
type Config struct {
	APIURL      string        `yaml:"api_url"`  // e.g., http://localhost:11434
	APIPath     string        `yaml:"api_path"` // e.g., /v1/chat/completions
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Temperature float32       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DefaultConfig returns configuration for a local OpenAI-compatible
// endpoint (Ollama's /v1 surface works).
func DefaultConfig() *Config {
	return &Config{
		APIURL:      "http://localhost:11434",
		APIPath:     "/v1/chat/completions",
		Model:       "llama3.1",
		Temperature: 0,
		Timeout:     60 * time.Second,
	}
}

// HTTPJudge implements Judge against an OpenAI-compatible chat API.
//
// Thread-safe: can be used concurrently from multiple goroutines.
type HTTPJudge struct {
	config *Config
	client *http.Client
}

// NewHTTP creates a judge client. If config is nil, DefaultConfig() is used.
func NewHTTP(config *Config) *HTTPJudge {
	if config == nil {
		config = DefaultConfig()
	}
	return &HTTPJudge{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// chatMessage is a single chat turn.
type chatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// chatRequest is the OpenAI-compatible request body.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

// chatResponse is the OpenAI-compatible response body.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

const decideSystemPrompt = `You compare a CANDIDATE knowledge entry against an EXISTING similar entry.
Answer with a single JSON object, no prose:
{"action":"add|update|merge|noop","confidence":0.0-1.0,"merged_content":"...","reason":"..."}
- "add": the candidate is distinct knowledge.
- "update": the candidate corrects or supersedes the existing entry.
- "merge": the entries overlap and should be combined; put the combined text in merged_content.
- "noop": the candidate adds nothing new.`

const checkSystemPrompt = `You evaluate a knowledge entry against a list of quality checks.
Answer with a single JSON array, no prose:
[{"check":"<name>","passed":true|false,"issue":"<why it failed, empty if passed>"}]
Include exactly one object per requested check.`

// Decide compares a candidate against an existing similar piece.
func (j *HTTPJudge) Decide(ctx context.Context, candidate, matched *storage.Piece) (*Decision, error) {
	user := fmt.Sprintf("CANDIDATE (%s):\n%s\n\nEXISTING (%s):\n%s",
		candidate.KnowledgeType, candidate.Content, matched.KnowledgeType, matched.Content)

	content, err := j.complete(ctx, decideSystemPrompt, user)
	if err != nil {
		return nil, err
	}

	var decision Decision
	if err := json.Unmarshal(extractJSON(content), &decision); err != nil {
		return nil, fmt.Errorf("judge returned unparseable decision: %w", err)
	}
	switch decision.Action {
	case ActionAdd, ActionUpdate, ActionMerge, ActionNoOp:
	default:
		return nil, fmt.Errorf("judge returned unknown action %q", decision.Action)
	}
	return &decision, nil
}

// Check runs the named checks against a piece.
//
// Checks the judge omits from its answer are treated as passed: a flaky
// model must not quarantine knowledge it never examined.
func (j *HTTPJudge) Check(ctx context.Context, piece *storage.Piece, checks []string) ([]CheckResult, error) {
	if len(checks) == 0 {
		return nil, nil
	}

	user := fmt.Sprintf("CHECKS: %s\n\nENTRY (%s, domain %q):\n%s",
		strings.Join(checks, ", "), piece.KnowledgeType, piece.Domain, piece.Content)

	content, err := j.complete(ctx, checkSystemPrompt, user)
	if err != nil {
		return nil, err
	}

	var raw []CheckResult
	if err := json.Unmarshal(extractJSON(content), &raw); err != nil {
		return nil, fmt.Errorf("judge returned unparseable check results: %w", err)
	}

	byName := make(map[string]CheckResult, len(raw))
	for _, r := range raw {
		byName[r.Check] = r
	}
	results := make([]CheckResult, 0, len(checks))
	for _, name := range checks {
		if r, ok := byName[name]; ok {
			results = append(results, r)
		} else {
			results = append(results, CheckResult{Check: name, Passed: true})
		}
	}
	return results, nil
}

func (j *HTTPJudge) complete(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       j.config.Model,
		Temperature: j.config.Temperature,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := j.config.APIURL + j.config.APIPath
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if j.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+j.config.APIKey)
	}

	resp, err := j.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrJudgeUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%w: judge returned %d: %s", ErrJudgeUnavailable, resp.StatusCode, string(bodyBytes))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("judge returned no choices")
	}
	return chatResp.Choices[0].Message.Content, nil
}

// extractJSON strips markdown fences and surrounding prose that chat
// models habitually wrap around JSON answers.
func extractJSON(content string) []byte {
	s := strings.TrimSpace(content)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	s = strings.TrimSpace(s)
	if start := strings.IndexAny(s, "{["); start > 0 {
		s = s[start:]
	}
	return []byte(s)
}
