// Package embed provides embedding clients for semantic indexing of
// knowledge pieces.
//
// Two providers are supported:
//   - Ollama: local open-source models (mxbai-embed-large, nomic-embed-text)
//   - OpenAI-compatible: any /v1/embeddings endpoint (OpenAI, Azure, vLLM)
//
// Embeddings turn text into vectors where similar meanings land close
// together, which is what the hybrid search vector leg ranks on.
//
// Availability is a first-class concern here: the ingestion and retrieval
// pipelines degrade to keyword-only behavior when the provider is down, so
// every transport or provider failure is wrapped in ErrEmbeddingUnavailable
// for callers to test with errors.Is.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrEmbeddingUnavailable indicates the embedding provider could not be
// reached or returned a non-success status. Callers treat this as a signal
// to fall back to keyword-only search rather than fail the operation.
var ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

// Embedder generates vector embeddings from text.
//
// Implementations must be safe for concurrent use from multiple goroutines.
type Embedder interface {
	// Embed generates the embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding vector dimension
	Dimensions() int

	// Model returns the model name
	Model() string
}

// Config holds embedding provider configuration.
type Config struct {
	Provider   string        `yaml:"provider"`   // ollama, openai
	APIURL     string        `yaml:"api_url"`    // e.g., http://localhost:11434
	APIPath    string        `yaml:"api_path"`   // e.g., /api/embeddings or /v1/embeddings
	APIKey     string        `yaml:"api_key"`    // for OpenAI-compatible providers
	Model      string        `yaml:"model"`      // e.g., mxbai-embed-large
	Dimensions int           `yaml:"dimensions"` // expected vector size, 0 disables validation
	Timeout    time.Duration `yaml:"timeout"`
	CacheSize  int           `yaml:"cache_size"` // vectors to cache, 0 disables caching
	CacheTTL   time.Duration `yaml:"cache_ttl"`  // cache entry lifetime, 0 = no expiry
}

// DefaultOllamaConfig returns configuration for local Ollama with
// mxbai-embed-large (1024 dimensions).
//
// Assumes Ollama is running locally:
//
//	$ ollama pull mxbai-embed-large
//	$ ollama serve
func DefaultOllamaConfig() *Config {
	return &Config{
		Provider:   "ollama",
		APIURL:     "http://localhost:11434",
		APIPath:    "/api/embeddings",
		Model:      "mxbai-embed-large",
		Dimensions: 1024,
		Timeout:    30 * time.Second,
		CacheSize:  2048,
		CacheTTL:   time.Hour,
	}
}

// DefaultOpenAIConfig returns configuration for OpenAI's
// text-embedding-3-small (1536 dimensions).
func DefaultOpenAIConfig(apiKey string) *Config {
	return &Config{
		Provider:   "openai",
		APIURL:     "https://api.openai.com",
		APIPath:    "/v1/embeddings",
		APIKey:     apiKey,
		Model:      "text-embedding-3-small",
		Dimensions: 1536,
		Timeout:    30 * time.Second,
		CacheSize:  2048,
		CacheTTL:   time.Hour,
	}
}

// New creates an embedder from config based on its Provider field.
// A nil config defaults to local Ollama. When CacheSize is positive the
// embedder is wrapped in a CachedEmbedder.
func New(config *Config) (Embedder, error) {
	if config == nil {
		return NewOllama(nil), nil
	}
	var embedder Embedder
	switch config.Provider {
	case "", "ollama":
		embedder = NewOllama(config)
	case "openai":
		embedder = NewOpenAI(config)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", config.Provider)
	}
	if config.CacheSize > 0 {
		embedder = NewCached(embedder, config.CacheSize, config.CacheTTL)
	}
	return embedder, nil
}

// OllamaEmbedder implements Embedder for local Ollama models.
//
// Thread-safe: can be used concurrently from multiple goroutines.
type OllamaEmbedder struct {
	config *Config
	client *http.Client
}

// NewOllama creates an Ollama embedder. If config is nil,
// DefaultOllamaConfig() is used.
func NewOllama(config *Config) *OllamaEmbedder {
	if config == nil {
		config = DefaultOllamaConfig()
	}
	return &OllamaEmbedder{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// ollamaRequest is the request format for Ollama.
type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// ollamaResponse is the response format from Ollama.
type ollamaResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed generates a vector embedding for a single text string.
//
// Returns ErrEmbeddingUnavailable (wrapped) when the provider cannot be
// reached or responds with a non-200 status.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaRequest{Model: e.config.Model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := e.config.APIURL + e.config.APIPath
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: ollama returned %d: %s", ErrEmbeddingUnavailable, resp.StatusCode, string(bodyBytes))
	}

	var ollamaResp ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&ollamaResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return validateDimensions(ollamaResp.Embedding, e.config.Dimensions)
}

// EmbedBatch generates embeddings for multiple texts.
//
// Ollama has no batch endpoint, so this makes one request per text and
// fails on the first error.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		embedding, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d: %w", i, err)
		}
		results[i] = embedding
	}
	return results, nil
}

// Dimensions returns the expected embedding dimensions.
func (e *OllamaEmbedder) Dimensions() int {
	return e.config.Dimensions
}

// Model returns the model name.
func (e *OllamaEmbedder) Model() string {
	return e.config.Model
}

// OpenAIEmbedder implements Embedder for OpenAI-compatible embedding APIs.
//
// Thread-safe: can be used concurrently from multiple goroutines.
type OpenAIEmbedder struct {
	config *Config
	client *http.Client
}

// NewOpenAI creates an OpenAI embedder. If config is nil,
// DefaultOpenAIConfig("") is used and requests will fail without an API key.
func NewOpenAI(config *Config) *OpenAIEmbedder {
	if config == nil {
		config = DefaultOpenAIConfig("")
	}
	return &OpenAIEmbedder{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// openaiRequest is the request format for OpenAI.
type openaiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// openaiResponse is the response format from OpenAI.
type openaiResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed generates a vector embedding for a single text string.
//
// Internally calls EmbedBatch with a single-element slice.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return embeddings[0], nil
}

// EmbedBatch generates embeddings for multiple texts in a single API call.
//
// Returns ErrEmbeddingUnavailable (wrapped) when the provider cannot be
// reached or responds with a non-200 status.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(openaiRequest{Model: e.config.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := e.config.APIURL + e.config.APIPath
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: provider returned %d: %s", ErrEmbeddingUnavailable, resp.StatusCode, string(bodyBytes))
	}

	var openaiResp openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&openaiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(openaiResp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(openaiResp.Data))
	}

	// The API documents ordered responses but also sends indexes; trust the
	// indexes.
	results := make([][]float32, len(texts))
	for _, item := range openaiResp.Data {
		if item.Index < 0 || item.Index >= len(results) {
			return nil, fmt.Errorf("embedding index %d out of range", item.Index)
		}
		vec, err := validateDimensions(item.Embedding, e.config.Dimensions)
		if err != nil {
			return nil, err
		}
		results[item.Index] = vec
	}
	return results, nil
}

// Dimensions returns the expected embedding dimensions.
func (e *OpenAIEmbedder) Dimensions() int {
	return e.config.Dimensions
}

// Model returns the model name.
func (e *OpenAIEmbedder) Model() string {
	return e.config.Model
}

func validateDimensions(vec []float32, want int) ([]float32, error) {
	if want > 0 && len(vec) != want {
		return nil, fmt.Errorf("expected %d dimensions, got %d", want, len(vec))
	}
	return vec, nil
}
