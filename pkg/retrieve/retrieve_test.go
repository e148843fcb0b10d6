package retrieve

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/munin/pkg/decay"
	"github.com/orneryd/munin/pkg/embed"
	"github.com/orneryd/munin/pkg/search"
	"github.com/orneryd/munin/pkg/storage"
)

type fixture struct {
	pipeline *Pipeline
	engine   storage.Engine
	searcher *search.Service
	embedder *embed.Static
	config   *Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine := storage.NewMemoryEngine()
	searcher := search.NewService(engine)
	embedder := embed.NewStatic(3)
	config := DefaultConfig()
	return &fixture{
		pipeline: New(engine, searcher, embedder, decay.New(nil), config),
		engine:   engine,
		searcher: searcher,
		embedder: embedder,
		config:   config,
	}
}

type seed struct {
	content   string
	infoType  string
	embedding []float32
	age       time.Duration
	space     storage.Space
	summary   string
}

func (f *fixture) add(t *testing.T, s seed) *storage.Piece {
	t.Helper()
	space := s.space
	if space == "" {
		space = storage.SpaceMain
	}
	p := &storage.Piece{
		ID:            storage.NewPieceID(),
		Content:       s.content,
		KnowledgeType: storage.KnowledgeFact,
		InfoType:      s.infoType,
		Domain:        "golang",
		Space:         space,
		Embedding:     s.embedding,
		Summary:       s.summary,
	}
	if s.age > 0 {
		p.CreatedAt = time.Now().Add(-s.age)
	}
	require.NoError(t, f.engine.PutPiece(p))
	require.NoError(t, f.searcher.IndexPiece(p))
	return p
}

func TestRetrieve_RanksAndFormats(t *testing.T) {
	f := newFixture(t)
	f.embedder.Vectors["goroutine leaks"] = []float32{1, 0, 0}

	hit := f.add(t, seed{content: "goroutine leaks come from unjoined channels", infoType: "facts", embedding: []float32{0.99, 0.1, 0}})
	f.add(t, seed{content: "yaml anchors are rarely worth it", infoType: "facts", embedding: []float32{0, 0, 1}})

	res, err := f.pipeline.Retrieve(context.Background(), &Request{Query: "goroutine leaks", Domain: "golang"})
	require.NoError(t, err)
	require.NotEmpty(t, res.Pieces)
	assert.Equal(t, hit.ID, res.Pieces[0].Piece.ID)
	assert.Equal(t, "hybrid", res.Method)
	assert.False(t, res.Degraded)

	assert.True(t, strings.HasPrefix(res.Text, "## facts"))
	assert.Contains(t, res.Text, "goroutine leaks come from unjoined channels")
}

func TestRetrieve_DecayDemotesOldPieces(t *testing.T) {
	f := newFixture(t)
	f.embedder.Vectors["deploy process"] = []float32{1, 0, 0}

	// Same relevance direction, very different ages. 90 days at a
	// 30-day half-life is an 8x penalty.
	old := f.add(t, seed{content: "deploy process: push to staging first", infoType: "facts", embedding: []float32{0.99, 0.1, 0}, age: 90 * 24 * time.Hour})
	fresh := f.add(t, seed{content: "deploy process: use the release workflow", infoType: "facts", embedding: []float32{0.99, -0.1, 0}})

	res, err := f.pipeline.Retrieve(context.Background(), &Request{Query: "deploy process", Domain: "golang"})
	require.NoError(t, err)
	require.Len(t, res.Pieces, 2)
	assert.Equal(t, fresh.ID, res.Pieces[0].Piece.ID)
	assert.Equal(t, old.ID, res.Pieces[1].Piece.ID)
	assert.Greater(t, res.Pieces[0].Score, res.Pieces[1].Score)
}

func TestRetrieve_EvergreenSkipsDecay(t *testing.T) {
	f := newFixture(t)
	f.embedder.Vectors["lint rules"] = []float32{1, 0, 0}

	// Old but evergreen: "instructions" is in the default evergreen set.
	f.add(t, seed{content: "always run golangci-lint before pushing", infoType: "instructions", embedding: []float32{0.99, 0.1, 0}, age: 90 * 24 * time.Hour})

	res, err := f.pipeline.Retrieve(context.Background(), &Request{Query: "lint rules", Domain: "golang"})
	require.NoError(t, err)
	require.Len(t, res.Pieces, 1)
	assert.Equal(t, res.Pieces[0].Fused, res.Pieces[0].Score, "evergreen piece keeps its fused score")
}

func TestRetrieve_EmbedderDownIsKeywordOnly(t *testing.T) {
	f := newFixture(t)
	f.add(t, seed{content: "context cancellation propagates to children", infoType: "facts", embedding: []float32{1, 0, 0}})
	f.embedder.Err = embed.ErrEmbeddingUnavailable

	res, err := f.pipeline.Retrieve(context.Background(), &Request{Query: "context cancellation", Domain: "golang"})
	require.NoError(t, err, "embedding outage must not fail the query")
	assert.True(t, res.Degraded)
	assert.Equal(t, "keyword", res.Method)
	require.NotEmpty(t, res.Pieces)
}

func TestRetrieve_MinScoreFilters(t *testing.T) {
	f := newFixture(t)
	f.embedder.Vectors["anything"] = []float32{1, 0, 0}
	f.add(t, seed{content: "anything goes here", infoType: "facts", embedding: []float32{1, 0, 0}})

	res, err := f.pipeline.Retrieve(context.Background(), &Request{Query: "anything", Domain: "golang", MinScore: 0.99})
	require.NoError(t, err)
	assert.Empty(t, res.Pieces, "RRF scores are far below 0.99")
	assert.Empty(t, res.Text)
}

func TestRetrieve_DevelopmentalExcludedByDefault(t *testing.T) {
	f := newFixture(t)
	f.embedder.Vectors["quarantined"] = []float32{1, 0, 0}
	f.add(t, seed{content: "quarantined knowledge", infoType: "facts", embedding: []float32{1, 0, 0}, space: storage.SpaceDevelopmental})

	res, err := f.pipeline.Retrieve(context.Background(), &Request{Query: "quarantined", Domain: "golang"})
	require.NoError(t, err)
	assert.Empty(t, res.Pieces)

	res, err = f.pipeline.Retrieve(context.Background(), &Request{
		Query:  "quarantined",
		Domain: "golang",
		Spaces: []storage.Space{storage.SpaceDevelopmental},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Pieces, "developmental is opt-in")
}

func TestRetrieve_BudgetProgressiveDisclosure(t *testing.T) {
	f := newFixture(t)
	f.embedder.Vectors["indexing"] = []float32{1, 0, 0}

	long := strings.Repeat("full body of the top indexing fact. ", 10) // ~90 tokens
	f.add(t, seed{content: long, infoType: "facts", embedding: []float32{0.99, 0.1, 0}})
	f.add(t, seed{
		content:   strings.Repeat("second fact with a lot of detail. ", 10),
		infoType:  "facts",
		embedding: []float32{0.99, -0.1, 0},
		summary:   "second fact, summarized",
	})

	f.config.DefaultBudget = 120 // fits one full body plus a summary, not two full bodies

	res, err := f.pipeline.Retrieve(context.Background(), &Request{Query: "indexing", Domain: "golang"})
	require.NoError(t, err)
	require.Len(t, res.Pieces, 2)

	assert.False(t, res.Pieces[0].Truncated)
	assert.True(t, res.Pieces[1].Truncated)
	assert.Contains(t, res.Text, long)
	assert.Contains(t, res.Text, "second fact, summarized")
	assert.NotContains(t, res.Text, "second fact with a lot of detail")
}

func TestRetrieve_AccessReinforcement(t *testing.T) {
	f := newFixture(t)
	f.embedder.Vectors["tracked"] = []float32{1, 0, 0}
	p := f.add(t, seed{content: "tracked piece", infoType: "facts", embedding: []float32{1, 0, 0}})

	_, err := f.pipeline.Retrieve(context.Background(), &Request{Query: "tracked", Domain: "golang"})
	require.NoError(t, err)

	got, err := f.engine.GetPiece(p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.AccessCount)
	assert.False(t, got.LastAccessed.IsZero())
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, estimateTokens(""))
	assert.Equal(t, 1, estimateTokens("abc"))
	assert.Equal(t, 1, estimateTokens("abcd"))
	assert.Equal(t, 2, estimateTokens("abcde"))
}
