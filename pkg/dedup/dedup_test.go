package dedup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/munin/pkg/judge"
	"github.com/orneryd/munin/pkg/search"
	"github.com/orneryd/munin/pkg/storage"
)

var testScope = storage.Scope{Domain: "golang", Space: storage.SpaceMain}

func storedPiece(t *testing.T, engine storage.Engine, searcher *search.Service, content string, embedding []float32) *storage.Piece {
	t.Helper()
	p := &storage.Piece{
		ID:            storage.NewPieceID(),
		Content:       content,
		KnowledgeType: storage.KnowledgeFact,
		Domain:        testScope.Domain,
		Space:         testScope.Space,
		Embedding:     embedding,
	}
	require.NoError(t, engine.PutPiece(p))
	require.NoError(t, searcher.IndexPiece(p))
	return p
}

func candidate(content string, embedding []float32) *storage.Piece {
	return &storage.Piece{
		ID:            storage.NewPieceID(),
		Content:       content,
		KnowledgeType: storage.KnowledgeFact,
		Domain:        testScope.Domain,
		Space:         testScope.Space,
		Embedding:     embedding,
	}
}

func newFixture(t *testing.T, j judge.Judge) (*Deduplicator, storage.Engine, *search.Service) {
	t.Helper()
	engine := storage.NewMemoryEngine()
	searcher := search.NewService(engine)
	return New(engine, searcher, j, nil), engine, searcher
}

func TestEvaluate_ExactHashIsNoOp(t *testing.T) {
	scripted := &judge.Scripted{}
	d, engine, searcher := newFixture(t, scripted)
	existing := storedPiece(t, engine, searcher, "Go maps are not safe for concurrent writes", []float32{1, 0, 0})

	res, err := d.Evaluate(context.Background(), candidate("Go maps are not safe for concurrent writes", []float32{1, 0, 0}))
	require.NoError(t, err)
	assert.Equal(t, ActionNoOp, res.Action)
	assert.Equal(t, TierExact, res.Tier)
	assert.Equal(t, existing.ID, res.Matched.ID)
	assert.Empty(t, scripted.DecideCalls, "exact tier must not consult the judge")
}

func TestEvaluate_StoredPieceIsNotItsOwnDuplicate(t *testing.T) {
	scripted := &judge.Scripted{}
	d, engine, searcher := newFixture(t, scripted)
	p := storedPiece(t, engine, searcher, "sweep the queue every five seconds", []float32{1, 0, 0})

	// Deferred evaluation re-runs pieces that are already stored and
	// indexed. The piece's own hash and vector must not count as a
	// match, or the pass would retire the only copy.
	res, err := d.Evaluate(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, ActionAdd, res.Action)
	assert.Nil(t, res.Matched)
	assert.Empty(t, scripted.DecideCalls)
}

func TestEvaluate_HashScopedByDomain(t *testing.T) {
	d, engine, searcher := newFixture(t, nil)
	storedPiece(t, engine, searcher, "prefer table tests", []float32{1, 0, 0})

	c := candidate("prefer table tests", []float32{0, 1, 0})
	c.Domain = "python"

	res, err := d.Evaluate(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, ActionAdd, res.Action, "same text in another domain is not a duplicate")
}

func TestEvaluate_NearIdenticalVectorIsNoOp(t *testing.T) {
	scripted := &judge.Scripted{}
	d, engine, searcher := newFixture(t, scripted)
	existing := storedPiece(t, engine, searcher, "Go maps are unsafe under concurrent writes", []float32{1, 0, 0})

	// Different text, nearly identical direction (cosine > 0.98).
	res, err := d.Evaluate(context.Background(), candidate("Maps in Go are unsafe when written concurrently", []float32{1, 0.01, 0}))
	require.NoError(t, err)
	assert.Equal(t, ActionNoOp, res.Action)
	assert.Equal(t, TierVec, res.Tier)
	assert.Equal(t, existing.ID, res.Matched.ID)
	assert.GreaterOrEqual(t, res.Similarity, DefaultDuplicateThreshold)
	assert.Empty(t, scripted.DecideCalls)
}

func TestEvaluate_LowSimilarityIsAdd(t *testing.T) {
	d, engine, searcher := newFixture(t, &judge.Scripted{})
	storedPiece(t, engine, searcher, "Go maps are unsafe under concurrent writes", []float32{1, 0, 0})

	// Orthogonal embedding: cosine 0, well under the escalation threshold.
	res, err := d.Evaluate(context.Background(), candidate("errors.Is unwraps wrapped errors", []float32{0, 1, 0}))
	require.NoError(t, err)
	assert.Equal(t, ActionAdd, res.Action)
}

func TestEvaluate_GrayZoneEscalatesBestMatch(t *testing.T) {
	scripted := &judge.Scripted{
		Decisions: []*judge.Decision{
			{Action: judge.ActionUpdate, Confidence: 0.85, Reason: "newer API"},
		},
	}
	d, engine, searcher := newFixture(t, scripted)
	// cosine([1,0,0],[0.9,0.436,0]) ≈ 0.9: inside [0.85, 0.98).
	far := storedPiece(t, engine, searcher, "use ioutil.ReadAll", []float32{0.6, 0.8, 0})
	near := storedPiece(t, engine, searcher, "use io.ReadAll to read a stream", []float32{0.9, 0.436, 0})
	_ = far

	res, err := d.Evaluate(context.Background(), candidate("io.ReadAll replaced ioutil.ReadAll in Go 1.16", []float32{1, 0, 0}))
	require.NoError(t, err)
	assert.Equal(t, ActionUpdate, res.Action)
	assert.Equal(t, TierJudge, res.Tier)
	assert.Equal(t, near.ID, res.Matched.ID)
	assert.InDelta(t, 0.85, res.Confidence, 1e-9)

	// Only the single best match was escalated.
	require.Len(t, scripted.DecideCalls, 1)
	assert.Equal(t, near.ID, scripted.DecideCalls[0][1].ID)
}

func TestEvaluate_JudgeMergeCarriesContent(t *testing.T) {
	scripted := &judge.Scripted{
		Decisions: []*judge.Decision{
			{Action: judge.ActionMerge, Confidence: 0.9, MergedContent: "combined knowledge"},
		},
	}
	d, engine, searcher := newFixture(t, scripted)
	storedPiece(t, engine, searcher, "half the story", []float32{0.95, 0.3122, 0})

	res, err := d.Evaluate(context.Background(), candidate("the other half", []float32{1, 0, 0}))
	require.NoError(t, err)
	assert.Equal(t, ActionMerge, res.Action)
	assert.Equal(t, "combined knowledge", res.MergedContent)
}

func TestEvaluate_JudgeUnavailableFallsBackToAdd(t *testing.T) {
	scripted := &judge.Scripted{Err: judge.ErrJudgeUnavailable}
	d, engine, searcher := newFixture(t, scripted)
	storedPiece(t, engine, searcher, "half the story", []float32{0.95, 0.3122, 0})

	res, err := d.Evaluate(context.Background(), candidate("the other half", []float32{1, 0, 0}))
	require.NoError(t, err, "judge outage must not fail ingestion")
	assert.Equal(t, ActionAdd, res.Action)
	assert.True(t, res.Degraded)
}

func TestEvaluate_NoEmbeddingSkipsSemanticTier(t *testing.T) {
	d, engine, searcher := newFixture(t, &judge.Scripted{})
	storedPiece(t, engine, searcher, "something stored", []float32{1, 0, 0})

	res, err := d.Evaluate(context.Background(), candidate("brand new text", nil))
	require.NoError(t, err)
	assert.Equal(t, ActionAdd, res.Action)
	assert.True(t, res.Degraded)
}

func TestEvaluate_NilJudgeGrayZoneAdds(t *testing.T) {
	d, engine, searcher := newFixture(t, nil)
	storedPiece(t, engine, searcher, "half the story", []float32{0.95, 0.3122, 0})

	res, err := d.Evaluate(context.Background(), candidate("the other half", []float32{1, 0, 0}))
	require.NoError(t, err)
	assert.Equal(t, ActionAdd, res.Action)
	assert.True(t, res.Degraded)
}
