package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/munin/pkg/dedup"
	"github.com/orneryd/munin/pkg/embed"
	"github.com/orneryd/munin/pkg/judge"
	"github.com/orneryd/munin/pkg/merge"
	"github.com/orneryd/munin/pkg/search"
	"github.com/orneryd/munin/pkg/storage"
	"github.com/orneryd/munin/pkg/validate"
)

type fixture struct {
	pipeline *Pipeline
	engine   storage.Engine
	searcher *search.Service
	embedder *embed.Static
	judge    *judge.Scripted
	queue    *storage.MemoryQueue
	manager  *merge.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine := storage.NewMemoryEngine()
	searcher := search.NewService(engine)
	embedder := embed.NewStatic(3)
	scripted := &judge.Scripted{}
	d := dedup.New(engine, searcher, scripted, nil)
	manager := merge.NewManager(engine, searcher, d, embedder, nil)
	queue := storage.NewMemoryQueue()
	// Regex-only checks keep ingest-time validation local; judged checks
	// get their own tests.
	validator := validate.New(scripted, &validate.Config{
		EnabledChecks: []string{validate.CheckSecurity, validate.CheckPrivacy},
	})
	return &fixture{
		pipeline: New(engine, searcher, embedder, validator, d, manager, queue),
		engine:   engine,
		searcher: searcher,
		embedder: embedder,
		judge:    scripted,
		queue:    queue,
		manager:  manager,
	}
}

func factCandidate(content string) *Candidate {
	return &Candidate{
		Content:       content,
		KnowledgeType: storage.KnowledgeFact,
		InfoType:      "facts",
		Domain:        "golang",
	}
}

func TestIngest_NewFactIsStored(t *testing.T) {
	f := newFixture(t)

	out, err := f.pipeline.Ingest(context.Background(), factCandidate("Go maps are not safe for concurrent writes"))
	require.NoError(t, err)
	assert.Equal(t, StatusStored, out.Status)
	assert.Equal(t, dedup.ActionAdd, out.DedupAction)
	assert.Equal(t, merge.AutoMergeOnIngest, out.Strategy)

	p, err := f.engine.GetPiece(out.PieceID)
	require.NoError(t, err)
	assert.Equal(t, storage.SpaceMain, p.Space)
	assert.Equal(t, storage.ValidationPassed, p.ValidationStatus)
	assert.Len(t, p.Embedding, 3)
	assert.Equal(t, int64(1), p.Version)

	meta, err := f.engine.GetMeta(string(out.PieceID))
	require.NoError(t, err)
	assert.Equal(t, storage.KnowledgeFact, meta.KnowledgeType)
}

func TestIngest_ExactDuplicateFactIsDiscarded(t *testing.T) {
	f := newFixture(t)

	first, err := f.pipeline.Ingest(context.Background(), factCandidate("identical content"))
	require.NoError(t, err)

	second, err := f.pipeline.Ingest(context.Background(), factCandidate("identical content"))
	require.NoError(t, err)
	assert.Equal(t, StatusDiscarded, second.Status)
	assert.Equal(t, dedup.ActionNoOp, second.DedupAction)
	assert.Equal(t, first.PieceID, second.PieceID, "outcome points at the piece that absorbed the duplicate")

	count, err := f.engine.PieceCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestIngest_ValidationFailureRoutesToDevelopmental(t *testing.T) {
	f := newFixture(t)

	out, err := f.pipeline.Ingest(context.Background(), factCandidate("reach me at alice@example.com"))
	require.NoError(t, err)
	assert.Equal(t, StatusStored, out.Status, "failed validation still stores, quarantined")
	require.NotNil(t, out.Validation)
	assert.False(t, out.Validation.IsValid)

	p, err := f.engine.GetPiece(out.PieceID)
	require.NoError(t, err)
	assert.Equal(t, storage.SpaceDevelopmental, p.Space)
	assert.Equal(t, storage.ValidationFailed, p.ValidationStatus)
	assert.NotEmpty(t, p.ValidationIssues)
}

func TestIngest_ValidatorUnavailableRejectsCandidate(t *testing.T) {
	f := newFixture(t)
	validator := validate.New(&judge.Scripted{Err: judge.ErrJudgeUnavailable}, nil)
	f.pipeline.validator = validator

	_, err := f.pipeline.Ingest(context.Background(), factCandidate("anything"))
	require.Error(t, err)
	assert.ErrorIs(t, err, judge.ErrJudgeUnavailable)

	count, err := f.engine.PieceCount()
	require.NoError(t, err)
	assert.Zero(t, count, "rejected candidate must not be stored")
}

func TestIngest_EmbedderDownDegradesToKeywordOnly(t *testing.T) {
	f := newFixture(t)
	f.embedder.Err = embed.ErrEmbeddingUnavailable

	out, err := f.pipeline.Ingest(context.Background(), factCandidate("stored without vector"))
	require.NoError(t, err, "embedding outage must not drop the candidate")
	assert.Equal(t, StatusStored, out.Status)
	assert.True(t, out.Degraded)

	p, err := f.engine.GetPiece(out.PieceID)
	require.NoError(t, err)
	assert.Empty(t, p.Embedding)
}

func TestIngest_InstructionGetsSuggestionNotAutoApply(t *testing.T) {
	f := newFixture(t)
	f.judge.Decisions = []*judge.Decision{{Action: judge.ActionUpdate, Confidence: 0.9}}

	instruction := func(content string, vec []float32) *Candidate {
		c := factCandidate(content)
		c.KnowledgeType = storage.KnowledgeInstruction
		f.embedder.Vectors[content] = vec
		return c
	}

	first, err := f.pipeline.Ingest(context.Background(), instruction("always run the linter before pushing", []float32{1, 0, 0}))
	require.NoError(t, err)

	// Gray-zone similarity to the first instruction.
	second, err := f.pipeline.Ingest(context.Background(), instruction("run the linter before every push", []float32{0.95, 0.3122, 0}))
	require.NoError(t, err)
	assert.Equal(t, StatusStored, second.Status, "suggestion strategy stores the candidate as-is")
	assert.Equal(t, merge.SuggestionOnIngest, second.Strategy)
	require.NotNil(t, second.Suggestion)
	assert.Equal(t, "update", second.Suggestion.ProposedAction)
	assert.Equal(t, first.PieceID, second.Suggestion.MatchedID)

	// Both pieces remain active until a human approves.
	for _, id := range []storage.PieceID{first.PieceID, second.PieceID} {
		p, err := f.engine.GetPiece(id)
		require.NoError(t, err)
		assert.True(t, p.Active)
	}
}

func TestIngest_AutoMergeUpdateSupersedes(t *testing.T) {
	f := newFixture(t)
	f.judge.Decisions = []*judge.Decision{{Action: judge.ActionUpdate, Confidence: 0.92}}

	fact := func(content string, vec []float32) *Candidate {
		f.embedder.Vectors[content] = vec
		return factCandidate(content)
	}

	first, err := f.pipeline.Ingest(context.Background(), fact("the default branch is master", []float32{1, 0, 0}))
	require.NoError(t, err)

	second, err := f.pipeline.Ingest(context.Background(), fact("the default branch is main", []float32{0.95, 0.3122, 0}))
	require.NoError(t, err)
	assert.Equal(t, StatusStored, second.Status)
	assert.Equal(t, dedup.ActionUpdate, second.DedupAction)

	old, err := f.engine.GetPiece(first.PieceID)
	require.NoError(t, err)
	assert.False(t, old.Active)

	p, err := f.engine.GetPiece(second.PieceID)
	require.NoError(t, err)
	assert.True(t, p.Active)
	assert.Equal(t, first.PieceID, p.Supersedes)
}

func TestIngest_EpisodicDefersDedupToQueue(t *testing.T) {
	f := newFixture(t)

	c := factCandidate("session log: fixed the flaky test")
	c.KnowledgeType = storage.KnowledgeEpisodic

	out, err := f.pipeline.Ingest(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, StatusStored, out.Status)
	assert.Equal(t, merge.PostIngestionAuto, out.Strategy)
	assert.Empty(t, out.DedupAction, "no ingest-time dedup for deferred strategies")
	assert.Nil(t, out.Validation)

	// One dedup job and one validation job queued.
	kinds := map[storage.JobKind]int{}
	for {
		job, err := f.queue.Dequeue()
		if err != nil {
			break
		}
		assert.Equal(t, out.PieceID, job.PieceID)
		kinds[job.Kind]++
	}
	assert.Equal(t, 1, kinds[storage.JobDedup])
	assert.Equal(t, 1, kinds[storage.JobValidate])

	p, err := f.engine.GetPiece(out.PieceID)
	require.NoError(t, err)
	assert.Equal(t, storage.ValidationNotValidated, p.ValidationStatus)
}

func TestIngest_ManualOnlyStoresWithoutDedup(t *testing.T) {
	f := newFixture(t)

	c := factCandidate("1. drain the pool 2. rotate the certs 3. refill")
	c.KnowledgeType = storage.KnowledgeProcedure

	out, err := f.pipeline.Ingest(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, StatusStored, out.Status)
	assert.Equal(t, merge.ManualOnly, out.Strategy)
	assert.Empty(t, f.judge.DecideCalls)

	// Procedures skip the dedup queue entirely; only validation queued.
	job, err := f.queue.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, storage.JobValidate, job.Kind)
	_, err = f.queue.Dequeue()
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIngest_EdgesWrittenWithProvenance(t *testing.T) {
	f := newFixture(t)

	first, err := f.pipeline.Ingest(context.Background(), factCandidate("contexts carry deadlines"))
	require.NoError(t, err)

	c := factCandidate("contexts propagate cancellation")
	c.Source = "conversation-42"
	c.Edges = []RelatedEdge{
		{Target: first.PieceID, Type: storage.EdgeRelatesTo},
		{Target: first.PieceID, Type: storage.EdgeType("INSPIRED_BY")}, // unknown type, accepted
		{Target: "piece-missing", Type: storage.EdgeRelatesTo},         // dangling, dropped
	}

	out, err := f.pipeline.Ingest(context.Background(), c)
	require.NoError(t, err)

	edges, err := f.engine.EdgesFor(out.PieceID, "")
	require.NoError(t, err)
	require.Len(t, edges, 2)
	for _, e := range edges {
		assert.Equal(t, "conversation-42", e.Provenance)
		assert.Equal(t, first.PieceID, e.Target)
	}
}

func TestIngest_EmptyCandidateRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipeline.Ingest(context.Background(), &Candidate{Domain: "golang"})
	assert.ErrorIs(t, err, storage.ErrInvalidData)

	_, err = f.pipeline.Ingest(context.Background(), &Candidate{Content: "no domain"})
	assert.ErrorIs(t, err, storage.ErrInvalidData)
}
