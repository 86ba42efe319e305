package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/sopline/internal/anthropic"
	"github.com/MikeSquared-Agency/sopline/internal/audit"
	"github.com/MikeSquared-Agency/sopline/internal/compose"
	"github.com/MikeSquared-Agency/sopline/internal/decompose"
	"github.com/MikeSquared-Agency/sopline/internal/hermes"
	"github.com/MikeSquared-Agency/sopline/internal/ingest"
	"github.com/MikeSquared-Agency/sopline/internal/sop"
	"github.com/MikeSquared-Agency/sopline/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	err      error
}

func (p *recordingPublisher) Publish(subject string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return p.err
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subjects...)
}

func newController(t *testing.T, st store.Store, llm audit.Completer, opts ...Option) *Controller {
	t.Helper()
	logger := discardLogger()
	var dllm decompose.Completer
	if llm != nil {
		dllm = llm
	}
	return New(st,
		ingest.New(),
		audit.New(llm, logger),
		decompose.New(dllm, logger),
		compose.New(logger),
		logger,
		opts...,
	)
}

func offerNarrative() ingest.Narrative {
	return ingest.Narrative{
		ProcessName: "Ofertowanie B2B",
		Department:  "Sprzedaż",
		Role:        "Handlowiec",
		Trigger:     "Otrzymanie zapytania ofertowego",
		Outcome:     "Oferta wysłana do klienta",
		Transcript:  "Otwórz CRM\nPrzygotuj ofertę\nWyślij do klienta",
	}
}

func TestIngest_OfferScenario(t *testing.T) {
	pub := &recordingPublisher{}
	st := store.NewMemory()
	c := newController(t, st, nil, WithPublisher(pub))

	s, err := c.Ingest(context.Background(), offerNarrative())
	require.NoError(t, err)
	assert.Len(t, s.Steps, 3)
	assert.Equal(t, sop.StatusGenerated, s.Status)

	stored, err := st.GetSOP(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, sop.StatusGenerated, stored.Status)
	assert.Equal(t, []string{hermes.SubjectSOPIngested}, pub.published())
}

func TestIngest_ValidationWritesNothing(t *testing.T) {
	c := newController(t, store.NewMemory(), nil)
	n := offerNarrative()
	n.Role = "  "

	_, err := c.Ingest(context.Background(), n)
	require.Error(t, err)
	assert.ErrorIs(t, err, sop.ErrValidation)
}

func TestAudit_FallbackScenario(t *testing.T) {
	st := store.NewMemory()
	c := newController(t, st, stubLLM{err: errors.New("service unavailable")})
	ctx := context.Background()

	s, err := c.Ingest(ctx, offerNarrative())
	require.NoError(t, err)

	a, err := c.Audit(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, a.Summary.TotalMudaCount)
	assert.GreaterOrEqual(t, a.Summary.AutomationScore, 0)
	assert.LessOrEqual(t, a.Summary.AutomationScore, 100)
	assert.Equal(t, sop.GeneratedByFallback, a.GeneratedBy)

	stored, err := st.GetSOP(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, sop.StatusAudited, stored.Status)
}

func TestAudit_RerunReplacesArtifact(t *testing.T) {
	st := store.NewMemory()
	c := newController(t, st, nil)
	ctx := context.Background()

	s, err := c.Ingest(ctx, offerNarrative())
	require.NoError(t, err)
	first, err := c.Audit(ctx, s.ID)
	require.NoError(t, err)
	second, err := c.Audit(ctx, s.ID)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	stored, err := st.GetWasteAudit(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, stored.ID)
	assert.Equal(t, len(stored.WasteIdentified), stored.Summary.TotalMudaCount)
}

func TestAudit_MissingSOP(t *testing.T) {
	c := newController(t, store.NewMemory(), nil)

	_, err := c.Audit(context.Background(), uuid.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, sop.ErrPrecondition)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDecompose_RequiresAudit(t *testing.T) {
	st := store.NewMemory()
	c := newController(t, st, nil)
	ctx := context.Background()

	s, err := c.Ingest(ctx, offerNarrative())
	require.NoError(t, err)

	_, err = c.Decompose(ctx, s.ID)
	require.Error(t, err)
	var serr *sop.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, sop.StageDecompose, serr.Stage)
	assert.Equal(t, s.ID, serr.SOPID)
	assert.ErrorIs(t, err, sop.ErrPrecondition)

	stored, err := st.GetSOP(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, sop.StatusGenerated, stored.Status)
	_, err = st.GetAgentSpec(ctx, s.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDecompose_ZeroSteps(t *testing.T) {
	c := newController(t, store.NewMemory(), nil)
	ctx := context.Background()
	n := offerNarrative()
	n.Transcript = ""

	s, err := c.Ingest(ctx, n)
	require.NoError(t, err)
	_, err = c.Audit(ctx, s.ID)
	require.NoError(t, err)

	spec, err := c.Decompose(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, spec.Agents)
	assert.Equal(t, 0, spec.Architecture.AutomationLevel)
}

func TestComposePrompts_RequiresSpec(t *testing.T) {
	c := newController(t, store.NewMemory(), nil)

	_, err := c.ComposePrompts(context.Background(), uuid.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, sop.ErrPrecondition)
}

func TestRun_FullPipeline(t *testing.T) {
	pub := &recordingPublisher{}
	var (
		mu      sync.Mutex
		reports []Progress
	)
	st := store.NewMemory()
	c := newController(t, st, nil,
		WithPublisher(pub),
		WithProgress(func(p Progress) {
			mu.Lock()
			reports = append(reports, p)
			mu.Unlock()
		}),
	)
	ctx := context.Background()

	s, err := c.Ingest(ctx, offerNarrative())
	require.NoError(t, err)

	b, err := c.Run(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, sop.StatusPromptGenerated, b.SOP.Status)
	require.NotNil(t, b.Audit)
	require.NotNil(t, b.Spec)
	require.NotNil(t, b.Prompts)
	assert.Equal(t, b.Spec.ID, b.Prompts.AgentSpecID)
	require.Len(t, b.Prompts.Prompts, len(b.Spec.Agents))
	for _, p := range b.Prompts.Prompts {
		assert.Len(t, p.Sections, 6)
		assert.True(t, p.Consistent())
	}

	assert.Equal(t, []string{
		hermes.SubjectSOPIngested,
		hermes.SubjectSOPAudited,
		hermes.SubjectSpecGenerated,
		hermes.SubjectPromptsGenerated,
	}, pub.published())

	mu.Lock()
	defer mu.Unlock()
	var composed int
	for _, r := range reports {
		if r.Stage == sop.StageCompose {
			composed++
			assert.Equal(t, len(b.Spec.Agents), r.Total)
		}
	}
	assert.Equal(t, len(b.Spec.Agents), composed)
}

func TestRun_ResumesFromCurrentStatus(t *testing.T) {
	pub := &recordingPublisher{}
	c := newController(t, store.NewMemory(), nil, WithPublisher(pub))
	ctx := context.Background()

	s, err := c.Ingest(ctx, offerNarrative())
	require.NoError(t, err)
	a, err := c.Audit(ctx, s.ID)
	require.NoError(t, err)

	b, err := c.Run(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.Audit.ID, "completed audit must not be re-run")
	assert.NotContains(t, pub.published()[2:], hermes.SubjectSOPAudited)

	again, err := c.Run(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, b.Prompts.ID, again.Prompts.ID)
}

func TestStatus_NeverMovesBackward(t *testing.T) {
	st := store.NewMemory()
	c := newController(t, st, nil)
	ctx := context.Background()

	s, err := c.Ingest(ctx, offerNarrative())
	require.NoError(t, err)
	_, err = c.Run(ctx, s.ID)
	require.NoError(t, err)

	_, err = c.Audit(ctx, s.ID)
	require.NoError(t, err)
	stored, err := st.GetSOP(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, sop.StatusPromptGenerated, stored.Status)
}

func TestFinalizeAndReset(t *testing.T) {
	pub := &recordingPublisher{}
	c := newController(t, store.NewMemory(), nil, WithPublisher(pub))
	ctx := context.Background()

	s, err := c.Ingest(ctx, offerNarrative())
	require.NoError(t, err)

	_, err = c.Finalize(ctx, s.ID)
	assert.ErrorIs(t, err, sop.ErrPrecondition)

	_, err = c.Run(ctx, s.ID)
	require.NoError(t, err)
	got, err := c.Finalize(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, sop.StatusFinalized, got.Status)

	got, err = c.Finalize(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, sop.StatusFinalized, got.Status)

	got, err = c.Reset(ctx, s.ID, sop.StatusAudited)
	require.NoError(t, err)
	assert.Equal(t, sop.StatusAudited, got.Status)

	_, err = c.Reset(ctx, s.ID, sop.StatusFinalized)
	assert.ErrorIs(t, err, sop.ErrPrecondition)
	_, err = c.Reset(ctx, s.ID, sop.Status("DONE"))
	assert.ErrorIs(t, err, sop.ErrValidation)

	assert.Contains(t, pub.published(), hermes.SubjectSOPFinalized)
	assert.Contains(t, pub.published(), hermes.SubjectSOPReset)
}

func TestFinalizedSOPRejectsStages(t *testing.T) {
	c := newController(t, store.NewMemory(), nil)
	ctx := context.Background()

	s, err := c.Ingest(ctx, offerNarrative())
	require.NoError(t, err)
	before, err := c.Run(ctx, s.ID)
	require.NoError(t, err)
	_, err = c.Finalize(ctx, s.ID)
	require.NoError(t, err)

	_, err = c.Audit(ctx, s.ID)
	assert.ErrorIs(t, err, sop.ErrPrecondition)
	_, err = c.Decompose(ctx, s.ID)
	assert.ErrorIs(t, err, sop.ErrPrecondition)
	_, err = c.ComposePrompts(ctx, before.Spec.ID)
	assert.ErrorIs(t, err, sop.ErrPrecondition)

	after, err := c.Run(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, sop.StatusFinalized, after.SOP.Status)
	assert.Equal(t, before.Audit.ID, after.Audit.ID)
	assert.Equal(t, before.Spec.ID, after.Spec.ID)
	assert.Equal(t, before.Prompts.ID, after.Prompts.ID)

	_, err = c.Reset(ctx, s.ID, sop.StatusAudited)
	require.NoError(t, err)
	_, err = c.Decompose(ctx, s.ID)
	assert.NoError(t, err)
}

func TestRun_ComposesForReplacedSpec(t *testing.T) {
	c := newController(t, store.NewMemory(), nil)
	ctx := context.Background()

	s, err := c.Ingest(ctx, offerNarrative())
	require.NoError(t, err)
	first, err := c.Run(ctx, s.ID)
	require.NoError(t, err)

	spec, err := c.Decompose(ctx, s.ID)
	require.NoError(t, err)
	require.NotEqual(t, first.Spec.ID, spec.ID)

	_, err = c.Finalize(ctx, s.ID)
	assert.ErrorIs(t, err, sop.ErrPrecondition, "current specification has no prompts yet")

	b, err := c.Run(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, b.Prompts)
	assert.Equal(t, spec.ID, b.Prompts.AgentSpecID)
	assert.Equal(t, sop.StatusPromptGenerated, b.SOP.Status)

	got, err := c.Finalize(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, sop.StatusFinalized, got.Status)
}

func TestComposePrompts_RejectsReplacedSpec(t *testing.T) {
	st := store.NewMemory()
	c := newController(t, st, nil)
	ctx := context.Background()

	s, err := c.Ingest(ctx, offerNarrative())
	require.NoError(t, err)
	_, err = c.Audit(ctx, s.ID)
	require.NoError(t, err)
	stale, err := c.Decompose(ctx, s.ID)
	require.NoError(t, err)
	current, err := c.Decompose(ctx, s.ID)
	require.NoError(t, err)

	_, err = c.ComposePrompts(ctx, stale.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, sop.ErrPrecondition)

	_, err = st.GetPromptSet(ctx, stale.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetPromptSet(ctx, current.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	stored, err := st.GetSOP(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, sop.StatusSpecGenerated, stored.Status)
}

// brokenSchemaStore serves agent specifications whose output schemas cannot
// be formatted.
type brokenSchemaStore struct {
	store.Store
}

func (b brokenSchemaStore) GetAgentSpec(ctx context.Context, sopID uuid.UUID) (*sop.AgentSpecification, error) {
	return b.broken(b.Store.GetAgentSpec(ctx, sopID))
}

func (b brokenSchemaStore) GetAgentSpecByID(ctx context.Context, id uuid.UUID) (*sop.AgentSpecification, error) {
	return b.broken(b.Store.GetAgentSpecByID(ctx, id))
}

func (b brokenSchemaStore) broken(spec *sop.AgentSpecification, err error) (*sop.AgentSpecification, error) {
	if err != nil {
		return nil, err
	}
	for i := range spec.Agents {
		spec.Agents[i].OutputSchema = json.RawMessage(`{"type":`)
	}
	return spec, nil
}

func TestComposePrompts_FailureCarriesStage(t *testing.T) {
	c := newController(t, brokenSchemaStore{Store: store.NewMemory()}, nil)
	ctx := context.Background()

	s, err := c.Ingest(ctx, offerNarrative())
	require.NoError(t, err)
	_, err = c.Audit(ctx, s.ID)
	require.NoError(t, err)
	spec, err := c.Decompose(ctx, s.ID)
	require.NoError(t, err)
	require.NotEmpty(t, spec.Agents)

	_, err = c.ComposePrompts(ctx, spec.ID)
	require.Error(t, err)
	var serr *sop.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, sop.StageCompose, serr.Stage)
	assert.Equal(t, s.ID, serr.SOPID)
	assert.ErrorIs(t, err, sop.ErrPrecondition)
}

func TestPublishFailureDoesNotFailStage(t *testing.T) {
	c := newController(t, store.NewMemory(), nil, WithPublisher(&recordingPublisher{err: errors.New("nats down")}))
	ctx := context.Background()

	s, err := c.Ingest(ctx, offerNarrative())
	require.NoError(t, err)
	_, err = c.Audit(ctx, s.ID)
	assert.NoError(t, err)
}

type failingStore struct {
	store.Store
	failAudits bool
}

func (f *failingStore) PutWasteAudit(ctx context.Context, a *sop.WasteAudit, status sop.Status) error {
	if f.failAudits {
		return errors.New("disk full")
	}
	return f.Store.PutWasteAudit(ctx, a, status)
}

func TestAudit_PersistenceFailureKeepsPriorArtifact(t *testing.T) {
	fs := &failingStore{Store: store.NewMemory()}
	c := newController(t, fs, nil)
	ctx := context.Background()

	s, err := c.Ingest(ctx, offerNarrative())
	require.NoError(t, err)
	first, err := c.Audit(ctx, s.ID)
	require.NoError(t, err)

	fs.failAudits = true
	_, err = c.Audit(ctx, s.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, sop.ErrPersistence)

	stored, err := fs.GetWasteAudit(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, stored.ID)
}

type stubLLM struct {
	err error
}

func (s stubLLM) Complete(ctx context.Context, system string, messages []anthropic.Message, maxTokens int) (string, error) {
	return "", s.err
}

// blockingLLM tracks how many calls are in flight at once.
type blockingLLM struct {
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (b *blockingLLM) Complete(ctx context.Context, system string, messages []anthropic.Message, maxTokens int) (string, error) {
	n := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	for {
		seen := b.maxSeen.Load()
		if n <= seen || b.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return "", errors.New("busy")
}

func TestAudit_SameSOPIsSerialized(t *testing.T) {
	llm := &blockingLLM{}
	c := newController(t, store.NewMemory(), llm)
	ctx := context.Background()

	s, err := c.Ingest(ctx, offerNarrative())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Audit(ctx, s.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), llm.maxSeen.Load())
}

func TestAudit_DifferentSOPsRunInParallel(t *testing.T) {
	llm := &blockingLLM{}
	c := newController(t, store.NewMemory(), llm)
	ctx := context.Background()

	ids := make([]uuid.UUID, 4)
	for i := range ids {
		s, err := c.Ingest(ctx, offerNarrative())
		require.NoError(t, err)
		ids[i] = s.ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Audit(ctx, id)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Greater(t, llm.maxSeen.Load(), int32(1))
}

func TestStageTimeoutAbortsWithoutWrite(t *testing.T) {
	st := store.NewMemory()
	c := newController(t, st, waitingLLM{}, WithStageTimeout(10*time.Millisecond))
	ctx := context.Background()

	s, err := c.Ingest(ctx, offerNarrative())
	require.NoError(t, err)

	_, err = c.Audit(ctx, s.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, sop.ErrUpstream)

	_, err = st.GetWasteAudit(ctx, s.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// waitingLLM blocks until its context is done.
type waitingLLM struct{}

func (waitingLLM) Complete(ctx context.Context, system string, messages []anthropic.Message, maxTokens int) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestHandleNarrativeSubmitted(t *testing.T) {
	pub := &recordingPublisher{}
	st := store.NewMemory()
	c := newController(t, st, nil, WithPublisher(pub))

	data, err := json.Marshal(offerNarrative())
	require.NoError(t, err)
	c.HandleNarrativeSubmitted(hermes.SubjectNarrativeSubmitted, data)

	assert.Contains(t, pub.published(), hermes.SubjectPromptsGenerated)

	c.HandleNarrativeSubmitted(hermes.SubjectNarrativeSubmitted, []byte("{not json"))
	c.HandleNarrativeSubmitted(hermes.SubjectNarrativeSubmitted, []byte(`{"process_name":"only a name"}`))
	assert.Len(t, pub.published(), 4)
}
