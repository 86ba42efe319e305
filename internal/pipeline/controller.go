// Package pipeline drives an SOP through its stages. It owns stage gating,
// status transitions and per-SOP serialization; the stage components only
// produce artifacts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/sopline/internal/audit"
	"github.com/MikeSquared-Agency/sopline/internal/compose"
	"github.com/MikeSquared-Agency/sopline/internal/decompose"
	"github.com/MikeSquared-Agency/sopline/internal/hermes"
	"github.com/MikeSquared-Agency/sopline/internal/ingest"
	"github.com/MikeSquared-Agency/sopline/internal/sop"
	"github.com/MikeSquared-Agency/sopline/internal/store"
)

// Publisher sends stage events. hermes.Client satisfies it.
type Publisher interface {
	Publish(subject string, data any) error
}

// Progress is one progress report from a running stage.
type Progress struct {
	Stage   sop.Stage `json:"stage"`
	SOPID   uuid.UUID `json:"sop_id"`
	Done    int       `json:"done"`
	Total   int       `json:"total"`
	Message string    `json:"message"`
}

// ProgressFunc receives progress reports. It must not block.
type ProgressFunc func(Progress)

// Bundle is every artifact of one SOP. Missing artifacts are nil.
type Bundle struct {
	SOP     *sop.SOP                `json:"sop"`
	Audit   *sop.WasteAudit         `json:"waste_audit,omitempty"`
	Spec    *sop.AgentSpecification `json:"agent_specification,omitempty"`
	Prompts *sop.PromptSet          `json:"prompt_set,omitempty"`
}

type Controller struct {
	store      store.Store
	ingestor   *ingest.Ingestor
	auditor    *audit.Auditor
	decomposer *decompose.Decomposer
	composer   *compose.Composer
	publisher  Publisher
	logger     *slog.Logger

	stageTimeout time.Duration
	progress     ProgressFunc
	now          func() time.Time

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

type Option func(*Controller)

// WithPublisher enables stage events.
func WithPublisher(p Publisher) Option {
	return func(c *Controller) {
		c.publisher = p
	}
}

// WithStageTimeout bounds each stage, including its service calls.
func WithStageTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.stageTimeout = d
	}
}

func WithProgress(fn ProgressFunc) Option {
	return func(c *Controller) {
		c.progress = fn
	}
}

func New(st store.Store, in *ingest.Ingestor, au *audit.Auditor, de *decompose.Decomposer, co *compose.Composer, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		store:      st,
		ingestor:   in,
		auditor:    au,
		decomposer: de,
		composer:   co,
		logger:     logger,
		now:        time.Now,
		locks:      make(map[uuid.UUID]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ingest validates n and stores it as a new GENERATED SOP.
func (c *Controller) Ingest(ctx context.Context, n ingest.Narrative) (*sop.SOP, error) {
	s, err := c.ingestor.Ingest(n)
	if err != nil {
		return nil, err
	}
	if err := c.store.CreateSOP(ctx, s); err != nil {
		return nil, sop.Persistence(sop.StageIngest, s.ID, err)
	}

	c.logger.Info("sop ingested", "sop_id", s.ID, "process", s.Meta.ProcessName, "steps", len(s.Steps))
	c.report(sop.StageIngest, s.ID, 1, 1, "sop created")
	c.publish(hermes.SubjectSOPIngested, s.ID, s.Status, s.ID, "")
	return s, nil
}

// Audit replaces the SOP's waste audit and advances it to AUDITED.
func (c *Controller) Audit(ctx context.Context, sopID uuid.UUID) (*sop.WasteAudit, error) {
	unlock := c.lock(sopID)
	defer unlock()

	ctx, cancel := c.stageContext(ctx)
	defer cancel()

	s, err := c.loadSOP(ctx, sop.StageAudit, sopID)
	if err != nil {
		return nil, err
	}
	if err := notFinalized(sop.StageAudit, s); err != nil {
		return nil, err
	}

	c.logger.Info("stage started", "stage", sop.StageAudit, "sop_id", sopID, "steps", len(s.Steps))
	a, err := c.auditor.Audit(ctx, s)
	if err != nil {
		return nil, err
	}

	status := sop.Advance(s.Status, sop.StatusAudited)
	if err := c.store.PutWasteAudit(ctx, a, status); err != nil {
		return nil, c.storeErr(sop.StageAudit, sopID, "write waste audit", err)
	}

	c.logger.Info("stage finished",
		"stage", sop.StageAudit,
		"sop_id", sopID,
		"findings", a.Summary.TotalMudaCount,
		"generated_by", a.GeneratedBy,
	)
	c.report(sop.StageAudit, sopID, 1, 1, fmt.Sprintf("%d findings", a.Summary.TotalMudaCount))
	c.publish(hermes.SubjectSOPAudited, sopID, status, a.ID, a.GeneratedBy)
	return a, nil
}

// Decompose replaces the SOP's agent specification and advances it to
// SPEC_GENERATED. The SOP must be audited.
func (c *Controller) Decompose(ctx context.Context, sopID uuid.UUID) (*sop.AgentSpecification, error) {
	unlock := c.lock(sopID)
	defer unlock()

	ctx, cancel := c.stageContext(ctx)
	defer cancel()

	s, err := c.loadSOP(ctx, sop.StageDecompose, sopID)
	if err != nil {
		return nil, err
	}
	if err := notFinalized(sop.StageDecompose, s); err != nil {
		return nil, err
	}
	if !s.Status.AtLeast(sop.StatusAudited) {
		return nil, sop.Preconditionf(sop.StageDecompose, sopID, "status %s, want at least %s", s.Status, sop.StatusAudited)
	}
	a, err := c.store.GetWasteAudit(ctx, sopID)
	if err != nil {
		return nil, c.storeErr(sop.StageDecompose, sopID, "load waste audit", err)
	}

	c.logger.Info("stage started", "stage", sop.StageDecompose, "sop_id", sopID, "steps", len(s.Steps))
	spec, err := c.decomposer.Decompose(ctx, s, a)
	if err != nil {
		return nil, err
	}
	for _, agent := range spec.Agents {
		if err := sop.CheckStepRefs(sop.StageDecompose, s, agent.AutomatedSteps); err != nil {
			return nil, err
		}
	}

	status := sop.Advance(s.Status, sop.StatusSpecGenerated)
	if err := c.store.PutAgentSpec(ctx, spec, status); err != nil {
		return nil, c.storeErr(sop.StageDecompose, sopID, "write agent specification", err)
	}

	c.logger.Info("stage finished",
		"stage", sop.StageDecompose,
		"sop_id", sopID,
		"agents", len(spec.Agents),
		"automation_level", spec.Architecture.AutomationLevel,
		"generated_by", spec.GeneratedBy,
	)
	c.report(sop.StageDecompose, sopID, 1, 1, fmt.Sprintf("%d agents", len(spec.Agents)))
	c.publish(hermes.SubjectSpecGenerated, sopID, status, spec.ID, spec.GeneratedBy)
	return spec, nil
}

// ComposePrompts replaces the prompt set of the given agent specification
// and advances its SOP to PROMPT_GENERATED. The specification must still be
// the SOP's current one.
func (c *Controller) ComposePrompts(ctx context.Context, agentSpecID uuid.UUID) (*sop.PromptSet, error) {
	requested, err := c.store.GetAgentSpecByID(ctx, agentSpecID)
	if err != nil {
		return nil, c.storeErr(sop.StageCompose, uuid.Nil, "load agent specification", err)
	}
	sopID := requested.SOPID

	unlock := c.lock(sopID)
	defer unlock()

	ctx, cancel := c.stageContext(ctx)
	defer cancel()

	s, err := c.loadSOP(ctx, sop.StageCompose, sopID)
	if err != nil {
		return nil, err
	}
	if err := notFinalized(sop.StageCompose, s); err != nil {
		return nil, err
	}
	if !s.Status.AtLeast(sop.StatusSpecGenerated) {
		return nil, sop.Preconditionf(sop.StageCompose, sopID, "status %s, want at least %s", s.Status, sop.StatusSpecGenerated)
	}
	// Reload under the lock; a decompose may have replaced the specification.
	spec, err := c.store.GetAgentSpec(ctx, sopID)
	if err != nil {
		return nil, c.storeErr(sop.StageCompose, sopID, "load agent specification", err)
	}
	if spec.ID != agentSpecID {
		return nil, sop.Preconditionf(sop.StageCompose, sopID, "agent specification %s was replaced by %s", agentSpecID, spec.ID)
	}

	c.logger.Info("stage started", "stage", sop.StageCompose, "sop_id", sopID, "agents", len(spec.Agents))
	ps, err := c.composer.Compose(ctx, s, spec, func(done, total int, agentName string) {
		c.report(sop.StageCompose, sopID, done, total, "composed prompt for "+agentName)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, sop.Upstream(sop.StageCompose, sopID, ctx.Err())
		}
		return nil, &sop.Error{Kind: sop.ErrPrecondition, Stage: sop.StageCompose, SOPID: sopID, Err: err}
	}

	status := sop.Advance(s.Status, sop.StatusPromptGenerated)
	if err := c.store.PutPromptSet(ctx, ps, status); err != nil {
		return nil, c.storeErr(sop.StageCompose, sopID, "write prompt set", err)
	}

	c.logger.Info("stage finished", "stage", sop.StageCompose, "sop_id", sopID, "prompts", len(ps.Prompts))
	c.publish(hermes.SubjectPromptsGenerated, sopID, status, ps.ID, "")
	return ps, nil
}

// Run executes every stage the SOP has not completed yet, stopping at
// PROMPT_GENERATED, and returns all artifacts. Prompts are composed whenever
// the current specification has none. A finalized SOP is returned as is.
func (c *Controller) Run(ctx context.Context, sopID uuid.UUID) (*Bundle, error) {
	s, err := c.loadSOP(ctx, sop.StageAudit, sopID)
	if err != nil {
		return nil, err
	}
	if s.Status == sop.StatusFinalized {
		return c.Bundle(ctx, sopID)
	}

	if !s.Status.AtLeast(sop.StatusAudited) {
		if _, err := c.Audit(ctx, sopID); err != nil {
			return nil, err
		}
	}
	if !s.Status.AtLeast(sop.StatusSpecGenerated) {
		if _, err := c.Decompose(ctx, sopID); err != nil {
			return nil, err
		}
	}
	spec, err := c.store.GetAgentSpec(ctx, sopID)
	if err != nil {
		return nil, c.storeErr(sop.StageCompose, sopID, "load agent specification", err)
	}
	ps, err := optional(c.store.GetPromptSet(ctx, spec.ID))
	if err != nil {
		return nil, c.storeErr(sop.StageCompose, sopID, "load prompt set", err)
	}
	if ps == nil {
		if _, err := c.ComposePrompts(ctx, spec.ID); err != nil {
			return nil, err
		}
	}
	return c.Bundle(ctx, sopID)
}

// Finalize marks a SOP as reviewed. Its current agent specification must
// have a prompt set. Finalizing twice is a no-op.
func (c *Controller) Finalize(ctx context.Context, sopID uuid.UUID) (*sop.SOP, error) {
	unlock := c.lock(sopID)
	defer unlock()

	s, err := c.loadSOP(ctx, sop.StageFinalize, sopID)
	if err != nil {
		return nil, err
	}
	switch s.Status {
	case sop.StatusFinalized:
		return s, nil
	case sop.StatusPromptGenerated:
	default:
		return nil, sop.Preconditionf(sop.StageFinalize, sopID, "status %s, want %s", s.Status, sop.StatusPromptGenerated)
	}
	spec, err := c.store.GetAgentSpec(ctx, sopID)
	if err != nil {
		return nil, c.storeErr(sop.StageFinalize, sopID, "load agent specification", err)
	}
	if _, err := c.store.GetPromptSet(ctx, spec.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, sop.Preconditionf(sop.StageFinalize, sopID, "agent specification %s has no prompt set", spec.ID)
		}
		return nil, c.storeErr(sop.StageFinalize, sopID, "load prompt set", err)
	}

	if err := c.store.SetStatus(ctx, sopID, sop.StatusFinalized); err != nil {
		return nil, c.storeErr(sop.StageFinalize, sopID, "set status", err)
	}
	s.Status = sop.StatusFinalized

	c.logger.Info("sop finalized", "sop_id", sopID)
	c.publish(hermes.SubjectSOPFinalized, sopID, s.Status, uuid.Nil, "")
	return s, nil
}

// Reset moves a SOP back to an earlier status so its stages can be
// re-run. Artifacts are kept and replaced as stages run again.
func (c *Controller) Reset(ctx context.Context, sopID uuid.UUID, to sop.Status) (*sop.SOP, error) {
	if to.Rank() == 0 {
		return nil, sop.Validationf(sop.StageReset, sopID, "unknown status %q", to)
	}

	unlock := c.lock(sopID)
	defer unlock()

	s, err := c.loadSOP(ctx, sop.StageReset, sopID)
	if err != nil {
		return nil, err
	}
	if to.Rank() > s.Status.Rank() {
		return nil, sop.Preconditionf(sop.StageReset, sopID, "cannot reset forward from %s to %s", s.Status, to)
	}
	if err := c.store.SetStatus(ctx, sopID, to); err != nil {
		return nil, c.storeErr(sop.StageReset, sopID, "set status", err)
	}

	c.logger.Info("sop reset", "sop_id", sopID, "from", s.Status, "to", to)
	s.Status = to
	c.publish(hermes.SubjectSOPReset, sopID, to, uuid.Nil, "")
	return s, nil
}

func (c *Controller) GetSOP(ctx context.Context, id uuid.UUID) (*sop.SOP, error) {
	s, err := c.store.GetSOP(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get sop %s: %w", id, err)
	}
	return s, nil
}

func (c *Controller) GetWasteAudit(ctx context.Context, sopID uuid.UUID) (*sop.WasteAudit, error) {
	a, err := c.store.GetWasteAudit(ctx, sopID)
	if err != nil {
		return nil, fmt.Errorf("get waste audit for sop %s: %w", sopID, err)
	}
	return a, nil
}

func (c *Controller) GetAgentSpec(ctx context.Context, sopID uuid.UUID) (*sop.AgentSpecification, error) {
	spec, err := c.store.GetAgentSpec(ctx, sopID)
	if err != nil {
		return nil, fmt.Errorf("get agent specification for sop %s: %w", sopID, err)
	}
	return spec, nil
}

func (c *Controller) GetPromptSet(ctx context.Context, agentSpecID uuid.UUID) (*sop.PromptSet, error) {
	ps, err := c.store.GetPromptSet(ctx, agentSpecID)
	if err != nil {
		return nil, fmt.Errorf("get prompt set for spec %s: %w", agentSpecID, err)
	}
	return ps, nil
}

// Bundle loads every artifact of a SOP that exists.
func (c *Controller) Bundle(ctx context.Context, sopID uuid.UUID) (*Bundle, error) {
	s, err := c.GetSOP(ctx, sopID)
	if err != nil {
		return nil, err
	}
	b := &Bundle{SOP: s}
	if b.Audit, err = optional(c.store.GetWasteAudit(ctx, sopID)); err != nil {
		return nil, fmt.Errorf("get waste audit: %w", err)
	}
	if b.Spec, err = optional(c.store.GetAgentSpec(ctx, sopID)); err != nil {
		return nil, fmt.Errorf("get agent specification: %w", err)
	}
	if b.Spec != nil {
		if b.Prompts, err = optional(c.store.GetPromptSet(ctx, b.Spec.ID)); err != nil {
			return nil, fmt.Errorf("get prompt set: %w", err)
		}
	}
	return b, nil
}

// notFinalized rejects automated stages on a finalized SOP; only Reset
// reopens it.
func notFinalized(stage sop.Stage, s *sop.SOP) error {
	if s.Status == sop.StatusFinalized {
		return sop.Preconditionf(stage, s.ID, "sop is finalized")
	}
	return nil
}

func optional[T any](v *T, err error) (*T, error) {
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return v, err
}

func (c *Controller) loadSOP(ctx context.Context, stage sop.Stage, id uuid.UUID) (*sop.SOP, error) {
	s, err := c.store.GetSOP(ctx, id)
	if err != nil {
		return nil, c.storeErr(stage, id, "load sop", err)
	}
	return s, nil
}

// storeErr classifies a store failure: a missing artifact is a precondition
// failure, anything else is a persistence failure. Both keep the cause.
func (c *Controller) storeErr(stage sop.Stage, sopID uuid.UUID, op string, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)
	if errors.Is(err, store.ErrNotFound) {
		return &sop.Error{Kind: sop.ErrPrecondition, Stage: stage, SOPID: sopID, Err: wrapped}
	}
	c.logger.Error("store operation failed", "stage", stage, "sop_id", sopID, "op", op, "error", err)
	return sop.Persistence(stage, sopID, wrapped)
}

func (c *Controller) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.stageTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.stageTimeout)
}

// lock serializes stage execution per SOP.
func (c *Controller) lock(id uuid.UUID) func() {
	c.mu.Lock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	c.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (c *Controller) report(stage sop.Stage, sopID uuid.UUID, done, total int, msg string) {
	if c.progress == nil {
		return
	}
	c.progress(Progress{Stage: stage, SOPID: sopID, Done: done, Total: total, Message: msg})
}

// publish never fails a stage; the artifact is already written.
func (c *Controller) publish(subject string, sopID uuid.UUID, status sop.Status, artifactID uuid.UUID, by sop.Provenance) {
	if c.publisher == nil {
		return
	}
	evt := hermes.StageEvent{
		SOPID:       sopID,
		Status:      string(status),
		ArtifactID:  artifactID,
		GeneratedBy: string(by),
		Timestamp:   c.now().UTC(),
	}
	if err := c.publisher.Publish(subject, evt); err != nil {
		c.logger.Warn("failed to publish stage event", "subject", subject, "sop_id", sopID, "error", err)
	}
}
