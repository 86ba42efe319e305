// Package audit analyses SOP steps against the seven waste categories.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/sopline/internal/anthropic"
	"github.com/MikeSquared-Agency/sopline/internal/sop"
)

// Completer is the text-generation service.
type Completer interface {
	Complete(ctx context.Context, system string, messages []anthropic.Message, maxTokens int) (string, error)
}

type Auditor struct {
	llm        Completer
	logger     *slog.Logger
	sampleSize int
	llmTimeout time.Duration
	now        func() time.Time
}

type Option func(*Auditor)

// WithSampleSize limits analysis to the first n steps. Zero analyses all steps.
func WithSampleSize(n int) Option {
	return func(a *Auditor) {
		if n > 0 {
			a.sampleSize = n
		}
	}
}

// WithLLMTimeout bounds a single text-generation call.
func WithLLMTimeout(d time.Duration) Option {
	return func(a *Auditor) {
		a.llmTimeout = d
	}
}

// New builds an Auditor. A nil llm runs in fallback-only mode.
func New(llm Completer, logger *slog.Logger, opts ...Option) *Auditor {
	a := &Auditor{
		llm:        llm,
		logger:     logger,
		llmTimeout: 90 * time.Second,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type llmResponse struct {
	WasteIdentified []sop.Finding `json:"waste_identified"`
}

// Audit produces a new WasteAudit for s. Service failures fall back to the
// rule-based generator; only cancellation of ctx aborts the audit.
func (a *Auditor) Audit(ctx context.Context, s *sop.SOP) (*sop.WasteAudit, error) {
	steps := a.sample(s.Steps)
	if len(steps) == 0 {
		return sop.NewWasteAudit(s.ID, nil, sop.GeneratedByFallback, a.now()), nil
	}

	if a.llm != nil {
		findings, err := a.generate(ctx, s, steps)
		if err == nil {
			return sop.NewWasteAudit(s.ID, findings, sop.GeneratedByAI, a.now()), nil
		}
		if ctx.Err() != nil {
			return nil, sop.Upstream(sop.StageAudit, s.ID, ctx.Err())
		}
		a.logger.Warn("waste analysis failed, using rule-based fallback",
			"sop_id", s.ID,
			"error", err,
		)
	}

	return sop.NewWasteAudit(s.ID, Fallback(steps), sop.GeneratedByFallback, a.now()), nil
}

func (a *Auditor) sample(steps []sop.Step) []sop.Step {
	if a.sampleSize > 0 && len(steps) > a.sampleSize {
		return steps[:a.sampleSize]
	}
	return steps
}

func (a *Auditor) generate(ctx context.Context, s *sop.SOP, steps []sop.Step) ([]sop.Finding, error) {
	ctx, cancel := context.WithTimeout(ctx, a.llmTimeout)
	defer cancel()

	prompt := fmt.Sprintf(auditUserPrompt,
		s.Meta.ProcessName, s.Meta.Department, s.Meta.Role,
		s.Scope.Trigger, s.Scope.Outcome,
		s.Metrics.FrequencyPerDay, s.Metrics.AvgTimeMin,
		formatSteps(steps),
	)

	a.logger.Info("auditing sop",
		"sop_id", s.ID,
		"steps", len(steps),
		"total_steps", len(s.Steps),
	)

	raw, err := a.llm.Complete(ctx, systemPrompt, []anthropic.Message{{Role: "user", Content: prompt}}, 4096)
	if err != nil {
		return nil, fmt.Errorf("llm audit: %w", err)
	}

	var resp llmResponse
	if err := json.Unmarshal([]byte(anthropic.StripFences(raw)), &resp); err != nil {
		a.logger.Error("failed to parse audit response", "error", err, "raw", raw)
		return nil, fmt.Errorf("parse audit: %w", err)
	}
	if err := validate(resp.WasteIdentified, steps); err != nil {
		return nil, fmt.Errorf("validate audit: %w", err)
	}

	a.logger.Info("audit generated", "sop_id", s.ID, "findings", len(resp.WasteIdentified))
	return resp.WasteIdentified, nil
}

func validate(findings []sop.Finding, steps []sop.Step) error {
	analysed := make(map[int]bool, len(steps))
	for _, st := range steps {
		analysed[st.ID] = true
	}
	var errs []error
	for i, f := range findings {
		if !analysed[f.StepID] {
			errs = append(errs, fmt.Errorf("finding %d: unknown step %d", i, f.StepID))
		}
		if !f.MudaType.Valid() {
			errs = append(errs, fmt.Errorf("finding %d: unknown muda type %q", i, f.MudaType))
		}
		if !f.AutomationPotential.Valid() {
			errs = append(errs, fmt.Errorf("finding %d: unknown automation potential %q", i, f.AutomationPotential))
		}
		if f.TimeSavingSec < 0 {
			errs = append(errs, fmt.Errorf("finding %d: negative time saving", i))
		}
		if strings.TrimSpace(f.Problem) == "" || strings.TrimSpace(f.KaizenProposal) == "" {
			errs = append(errs, fmt.Errorf("finding %d: empty problem or kaizen proposal", i))
		}
	}
	return errors.Join(errs...)
}

func formatSteps(steps []sop.Step) string {
	var sb strings.Builder
	for _, st := range steps {
		fmt.Fprintf(&sb, "%d. %s\n", st.ID, st.Name)
		for _, act := range st.Actions {
			if act != st.Name {
				fmt.Fprintf(&sb, "   - %s\n", act)
			}
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
