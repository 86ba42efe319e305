// Package decompose splits an audited SOP into microagents.
package decompose

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/sopline/internal/anthropic"
	"github.com/MikeSquared-Agency/sopline/internal/sop"
)

// WorkingDaysPerMonth scales per-run savings to a monthly estimate.
const WorkingDaysPerMonth = 21

// Completer is the text-generation service.
type Completer interface {
	Complete(ctx context.Context, system string, messages []anthropic.Message, maxTokens int) (string, error)
}

type Decomposer struct {
	llm        Completer
	logger     *slog.Logger
	llmTimeout time.Duration
	now        func() time.Time
}

type Option func(*Decomposer)

// WithLLMTimeout bounds a single text-generation call.
func WithLLMTimeout(timeout time.Duration) Option {
	return func(d *Decomposer) {
		d.llmTimeout = timeout
	}
}

// New builds a Decomposer. A nil llm runs in heuristic-only mode.
func New(llm Completer, logger *slog.Logger, opts ...Option) *Decomposer {
	d := &Decomposer{
		llm:        llm,
		logger:     logger,
		llmTimeout: 90 * time.Second,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type llmResponse struct {
	Agents []sop.Agent `json:"agents"`
}

// Decompose builds a new AgentSpecification for s. audit is advisory and may
// be nil. Service failures fall back to the keyword heuristic; only
// cancellation of ctx aborts.
func (d *Decomposer) Decompose(ctx context.Context, s *sop.SOP, audit *sop.WasteAudit) (*sop.AgentSpecification, error) {
	if len(s.Steps) == 0 {
		return sop.NewAgentSpecification(s.ID, nil, nil, sop.GeneratedByFallback, d.now()), nil
	}

	if d.llm != nil {
		agents, err := d.generate(ctx, s, audit)
		if err == nil {
			return d.finish(s, audit, agents, sop.GeneratedByAI), nil
		}
		if ctx.Err() != nil {
			return nil, sop.Upstream(sop.StageDecompose, s.ID, ctx.Err())
		}
		d.logger.Warn("decomposition failed, using heuristic fallback",
			"sop_id", s.ID,
			"error", err,
		)
	}

	return d.finish(s, audit, Heuristic(s, audit), sop.GeneratedByFallback), nil
}

func (d *Decomposer) finish(s *sop.SOP, audit *sop.WasteAudit, agents []sop.Agent, by sop.Provenance) *sop.AgentSpecification {
	for i := range agents {
		normalize(s, audit, &agents[i])
	}
	spec := sop.NewAgentSpecification(s.ID, s.Steps, agents, by, d.now())
	d.logger.Info("agent specification generated",
		"sop_id", s.ID,
		"agents", len(spec.Agents),
		"automation_level", spec.Architecture.AutomationLevel,
		"generated_by", by,
	)
	return spec
}

func (d *Decomposer) generate(ctx context.Context, s *sop.SOP, audit *sop.WasteAudit) ([]sop.Agent, error) {
	ctx, cancel := context.WithTimeout(ctx, d.llmTimeout)
	defer cancel()

	systems := "none listed"
	if len(s.Prerequisites.Systems) > 0 {
		systems = strings.Join(s.Prerequisites.Systems, ", ")
	}
	prompt := fmt.Sprintf(decomposeUserPrompt,
		s.Meta.ProcessName, s.Meta.Department, s.Meta.Role,
		s.Scope.Trigger, s.Scope.Outcome, systems,
		formatSteps(s.Steps), formatFindings(audit),
	)

	raw, err := d.llm.Complete(ctx, systemPrompt, []anthropic.Message{{Role: "user", Content: prompt}}, 4096)
	if err != nil {
		return nil, fmt.Errorf("llm decompose: %w", err)
	}

	var resp llmResponse
	if err := json.Unmarshal([]byte(anthropic.StripFences(raw)), &resp); err != nil {
		d.logger.Error("failed to parse decomposition response", "error", err, "raw", raw)
		return nil, fmt.Errorf("parse decomposition: %w", err)
	}
	if err := validate(resp.Agents, s); err != nil {
		return nil, fmt.Errorf("validate decomposition: %w", err)
	}
	return resp.Agents, nil
}

func validate(agents []sop.Agent, s *sop.SOP) error {
	var errs []error
	names := make(map[string]bool, len(agents))
	for i, a := range agents {
		if strings.TrimSpace(a.Name) == "" {
			errs = append(errs, fmt.Errorf("agent %d: empty name", i))
		} else if names[a.Name] {
			errs = append(errs, fmt.Errorf("agent %d: duplicate name %q", i, a.Name))
		}
		names[a.Name] = true
		if !a.Type.Valid() {
			errs = append(errs, fmt.Errorf("agent %d: unknown type %q", i, a.Type))
		}
		for _, id := range a.AutomatedSteps {
			if _, ok := s.Step(id); !ok {
				errs = append(errs, fmt.Errorf("agent %d: unknown step %d", i, id))
			}
		}
		if a.Guardrails.MaxRetries < 0 || a.Guardrails.TimeoutSec < 0 {
			errs = append(errs, fmt.Errorf("agent %d: negative guardrail limit", i))
		}
		if hasSchema(a.OutputSchema) && !bytes.HasPrefix(bytes.TrimSpace(a.OutputSchema), []byte("{")) {
			errs = append(errs, fmt.Errorf("agent %d: output schema is not an object", i))
		}
	}
	return errors.Join(errs...)
}

// normalize fills the fields every agent must carry regardless of where it
// came from. ROI and context are always derived, never taken from the service.
func normalize(s *sop.SOP, audit *sop.WasteAudit, a *sop.Agent) {
	p := profiles[a.Type]
	if a.Tools == nil {
		a.Tools = []string{}
	}
	if a.Integrations == nil {
		a.Integrations = []string{}
	}
	if a.AutomatedSteps == nil {
		a.AutomatedSteps = []int{}
	}
	if a.Guardrails.BannedActions == nil {
		a.Guardrails.BannedActions = append([]string{}, p.banned...)
	}
	if a.Guardrails.MaxRetries == 0 {
		a.Guardrails.MaxRetries = defaultMaxRetries
	}
	if a.Guardrails.TimeoutSec == 0 {
		a.Guardrails.TimeoutSec = p.timeoutSec
	}
	if !hasSchema(a.OutputSchema) {
		a.OutputSchema = DefaultOutputSchema()
	}
	a.ContextRequired = sop.ContextRequired{
		SylabusTerms: s.Terms(),
		SOPSteps:     append([]int{}, a.AutomatedSteps...),
	}
	a.EstimatedROI = EstimateROI(s, audit, a.AutomatedSteps)
}

// DefaultOutputSchema is the JSON Schema used when an agent declares none.
func DefaultOutputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "result": {"type": "string"},
    "steps_completed": {"type": "array", "items": {"type": "integer"}},
    "escalate": {"type": "boolean"},
    "escalation_reason": {"type": "string"}
  },
  "required": ["result", "escalate"]
}`)
}

func hasSchema(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	return len(v) > 0 && !bytes.Equal(v, []byte("null"))
}

// EstimateROI sums the audit's time savings for steps. A step without a
// finding is assumed to save half its share of the average run time.
// Frequency defaults to one run per day.
func EstimateROI(s *sop.SOP, audit *sop.WasteAudit, steps []int) sop.ROI {
	if len(steps) == 0 || len(s.Steps) == 0 {
		return sop.ROI{}
	}
	byStep := audit.FindingsByStep()
	perStepSec := s.Metrics.AvgTimeMin * 60 / float64(len(s.Steps))

	var savedSec float64
	for _, id := range steps {
		findings := byStep[id]
		if len(findings) == 0 {
			savedSec += perStepSec / 2
			continue
		}
		for _, f := range findings {
			savedSec += float64(f.TimeSavingSec)
		}
	}

	freq := s.Metrics.FrequencyPerDay
	if freq <= 0 {
		freq = 1
	}
	return sop.ROI{
		MinutesSavedPerRun: round1(savedSec / 60),
		HoursSavedPerMonth: round1(savedSec * freq * WorkingDaysPerMonth / 3600),
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func formatSteps(steps []sop.Step) string {
	var sb strings.Builder
	for _, st := range steps {
		fmt.Fprintf(&sb, "%d. %s\n", st.ID, st.Name)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatFindings(audit *sop.WasteAudit) string {
	if audit == nil || len(audit.WasteIdentified) == 0 {
		return "none"
	}
	var sb strings.Builder
	for _, f := range audit.WasteIdentified {
		fmt.Fprintf(&sb, "- step %d [%s, automation %s, saves %ds]: %s\n",
			f.StepID, f.MudaType, f.AutomationPotential, f.TimeSavingSec, f.KaizenProposal)
	}
	return strings.TrimRight(sb.String(), "\n")
}
