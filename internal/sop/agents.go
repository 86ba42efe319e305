package sop

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
)

type AgentType string

const (
	AgentTypeAssistant  AgentType = "ASSISTANT"
	AgentTypeAgent      AgentType = "AGENT"
	AgentTypeAutomation AgentType = "AUTOMATION"
)

func (t AgentType) Valid() bool {
	switch t {
	case AgentTypeAssistant, AgentTypeAgent, AgentTypeAutomation:
		return true
	}
	return false
}

// Guardrails govern the runtime behaviour of a generated agent, not the
// pipeline's generation step.
type Guardrails struct {
	BannedActions []string `json:"banned_actions"`
	MaxRetries    int      `json:"max_retries"`
	TimeoutSec    int      `json:"timeout_sec"`
}

type ContextRequired struct {
	SylabusTerms []string `json:"sylabus_terms"`
	SOPSteps     []int    `json:"sop_steps"`
}

type ROI struct {
	MinutesSavedPerRun float64 `json:"minutes_saved_per_run"`
	HoursSavedPerMonth float64 `json:"hours_saved_per_month"`
}

// Agent is one microagent of a specification.
type Agent struct {
	Name            string          `json:"name"`
	Type            AgentType       `json:"type"`
	Responsibility  string          `json:"responsibility"`
	InputSpec       string          `json:"input_spec"`
	OutputSpec      string          `json:"output_spec"`
	OutputSchema    json.RawMessage `json:"output_schema"`
	Tools           []string        `json:"tools"`
	Integrations    []string        `json:"integrations"`
	AutomatedSteps  []int           `json:"automated_steps"`
	Guardrails      Guardrails      `json:"guardrails"`
	ContextRequired ContextRequired `json:"context_required"`
	EstimatedROI    ROI             `json:"estimated_roi"`
}

// Architecture summarises which steps stay human and which are covered.
type Architecture struct {
	HumanSteps      []int `json:"humanSteps"`
	AISteps         []int `json:"aiSteps"`
	HybridSteps     []int `json:"hybridSteps"`
	AutomationLevel int   `json:"automationLevel"`
}

type AgentSpecification struct {
	ID           uuid.UUID    `json:"id"`
	SOPID        uuid.UUID    `json:"sop_id"`
	Agents       []Agent      `json:"agents"`
	Architecture Architecture `json:"architecture"`
	GeneratedBy  Provenance   `json:"generated_by"`
	CreatedAt    time.Time    `json:"created_at"`
}

// NewAgentSpecification builds a specification with its architecture
// derived from steps.
func NewAgentSpecification(sopID uuid.UUID, steps []Step, agents []Agent, by Provenance, now time.Time) *AgentSpecification {
	if agents == nil {
		agents = []Agent{}
	}
	return &AgentSpecification{
		ID:           uuid.New(),
		SOPID:        sopID,
		Agents:       agents,
		Architecture: ComputeArchitecture(steps, agents),
		GeneratedBy:  by,
		CreatedAt:    now.UTC(),
	}
}

// ComputeArchitecture classifies every step. A step covered by an AGENT or
// AUTOMATION is an AI step; one covered only by an ASSISTANT is hybrid;
// anything uncovered stays human.
func ComputeArchitecture(steps []Step, agents []Agent) Architecture {
	covered := make(map[int]AgentType)
	for _, a := range agents {
		for _, id := range a.AutomatedSteps {
			prev, seen := covered[id]
			if !seen || prev == AgentTypeAssistant {
				covered[id] = a.Type
			}
		}
	}

	arch := Architecture{
		HumanSteps:  []int{},
		AISteps:     []int{},
		HybridSteps: []int{},
	}
	automated := 0
	for _, st := range steps {
		t, ok := covered[st.ID]
		switch {
		case !ok:
			arch.HumanSteps = append(arch.HumanSteps, st.ID)
		case t == AgentTypeAssistant:
			arch.HybridSteps = append(arch.HybridSteps, st.ID)
			automated++
		default:
			arch.AISteps = append(arch.AISteps, st.ID)
			automated++
		}
	}
	if len(steps) > 0 {
		arch.AutomationLevel = int(math.Round(100 * float64(automated) / float64(len(steps))))
	}
	return arch
}
