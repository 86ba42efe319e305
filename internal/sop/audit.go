package sop

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// MudaType is one of the seven canonical waste categories.
type MudaType string

const (
	MudaTransport      MudaType = "Transport"
	MudaInventory      MudaType = "Inventory"
	MudaMotion         MudaType = "Motion"
	MudaWaiting        MudaType = "Waiting"
	MudaOverproduction MudaType = "Overproduction"
	MudaOverprocessing MudaType = "Overprocessing"
	MudaDefects        MudaType = "Defects"
)

// MudaTypes lists the categories in canonical order.
var MudaTypes = []MudaType{
	MudaTransport,
	MudaInventory,
	MudaMotion,
	MudaWaiting,
	MudaOverproduction,
	MudaOverprocessing,
	MudaDefects,
}

func (m MudaType) Valid() bool {
	for _, t := range MudaTypes {
		if t == m {
			return true
		}
	}
	return false
}

type AutomationPotential string

const (
	PotentialNone   AutomationPotential = "none"
	PotentialLow    AutomationPotential = "low"
	PotentialMedium AutomationPotential = "medium"
	PotentialHigh   AutomationPotential = "high"
)

func (p AutomationPotential) Valid() bool {
	switch p {
	case PotentialNone, PotentialLow, PotentialMedium, PotentialHigh:
		return true
	}
	return false
}

// Finding is one waste observation tied to a step.
type Finding struct {
	StepID              int                 `json:"step_id"`
	MudaType            MudaType            `json:"muda_type"`
	Problem             string              `json:"problem"`
	KaizenProposal      string              `json:"kaizen_proposal"`
	TimeSavingSec       int                 `json:"time_saving_sec"`
	AutomationPotential AutomationPotential `json:"automation_potential"`
}

type AuditSummary struct {
	TotalMudaCount          int `json:"total_muda_count"`
	TotalPotentialSavingMin int `json:"total_potential_saving_min"`
	AutomationScore         int `json:"automation_score"`
}

type Optimization struct {
	StepID      int       `json:"step_id"`
	Description string    `json:"description"`
	AppliedAt   time.Time `json:"applied_at"`
}

type Escalation struct {
	StepID   int       `json:"step_id"`
	Reason   string    `json:"reason"`
	Owner    string    `json:"owner"`
	RaisedAt time.Time `json:"raised_at"`
}

// WasteAudit is the Stage 2 artifact. Summary is derived from
// WasteIdentified and is recomputed by NewWasteAudit, never edited.
type WasteAudit struct {
	ID                   uuid.UUID      `json:"id"`
	SOPID                uuid.UUID      `json:"sop_id"`
	WasteIdentified      []Finding      `json:"waste_identified"`
	Summary              AuditSummary   `json:"summary"`
	OptimizationsApplied []Optimization `json:"optimizations_applied"`
	Escalations          []Escalation   `json:"escalations"`
	GeneratedBy          Provenance     `json:"generated_by"`
	CreatedAt            time.Time      `json:"created_at"`
}

// NewWasteAudit builds a fresh audit for sopID with a derived summary.
func NewWasteAudit(sopID uuid.UUID, findings []Finding, by Provenance, now time.Time) *WasteAudit {
	if findings == nil {
		findings = []Finding{}
	}
	return &WasteAudit{
		ID:                   uuid.New(),
		SOPID:                sopID,
		WasteIdentified:      findings,
		Summary:              Summarize(findings),
		OptimizationsApplied: []Optimization{},
		Escalations:          []Escalation{},
		GeneratedBy:          by,
		CreatedAt:            now.UTC(),
	}
}

// Summarize aggregates findings. An empty slice yields a zero summary.
func Summarize(findings []Finding) AuditSummary {
	total := len(findings)
	if total == 0 {
		return AuditSummary{}
	}
	var savingSec, automatable int
	for _, f := range findings {
		savingSec += f.TimeSavingSec
		if f.AutomationPotential != PotentialNone {
			automatable++
		}
	}
	return AuditSummary{
		TotalMudaCount:          total,
		TotalPotentialSavingMin: int(math.Round(float64(savingSec) / 60)),
		AutomationScore:         int(math.Round(100 * float64(automatable) / float64(total))),
	}
}

// FindingsByStep indexes findings by step id, keeping authored order per step.
func (a *WasteAudit) FindingsByStep() map[int][]Finding {
	out := make(map[int][]Finding)
	if a == nil {
		return out
	}
	for _, f := range a.WasteIdentified {
		out[f.StepID] = append(out[f.StepID], f)
	}
	return out
}
