// Package ingest turns a narrative (structured pre-questions plus a free-text
// transcript) into the initial SOP artifact.
package ingest

import (
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/sopline/internal/sop"
)

const initialVersion = "1.0.0"

// Narrative is the caller-supplied description of a process.
type Narrative struct {
	ProcessName string      `json:"process_name"`
	Department  string      `json:"department"`
	Role        string      `json:"role"`
	Owner       string      `json:"owner,omitempty"`
	Trigger     string      `json:"trigger"`
	Outcome     string      `json:"outcome"`
	Description string      `json:"description"`
	Transcript  string      `json:"transcript,omitempty"`
	Systems     []string    `json:"systems,omitempty"`
	Metrics     sop.Metrics `json:"metrics"`
}

// Validate checks the required fields.
func (n Narrative) Validate() error {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"process_name", n.ProcessName},
		{"department", n.Department},
		{"role", n.Role},
		{"trigger", n.Trigger},
		{"outcome", n.Outcome},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return sop.Validationf(sop.StageIngest, uuid.Nil, "missing required fields: %s", strings.Join(missing, ", "))
	}
	if !utf8.ValidString(n.Transcript) {
		return sop.Validationf(sop.StageIngest, uuid.Nil, "transcript is not valid UTF-8")
	}
	return nil
}

type Ingestor struct {
	now func() time.Time
}

func New() *Ingestor {
	return &Ingestor{now: time.Now}
}

// Ingest builds a GENERATED SOP. Each non-blank transcript line becomes one
// step, in authored order.
func (in *Ingestor) Ingest(n Narrative) (*sop.SOP, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}

	now := in.now().UTC()
	systems := n.Systems
	if systems == nil {
		systems = []string{}
	}
	return &sop.SOP{
		ID: uuid.New(),
		Meta: sop.Meta{
			ProcessName:      n.ProcessName,
			Department:       n.Department,
			Role:             n.Role,
			Owner:            n.Owner,
			Version:          initialVersion,
			CreatedAt:        now,
			UpdatedAt:        now,
			EstimatedTimeMin: int(math.Round(n.Metrics.AvgTimeMin)),
		},
		Purpose: n.Description,
		Scope:   sop.Scope{Trigger: n.Trigger, Outcome: n.Outcome},
		Prerequisites: sop.Prerequisites{
			Systems: systems,
			Data:    []string{},
		},
		KnowledgeBase: sop.KnowledgeBase{
			Documents:         []string{},
			QualityChecklist:  []string{},
			Warnings:          []string{},
			NamingConventions: []string{},
		},
		Steps:                SplitSteps(n.Transcript),
		Troubleshooting:      []sop.Troubleshooting{},
		DefinitionOfDone:     []string{n.Outcome},
		Metrics:              n.Metrics,
		DictionaryCandidates: []sop.DictionaryTerm{},
		Exceptions:           []sop.Exception{},
		Status:               sop.StatusGenerated,
	}, nil
}

// SplitSteps splits a transcript into steps. Lines are kept verbatim apart
// from a trailing carriage return.
func SplitSteps(transcript string) []sop.Step {
	steps := []sop.Step{}
	if transcript == "" {
		return steps
	}
	for _, line := range strings.Split(transcript, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		steps = append(steps, sop.Step{
			ID:      len(steps) + 1,
			Name:    line,
			Actions: []string{line},
		})
	}
	return steps
}
