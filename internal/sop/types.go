// Package sop holds the artifact model shared by every pipeline stage: the
// Standard Operating Procedure itself and the three artifacts derived from it
// (waste audit, agent specification, prompt set).
package sop

import (
	"time"

	"github.com/google/uuid"
)

// Meta describes the process an SOP documents.
type Meta struct {
	ProcessName      string    `json:"process_name"`
	Department       string    `json:"department"`
	Role             string    `json:"role"`
	Owner            string    `json:"owner"`
	Version          string    `json:"version"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	EstimatedTimeMin int       `json:"estimated_time_min"`
}

// Scope bounds the procedure with its START and STOP conditions.
type Scope struct {
	Trigger string `json:"trigger"`
	Outcome string `json:"outcome"`
}

type Prerequisites struct {
	Systems []string `json:"systems"`
	Data    []string `json:"data"`
}

// KnowledgeBase keeps the known reference material. Anything the pipeline
// does not model lands in Extra and round-trips untouched.
type KnowledgeBase struct {
	Documents         []string       `json:"documents"`
	QualityChecklist  []string       `json:"quality_checklist"`
	GoldenStandard    string         `json:"golden_standard"`
	Warnings          []string       `json:"warnings"`
	NamingConventions []string       `json:"naming_conventions"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// Step is one procedure step. ID is its 1-based position and is the only
// way downstream artifacts refer to it.
type Step struct {
	ID      int      `json:"id"`
	Name    string   `json:"name"`
	Actions []string `json:"actions"`
}

type Metrics struct {
	FrequencyPerDay float64 `json:"frequency_per_day"`
	AvgTimeMin      float64 `json:"avg_time_min"`
	PeopleCount     int     `json:"people_count"`
}

type Troubleshooting struct {
	Problem  string `json:"problem"`
	Solution string `json:"solution"`
}

type DictionaryTerm struct {
	Term       string `json:"term"`
	Definition string `json:"definition"`
}

type Exception struct {
	Condition string `json:"condition"`
	Action    string `json:"action"`
}

// SOP is the root artifact and the only one carrying a pipeline status.
type SOP struct {
	ID                   uuid.UUID         `json:"id"`
	Meta                 Meta              `json:"meta"`
	Purpose              string            `json:"purpose"`
	Scope                Scope             `json:"scope"`
	Prerequisites        Prerequisites     `json:"prerequisites"`
	KnowledgeBase        KnowledgeBase     `json:"knowledge_base"`
	Steps                []Step            `json:"steps"`
	Troubleshooting      []Troubleshooting `json:"troubleshooting"`
	DefinitionOfDone     []string          `json:"definition_of_done"`
	Metrics              Metrics           `json:"metrics"`
	DictionaryCandidates []DictionaryTerm  `json:"dictionary_candidates"`
	Exceptions           []Exception       `json:"exceptions"`
	Status               Status            `json:"status"`
}

// Step returns the step with the given id.
func (s *SOP) Step(id int) (Step, bool) {
	for _, st := range s.Steps {
		if st.ID == id {
			return st, true
		}
	}
	return Step{}, false
}

// StepIDs returns the step ids in procedure order.
func (s *SOP) StepIDs() []int {
	ids := make([]int, len(s.Steps))
	for i, st := range s.Steps {
		ids[i] = st.ID
	}
	return ids
}

// Terms returns the dictionary candidate terms in authored order.
func (s *SOP) Terms() []string {
	terms := make([]string, 0, len(s.DictionaryCandidates))
	for _, d := range s.DictionaryCandidates {
		terms = append(terms, d.Term)
	}
	return terms
}

// Provenance records whether an artifact came from the text-generation
// service or from the deterministic fallback.
type Provenance string

const (
	GeneratedByAI       Provenance = "ai"
	GeneratedByFallback Provenance = "fallback"
)
