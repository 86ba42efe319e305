package sop

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Section names of a master prompt, in assembly order.
const (
	SectionRole             = "role"
	SectionObjective        = "objective"
	SectionContextKnowledge = "context_knowledge"
	SectionWorkflow         = "workflow"
	SectionOutputSchema     = "output_schema"
	SectionGuardrails       = "guardrails"
)

var SectionOrder = []string{
	SectionRole,
	SectionObjective,
	SectionContextKnowledge,
	SectionWorkflow,
	SectionOutputSchema,
	SectionGuardrails,
}

type Section struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

type PromptMeta struct {
	AgentName   string `json:"agent_name"`
	Version     string `json:"version"`
	CreatedDate string `json:"created_date"`
	Author      string `json:"author"`
}

// AgentPrompt is the master prompt of one microagent.
type AgentPrompt struct {
	Meta       PromptMeta `json:"meta"`
	Sections   []Section  `json:"sections"`
	FullPrompt string     `json:"full_prompt"`
}

// Consistent reports whether FullPrompt still matches Sections.
func (p AgentPrompt) Consistent() bool {
	return AssembleFullPrompt(p.Sections) == p.FullPrompt
}

type PromptSet struct {
	ID          uuid.UUID     `json:"id"`
	AgentSpecID uuid.UUID     `json:"agent_spec_id"`
	SOPID       uuid.UUID     `json:"sop_id"`
	Prompts     []AgentPrompt `json:"prompts"`
	CreatedAt   time.Time     `json:"created_at"`
}

// AssembleFullPrompt wraps each section in a name-delimited block and joins
// the blocks with a blank line, in the order given.
func AssembleFullPrompt(sections []Section) string {
	blocks := make([]string, len(sections))
	for i, s := range sections {
		blocks[i] = "<" + s.Name + ">\n" + s.Content + "\n</" + s.Name + ">"
	}
	return strings.Join(blocks, "\n\n")
}
