package compose

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MikeSquared-Agency/sopline/internal/sop"
)

// BuildSections renders the six master-prompt sections of a, in fixed order.
// The output depends only on its inputs.
func BuildSections(s *sop.SOP, a sop.Agent) ([]sop.Section, error) {
	// Indent keeps the schema's own key order.
	var schema bytes.Buffer
	if err := json.Indent(&schema, a.OutputSchema, "", "  "); err != nil {
		return nil, fmt.Errorf("format output schema for %s: %w", a.Name, err)
	}

	contents := map[string]string{
		sop.SectionRole:             roleSection(s, a),
		sop.SectionObjective:        objectiveSection(a),
		sop.SectionContextKnowledge: contextSection(s, a),
		sop.SectionWorkflow:         workflowSection(a),
		sop.SectionOutputSchema:     schema.String(),
		sop.SectionGuardrails:       guardrailsSection(a),
	}

	sections := make([]sop.Section, len(sop.SectionOrder))
	for i, name := range sop.SectionOrder {
		sections[i] = sop.Section{ID: i + 1, Name: name, Content: contents[name]}
	}
	return sections, nil
}

func roleSection(s *sop.SOP, a sop.Agent) string {
	return fmt.Sprintf("You are %s, a %s microagent in the %q process (%s department).\n%s",
		a.Name, a.Type, s.Meta.ProcessName, s.Meta.Department, a.Responsibility)
}

func objectiveSection(a sop.Agent) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Input: %s\n", orNone(a.InputSpec))
	fmt.Fprintf(&sb, "Output: %s\n", orNone(a.OutputSpec))
	sb.WriteString("If you cannot produce a valid output within your guardrails, stop and escalate to a human with the reason.")
	return sb.String()
}

func contextSection(s *sop.SOP, a sop.Agent) string {
	var sb strings.Builder
	sb.WriteString("Domain terms:\n")
	if len(a.ContextRequired.SylabusTerms) == 0 {
		sb.WriteString("- none\n")
	}
	defs := make(map[string]string, len(s.DictionaryCandidates))
	for _, d := range s.DictionaryCandidates {
		defs[d.Term] = d.Definition
	}
	for _, term := range a.ContextRequired.SylabusTerms {
		if def := defs[term]; def != "" {
			fmt.Fprintf(&sb, "- %s: %s\n", term, def)
		} else {
			fmt.Fprintf(&sb, "- %s\n", term)
		}
	}

	sb.WriteString("SOP steps:")
	if len(a.ContextRequired.SOPSteps) == 0 {
		sb.WriteString("\n- none")
	}
	for _, id := range a.ContextRequired.SOPSteps {
		if st, ok := s.Step(id); ok {
			fmt.Fprintf(&sb, "\n- Step %d: %s", id, st.Name)
		} else {
			fmt.Fprintf(&sb, "\n- Step %d", id)
		}
	}
	return sb.String()
}

func workflowSection(a sop.Agent) string {
	integrations := "the provided input"
	if len(a.Integrations) > 0 {
		integrations = strings.Join(a.Integrations, ", ")
	}
	return fmt.Sprintf(`1. Validate input: confirm the request matches the input contract and that the data from %[1]s is complete. If not, escalate.
2. Apply business logic: perform your responsibility using only %[1]s and your tools.
3. Emit output: return a result that matches the output schema, or escalate with a clear reason.`, integrations)
}

func guardrailsSection(a sop.Agent) string {
	var sb strings.Builder
	sb.WriteString("Never:\n")
	if len(a.Guardrails.BannedActions) == 0 {
		sb.WriteString("- (no banned actions)\n")
	}
	for _, b := range a.Guardrails.BannedActions {
		fmt.Fprintf(&sb, "- %s\n", b)
	}
	fmt.Fprintf(&sb, "Max retries: %d\n", a.Guardrails.MaxRetries)
	fmt.Fprintf(&sb, "Timeout: %d seconds", a.Guardrails.TimeoutSec)
	return sb.String()
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "not specified"
	}
	return s
}
