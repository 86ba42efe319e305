package decompose

import (
	"fmt"
	"strings"

	"github.com/MikeSquared-Agency/sopline/internal/sop"
)

// Keyword lists are checked in this order: a step that both finds and sends
// something is an automation.
var (
	automationWords = []string{
		"send", "copy", "export", "import", "generate", "archive", "forward", "upload", "notify",
		"wyślij", "wysłać", "kopiuj", "skopiuj", "eksportuj", "generuj", "wygeneruj", "zapisz", "prześlij", "archiwizuj",
	}
	agentWords = []string{
		"prepare", "analyze", "analyse", "draft", "write", "assess", "evaluate", "decide", "calculate", "review",
		"przygotuj", "przeanalizuj", "analizuj", "oceń", "napisz", "zdecyduj", "oblicz", "wyceń", "zweryfikuj",
	}
	assistantWords = []string{
		"find", "check", "open", "search", "look up", "read", "verify", "ask",
		"sprawdź", "znajdź", "otwórz", "wyszukaj", "przeczytaj", "zapytaj",
	}
)

type profile struct {
	label      string
	tools      []string
	banned     []string
	timeoutSec int
}

var profiles = map[sop.AgentType]profile{
	sop.AgentTypeAssistant: {
		label:      "Assistant",
		tools:      []string{"search_knowledge_base", "read_document"},
		banned:     []string{"modify records", "contact customers directly"},
		timeoutSec: 60,
	},
	sop.AgentTypeAgent: {
		label:      "Agent",
		tools:      []string{"read_document", "draft_document", "escalate_to_human"},
		banned:     []string{"send external communication without human approval", "delete records", "commit to prices or deadlines outside policy"},
		timeoutSec: 120,
	},
	sop.AgentTypeAutomation: {
		label:      "Automation",
		tools:      []string{"transform_data", "send_message"},
		banned:     []string{"change data outside the assigned steps", "retry non-idempotent actions without a dedup key"},
		timeoutSec: 30,
	},
}

const defaultMaxRetries = 3

var typeOrder = []sop.AgentType{sop.AgentTypeAssistant, sop.AgentTypeAgent, sop.AgentTypeAutomation}

// Classify picks the agent type for a step from its wording and the audit's
// view of it. ok is false when the step should stay with a human.
func Classify(st sop.Step, findings []sop.Finding) (t sop.AgentType, ok bool) {
	text := strings.ToLower(st.Name + " " + strings.Join(st.Actions, " "))
	switch {
	case containsAny(text, automationWords):
		return sop.AgentTypeAutomation, true
	case containsAny(text, agentWords):
		return sop.AgentTypeAgent, true
	case containsAny(text, assistantWords):
		return sop.AgentTypeAssistant, true
	}
	for _, f := range findings {
		if f.AutomationPotential == sop.PotentialMedium || f.AutomationPotential == sop.PotentialHigh {
			return sop.AgentTypeAgent, true
		}
	}
	return "", false
}

// Heuristic decomposes s without the text-generation service: one agent per
// agent type present, covering every step classified as that type.
func Heuristic(s *sop.SOP, audit *sop.WasteAudit) []sop.Agent {
	byStep := audit.FindingsByStep()
	grouped := make(map[sop.AgentType][]sop.Step)
	for _, st := range s.Steps {
		if t, ok := Classify(st, byStep[st.ID]); ok {
			grouped[t] = append(grouped[t], st)
		}
	}

	agents := make([]sop.Agent, 0, len(grouped))
	for _, t := range typeOrder {
		steps := grouped[t]
		if len(steps) == 0 {
			continue
		}
		p := profiles[t]
		ids := make([]int, len(steps))
		names := make([]string, len(steps))
		for i, st := range steps {
			ids[i] = st.ID
			names[i] = st.Name
		}
		agents = append(agents, sop.Agent{
			Name:           fmt.Sprintf("%s %s", s.Meta.ProcessName, p.label),
			Type:           t,
			Responsibility: fmt.Sprintf("Handles %q for the %s role: %s.", s.Meta.ProcessName, s.Meta.Role, strings.Join(names, "; ")),
			InputSpec:      fmt.Sprintf("Case context for %q triggered by: %s", s.Meta.ProcessName, s.Scope.Trigger),
			OutputSpec:     fmt.Sprintf("Result of steps %s, or an escalation with a reason", joinInts(ids)),
			Tools:          append([]string(nil), p.tools...),
			Integrations:   integrationsFor(s, steps),
			AutomatedSteps: ids,
		})
	}
	return agents
}

// integrationsFor returns the SOP systems named in steps, or every SOP
// system when no step names one.
func integrationsFor(s *sop.SOP, steps []sop.Step) []string {
	var named []string
	for _, sys := range s.Prerequisites.Systems {
		needle := strings.ToLower(sys)
		for _, st := range steps {
			if strings.Contains(strings.ToLower(st.Name+" "+strings.Join(st.Actions, " ")), needle) {
				named = append(named, sys)
				break
			}
		}
	}
	if len(named) == 0 {
		return append([]string{}, s.Prerequisites.Systems...)
	}
	return named
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

func joinInts(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ", ")
}
