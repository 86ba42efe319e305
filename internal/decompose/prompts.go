package decompose

const systemPrompt = `You are an AI solutions architect. You decompose a Standard Operating Procedure into
microagents, each owning a narrow, well-defined slice of the procedure.

## Agent types
- ASSISTANT: answers questions or retrieves information; a human stays in the loop
- AGENT: multi-step reasoning with tool use; drafts, analyses, decides within guardrails
- AUTOMATION: deterministic transform with no judgment (copy, send, export, generate from template)

## Rules
- Reference steps ONLY by their numeric id from the step list
- Prefer steps the waste audit marks with medium or high automation potential, but a step
  does not need a finding to be automated
- A step may be left to humans; do not force coverage
- Each agent has a short unique name and a one-sentence responsibility
- output_schema is a JSON Schema object describing the agent's output
- Guardrails list actions the agent must never take; max_retries and timeout_sec are runtime limits`

const decomposeUserPrompt = `Decompose this procedure into microagents.

Process: %s
Department: %s
Role: %s
Trigger: %s
Outcome: %s
Systems: %s

Steps:
---
%s
---

Waste audit findings:
---
%s
---

Respond with valid JSON matching this schema:
{
  "agents": [
    {
      "name": "string",
      "type": "ASSISTANT|AGENT|AUTOMATION",
      "responsibility": "string",
      "input_spec": "string",
      "output_spec": "string",
      "output_schema": {"type": "object", "properties": {}},
      "tools": ["string"],
      "integrations": ["string"],
      "automated_steps": [1],
      "guardrails": {"banned_actions": ["string"], "max_retries": 3, "timeout_sec": 60}
    }
  ]
}

Return ONLY the JSON object, no markdown fences or other text.`
