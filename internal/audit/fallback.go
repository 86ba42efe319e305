package audit

import (
	"fmt"
	"strings"

	"github.com/MikeSquared-Agency/sopline/internal/sop"
)

type template struct {
	problem       string
	kaizen        string
	timeSavingSec int
	potential     sop.AutomationPotential
}

var templates = map[sop.MudaType]template{
	sop.MudaTransport: {
		problem:       "Step %q hands information between people or systems by hand.",
		kaizen:        "Connect the systems used in %q directly so data flows without a manual hand-off.",
		timeSavingSec: 120,
		potential:     sop.PotentialMedium,
	},
	sop.MudaInventory: {
		problem:       "Work for step %q queues up before anyone picks it up.",
		kaizen:        "Process %q items as they arrive, with a WIP limit and an ageing alert on the queue.",
		timeSavingSec: 90,
		potential:     sop.PotentialLow,
	},
	sop.MudaMotion: {
		problem:       "Step %q requires switching between screens, files or tools.",
		kaizen:        "Bring everything %q needs into a single view or template and drop the extra navigation.",
		timeSavingSec: 60,
		potential:     sop.PotentialHigh,
	},
	sop.MudaWaiting: {
		problem:       "Step %q stalls while waiting for input, approval or a reply.",
		kaizen:        "Set a response SLA for %q and send an automatic reminder when it is breached.",
		timeSavingSec: 180,
		potential:     sop.PotentialMedium,
	},
	sop.MudaOverproduction: {
		problem:       "Step %q produces more output than the next step consumes.",
		kaizen:        "Trim %q to the fields and documents the next step actually uses.",
		timeSavingSec: 60,
		potential:     sop.PotentialLow,
	},
	sop.MudaOverprocessing: {
		problem:       "Step %q repeats checks or formatting already done elsewhere.",
		kaizen:        "Replace the repeated checks in %q with one checklist validated once.",
		timeSavingSec: 90,
		potential:     sop.PotentialMedium,
	},
	sop.MudaDefects: {
		problem:       "Step %q relies on manual entry that is prone to errors.",
		kaizen:        "Add validation rules and pre-filled values to %q so errors are caught at entry.",
		timeSavingSec: 120,
		potential:     sop.PotentialHigh,
	},
}

// digitalHints mark steps already done in a system, which makes them easy
// to automate regardless of the waste category.
var digitalHints = []string{
	"crm", "erp", "excel", "e-mail", "email", "mail", "system", "formularz", "form",
	"pdf", "wyślij", "send", "export", "eksport", "import", "kopiuj", "copy",
}

// Fallback classifies steps without the text-generation service by cycling
// through the seven categories, so every category is used evenly across the
// sample.
func Fallback(steps []sop.Step) []sop.Finding {
	findings := make([]sop.Finding, 0, len(steps))
	for i, st := range steps {
		muda := sop.MudaTypes[i%len(sop.MudaTypes)]
		tpl := templates[muda]
		potential := tpl.potential
		if isDigital(st) {
			potential = sop.PotentialHigh
		}
		findings = append(findings, sop.Finding{
			StepID:              st.ID,
			MudaType:            muda,
			Problem:             fmt.Sprintf(tpl.problem, st.Name),
			KaizenProposal:      fmt.Sprintf(tpl.kaizen, st.Name),
			TimeSavingSec:       tpl.timeSavingSec,
			AutomationPotential: potential,
		})
	}
	return findings
}

func isDigital(st sop.Step) bool {
	text := strings.ToLower(st.Name + " " + strings.Join(st.Actions, " "))
	for _, h := range digitalHints {
		if strings.Contains(text, h) {
			return true
		}
	}
	return false
}
