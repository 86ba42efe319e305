package pipeline

import (
	"context"
	"encoding/json"

	"github.com/MikeSquared-Agency/sopline/internal/ingest"
)

// HandleNarrativeSubmitted is the NATS handler for sopline.narrative.submitted.
// It ingests the narrative and runs every stage.
func (c *Controller) HandleNarrativeSubmitted(subject string, data []byte) {
	ctx := context.Background()

	var n ingest.Narrative
	if err := json.Unmarshal(data, &n); err != nil {
		c.logger.Error("failed to parse narrative", "subject", subject, "error", err)
		return
	}

	s, err := c.Ingest(ctx, n)
	if err != nil {
		c.logger.Error("narrative rejected", "process", n.ProcessName, "error", err)
		return
	}

	b, err := c.Run(ctx, s.ID)
	if err != nil {
		c.logger.Error("pipeline run failed", "sop_id", s.ID, "error", err)
		return
	}

	prompts := 0
	if b.Prompts != nil {
		prompts = len(b.Prompts.Prompts)
	}
	c.logger.Info("narrative processed",
		"sop_id", s.ID,
		"status", b.SOP.Status,
		"prompts", prompts,
	)
}
