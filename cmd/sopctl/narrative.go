package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/MikeSquared-Agency/sopline/internal/ingest"
	"github.com/MikeSquared-Agency/sopline/internal/pipeline"
	"github.com/MikeSquared-Agency/sopline/internal/sop"
)

type narrativeFile struct {
	ProcessName string   `yaml:"process_name"`
	Department  string   `yaml:"department"`
	Role        string   `yaml:"role"`
	Owner       string   `yaml:"owner"`
	Trigger     string   `yaml:"trigger"`
	Outcome     string   `yaml:"outcome"`
	Description string   `yaml:"description"`
	Transcript  string   `yaml:"transcript"`
	Systems     []string `yaml:"systems"`
	Metrics     struct {
		FrequencyPerDay float64 `yaml:"frequency_per_day"`
		AvgTimeMin      float64 `yaml:"avg_time_min"`
		PeopleCount     int     `yaml:"people_count"`
	} `yaml:"metrics"`
}

// loadNarrative reads a narrative YAML file. Required fields are checked by
// the ingestor, not here.
func loadNarrative(path string) (ingest.Narrative, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ingest.Narrative{}, err
	}
	var f narrativeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return ingest.Narrative{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return ingest.Narrative{
		ProcessName: f.ProcessName,
		Department:  f.Department,
		Role:        f.Role,
		Owner:       f.Owner,
		Trigger:     f.Trigger,
		Outcome:     f.Outcome,
		Description: f.Description,
		Transcript:  f.Transcript,
		Systems:     f.Systems,
		Metrics: sop.Metrics{
			FrequencyPerDay: f.Metrics.FrequencyPerDay,
			AvgTimeMin:      f.Metrics.AvgTimeMin,
			PeopleCount:     f.Metrics.PeopleCount,
		},
	}, nil
}

// writeBundle renders b as YAML (or JSON) with the artifacts' JSON field names.
func writeBundle(w io.Writer, b *pipeline.Bundle, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(b)
	case "yaml", "":
	default:
		return fmt.Errorf("unknown format %q (want yaml or json)", format)
	}

	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal bundle: %w", err)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}

func writePrompts(w io.Writer, ps *sop.PromptSet) error {
	for i, p := range ps.Prompts {
		if i > 0 {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "# %s (v%s, %s)\n\n%s\n", p.Meta.AgentName, p.Meta.Version, p.Meta.CreatedDate, p.FullPrompt); err != nil {
			return err
		}
	}
	return nil
}
