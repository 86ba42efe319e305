package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/sopline/internal/sop"
)

func offerNarrative() Narrative {
	return Narrative{
		ProcessName: "Ofertowanie B2B",
		Department:  "Sprzedaż",
		Role:        "Handlowiec",
		Trigger:     "Otrzymanie zapytania ofertowego",
		Outcome:     "Oferta wysłana do klienta",
		Transcript:  "Otwórz CRM\nPrzygotuj ofertę\nWyślij do klienta",
	}
}

func TestIngest_OfferScenario(t *testing.T) {
	in := New()
	in.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	s, err := in.Ingest(offerNarrative())
	require.NoError(t, err)

	assert.Equal(t, sop.StatusGenerated, s.Status)
	require.Len(t, s.Steps, 3)
	assert.Equal(t, sop.Step{ID: 1, Name: "Otwórz CRM", Actions: []string{"Otwórz CRM"}}, s.Steps[0])
	assert.Equal(t, sop.Step{ID: 3, Name: "Wyślij do klienta", Actions: []string{"Wyślij do klienta"}}, s.Steps[2])
	assert.Equal(t, "Otrzymanie zapytania ofertowego", s.Scope.Trigger)
	assert.Equal(t, "1.0.0", s.Meta.Version)
	assert.Equal(t, in.now(), s.Meta.CreatedAt)
}

func TestIngest_EmptyTranscriptYieldsNoSteps(t *testing.T) {
	n := offerNarrative()
	n.Transcript = ""
	s, err := New().Ingest(n)
	require.NoError(t, err)
	assert.NotNil(t, s.Steps)
	assert.Empty(t, s.Steps)
}

func TestIngest_MissingFields(t *testing.T) {
	n := offerNarrative()
	n.Department = ""
	n.Outcome = "   "
	_, err := New().Ingest(n)
	require.Error(t, err)
	assert.ErrorIs(t, err, sop.ErrValidation)
	assert.Contains(t, err.Error(), "department")
	assert.Contains(t, err.Error(), "outcome")
}

func TestIngest_InvalidUTF8(t *testing.T) {
	n := offerNarrative()
	n.Transcript = "ok\n\xff\xfe"
	_, err := New().Ingest(n)
	assert.ErrorIs(t, err, sop.ErrValidation)
}

func TestSplitSteps(t *testing.T) {
	tests := []struct {
		name       string
		transcript string
		want       []string
	}{
		{"blank lines removed", "a\n\n  \nb\n", []string{"a", "b"}},
		{"no trimming", "  indented  \nx", []string{"  indented  ", "x"}},
		{"duplicates kept", "same\nsame", []string{"same", "same"}},
		{"crlf", "one\r\ntwo\r\n", []string{"one", "two"}},
		{"only blanks", "\n\n", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitSteps(tt.transcript)
			require.Len(t, got, len(tt.want))
			for i, line := range tt.want {
				assert.Equal(t, i+1, got[i].ID)
				assert.Equal(t, line, got[i].Name)
				assert.Equal(t, []string{line}, got[i].Actions)
			}
		})
	}
}
