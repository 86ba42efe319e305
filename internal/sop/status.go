package sop

import "fmt"

// Status is the pipeline stage marker stored on an SOP.
type Status string

const (
	StatusGenerated       Status = "GENERATED"
	StatusAudited         Status = "AUDITED"
	StatusSpecGenerated   Status = "SPEC_GENERATED"
	StatusPromptGenerated Status = "PROMPT_GENERATED"
	StatusFinalized       Status = "FINALIZED"
)

var statusRank = map[Status]int{
	StatusGenerated:       1,
	StatusAudited:         2,
	StatusSpecGenerated:   3,
	StatusPromptGenerated: 4,
	StatusFinalized:       5,
}

// ParseStatus validates a status name.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if _, ok := statusRank[s]; !ok {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

// Rank orders statuses; unknown statuses rank 0.
func (s Status) Rank() int {
	return statusRank[s]
}

// AtLeast reports whether s is at or beyond other.
func (s Status) AtLeast(other Status) bool {
	return s.Rank() >= other.Rank()
}

// Advance returns the later of current and next. Re-running an earlier stage
// never moves an SOP backward.
func Advance(current, next Status) Status {
	if next.Rank() > current.Rank() {
		return next
	}
	return current
}
