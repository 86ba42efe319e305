package sop

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors for the failure taxonomy. Match with errors.Is.
var (
	ErrValidation   = errors.New("validation failed")
	ErrPrecondition = errors.New("precondition failed")
	ErrUpstream     = errors.New("upstream service failed")
	ErrPersistence  = errors.New("persistence failed")
)

// Stage names a pipeline operation.
type Stage string

const (
	StageIngest    Stage = "ingest"
	StageAudit     Stage = "audit"
	StageDecompose Stage = "decompose"
	StageCompose   Stage = "compose"
	StageFinalize  Stage = "finalize"
	StageReset     Stage = "reset"
)

// Error identifies the failing stage and SOP. Kind is one of the sentinels.
type Error struct {
	Kind  error
	Stage Stage
	SOPID uuid.UUID
	Err   error
}

func (e *Error) Error() string {
	if e.SOPID == uuid.Nil {
		return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s sop %s: %v: %v", e.Stage, e.SOPID, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func Validationf(stage Stage, sopID uuid.UUID, format string, args ...any) error {
	return &Error{Kind: ErrValidation, Stage: stage, SOPID: sopID, Err: fmt.Errorf(format, args...)}
}

func Preconditionf(stage Stage, sopID uuid.UUID, format string, args ...any) error {
	return &Error{Kind: ErrPrecondition, Stage: stage, SOPID: sopID, Err: fmt.Errorf(format, args...)}
}

func Upstream(stage Stage, sopID uuid.UUID, err error) error {
	return &Error{Kind: ErrUpstream, Stage: stage, SOPID: sopID, Err: err}
}

func Persistence(stage Stage, sopID uuid.UUID, err error) error {
	return &Error{Kind: ErrPersistence, Stage: stage, SOPID: sopID, Err: err}
}

// CheckStepRefs returns a precondition error naming the first id that is not
// a step of s.
func CheckStepRefs(stage Stage, s *SOP, ids []int) error {
	for _, id := range ids {
		if _, ok := s.Step(id); !ok {
			return Preconditionf(stage, s.ID, "step %d outside sop step range (1..%d)", id, len(s.Steps))
		}
	}
	return nil
}
