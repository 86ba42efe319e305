// Package store persists pipeline artifacts. Every artifact write also sets
// the owning SOP's status, and both happen in one unit: either the new
// artifact and status are visible together or the prior state stays intact.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/sopline/internal/sop"
)

// ErrNotFound is returned when the requested artifact does not exist.
var ErrNotFound = errors.New("artifact not found")

// Store is the Artifact Store. Audits and specifications are keyed by SOP
// id; prompt sets by agent specification id.
type Store interface {
	CreateSOP(ctx context.Context, s *sop.SOP) error
	GetSOP(ctx context.Context, id uuid.UUID) (*sop.SOP, error)
	SetStatus(ctx context.Context, id uuid.UUID, status sop.Status) error

	GetWasteAudit(ctx context.Context, sopID uuid.UUID) (*sop.WasteAudit, error)
	PutWasteAudit(ctx context.Context, a *sop.WasteAudit, status sop.Status) error

	GetAgentSpec(ctx context.Context, sopID uuid.UUID) (*sop.AgentSpecification, error)
	GetAgentSpecByID(ctx context.Context, id uuid.UUID) (*sop.AgentSpecification, error)
	PutAgentSpec(ctx context.Context, spec *sop.AgentSpecification, status sop.Status) error

	GetPromptSet(ctx context.Context, agentSpecID uuid.UUID) (*sop.PromptSet, error)
	PutPromptSet(ctx context.Context, ps *sop.PromptSet, status sop.Status) error

	Close()
}

// clone deep-copies an artifact through its JSON form so callers never share
// memory with stored state.
func clone[T any](v *T) (*T, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal artifact: %w", err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal artifact: %w", err)
	}
	return &out, nil
}
