package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/sopline/internal/sop"
)

// Memory is an in-process Store used when no database is configured and in tests.
type Memory struct {
	mu      sync.RWMutex
	sops    map[uuid.UUID]*sop.SOP
	audits  map[uuid.UUID]*sop.WasteAudit
	specs   map[uuid.UUID]*sop.AgentSpecification // by sop id
	prompts map[uuid.UUID]*sop.PromptSet          // by agent spec id
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		sops:    make(map[uuid.UUID]*sop.SOP),
		audits:  make(map[uuid.UUID]*sop.WasteAudit),
		specs:   make(map[uuid.UUID]*sop.AgentSpecification),
		prompts: make(map[uuid.UUID]*sop.PromptSet),
		now:     time.Now,
	}
}

func (m *Memory) Close() {}

func (m *Memory) CreateSOP(ctx context.Context, s *sop.SOP) error {
	c, err := clone(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sops[s.ID] = c
	return nil
}

func (m *Memory) GetSOP(ctx context.Context, id uuid.UUID) (*sop.SOP, error) {
	m.mu.RLock()
	s, ok := m.sops[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s)
}

func (m *Memory) SetStatus(ctx context.Context, id uuid.UUID, status sop.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setStatusLocked(id, status)
}

func (m *Memory) setStatusLocked(id uuid.UUID, status sop.Status) error {
	s, ok := m.sops[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	s.Meta.UpdatedAt = m.now().UTC()
	return nil
}

func (m *Memory) GetWasteAudit(ctx context.Context, sopID uuid.UUID) (*sop.WasteAudit, error) {
	m.mu.RLock()
	a, ok := m.audits[sopID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return clone(a)
}

func (m *Memory) PutWasteAudit(ctx context.Context, a *sop.WasteAudit, status sop.Status) error {
	c, err := clone(a)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.setStatusLocked(a.SOPID, status); err != nil {
		return err
	}
	m.audits[a.SOPID] = c
	return nil
}

func (m *Memory) GetAgentSpec(ctx context.Context, sopID uuid.UUID) (*sop.AgentSpecification, error) {
	m.mu.RLock()
	spec, ok := m.specs[sopID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return clone(spec)
}

func (m *Memory) GetAgentSpecByID(ctx context.Context, id uuid.UUID) (*sop.AgentSpecification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, spec := range m.specs {
		if spec.ID == id {
			return clone(spec)
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) PutAgentSpec(ctx context.Context, spec *sop.AgentSpecification, status sop.Status) error {
	c, err := clone(spec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.setStatusLocked(spec.SOPID, status); err != nil {
		return err
	}
	m.specs[spec.SOPID] = c
	return nil
}

func (m *Memory) GetPromptSet(ctx context.Context, agentSpecID uuid.UUID) (*sop.PromptSet, error) {
	m.mu.RLock()
	ps, ok := m.prompts[agentSpecID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return clone(ps)
}

func (m *Memory) PutPromptSet(ctx context.Context, ps *sop.PromptSet, status sop.Status) error {
	c, err := clone(ps)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.setStatusLocked(ps.SOPID, status); err != nil {
		return err
	}
	m.prompts[ps.AgentSpecID] = c
	return nil
}
