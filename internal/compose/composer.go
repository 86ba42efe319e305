// Package compose renders a six-section master prompt for every microagent
// of an AgentSpecification.
package compose

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/sopline/internal/sop"
)

const (
	defaultWorkers = 4
	dateLayout     = "2006-01-02"
)

// ProgressFunc is called once per finished prompt. Calls are serialized.
type ProgressFunc func(done, total int, agentName string)

type Composer struct {
	logger  *slog.Logger
	workers int
	author  string
	now     func() time.Time
}

type Option func(*Composer)

// WithWorkers bounds how many prompts are rendered in parallel.
func WithWorkers(n int) Option {
	return func(c *Composer) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithAuthor sets the author recorded in every prompt's meta.
func WithAuthor(author string) Option {
	return func(c *Composer) {
		if author != "" {
			c.author = author
		}
	}
}

func New(logger *slog.Logger, opts ...Option) *Composer {
	c := &Composer{
		logger:  logger,
		workers: defaultWorkers,
		author:  "sopline",
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compose builds one prompt per agent of spec. Prompts keep the agents'
// order whatever order the workers finish in. progress may be nil.
func (c *Composer) Compose(ctx context.Context, s *sop.SOP, spec *sop.AgentSpecification, progress ProgressFunc) (*sop.PromptSet, error) {
	now := c.now().UTC()
	prompts := make([]sop.AgentPrompt, len(spec.Agents))

	var (
		mu   sync.Mutex
		done int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, agent := range spec.Agents {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p, err := c.build(s, agent, now)
			if err != nil {
				return err
			}
			prompts[i] = p

			mu.Lock()
			done++
			if progress != nil {
				progress(done, len(prompts), agent.Name)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	c.logger.Info("prompt set composed",
		"sop_id", s.ID,
		"agent_spec_id", spec.ID,
		"prompts", len(prompts),
	)
	return &sop.PromptSet{
		ID:          uuid.New(),
		AgentSpecID: spec.ID,
		SOPID:       spec.SOPID,
		Prompts:     prompts,
		CreatedAt:   now,
	}, nil
}

func (c *Composer) build(s *sop.SOP, a sop.Agent, now time.Time) (sop.AgentPrompt, error) {
	sections, err := BuildSections(s, a)
	if err != nil {
		return sop.AgentPrompt{}, err
	}
	return sop.AgentPrompt{
		Meta: sop.PromptMeta{
			AgentName:   a.Name,
			Version:     s.Meta.Version,
			CreatedDate: now.Format(dateLayout),
			Author:      c.author,
		},
		Sections:   sections,
		FullPrompt: sop.AssembleFullPrompt(sections),
	}, nil
}
