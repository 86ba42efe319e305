package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MikeSquared-Agency/sopline/internal/sop"
)

const schema = `
CREATE TABLE IF NOT EXISTS sops (
	id         UUID PRIMARY KEY,
	status     TEXT NOT NULL,
	body       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS waste_audits (
	sop_id       UUID PRIMARY KEY REFERENCES sops(id) ON DELETE CASCADE,
	id           UUID NOT NULL,
	generated_by TEXT NOT NULL,
	body         JSONB NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS agent_specs (
	sop_id       UUID PRIMARY KEY REFERENCES sops(id) ON DELETE CASCADE,
	id           UUID NOT NULL UNIQUE,
	generated_by TEXT NOT NULL,
	body         JSON NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS prompt_sets (
	agent_spec_id UUID PRIMARY KEY,
	sop_id        UUID NOT NULL REFERENCES sops(id) ON DELETE CASCADE,
	id            UUID NOT NULL,
	body          JSONB NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// Postgres stores each artifact as a JSONB document keyed the same way as
// the Store interface. Agent specifications are plain JSON so output
// schemas keep their key order.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Migrate creates the artifact tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) CreateSOP(ctx context.Context, s *sop.SOP) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal sop: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO sops (id, status, body, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())`,
		s.ID, string(s.Status), body,
	)
	if err != nil {
		return fmt.Errorf("insert sop: %w", err)
	}
	return nil
}

func (p *Postgres) GetSOP(ctx context.Context, id uuid.UUID) (*sop.SOP, error) {
	var (
		status string
		body   []byte
	)
	err := p.pool.QueryRow(ctx, `SELECT status, body FROM sops WHERE id = $1`, id).Scan(&status, &body)
	if err != nil {
		return nil, notFound(err, "select sop")
	}
	var s sop.SOP
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("unmarshal sop: %w", err)
	}
	s.Status = sop.Status(status)
	return &s, nil
}

func (p *Postgres) SetStatus(ctx context.Context, id uuid.UUID, status sop.Status) error {
	return setStatus(ctx, p.pool, id, status)
}

func (p *Postgres) GetWasteAudit(ctx context.Context, sopID uuid.UUID) (*sop.WasteAudit, error) {
	var a sop.WasteAudit
	if err := p.getJSON(ctx, `SELECT body FROM waste_audits WHERE sop_id = $1`, sopID, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *Postgres) PutWasteAudit(ctx context.Context, a *sop.WasteAudit, status sop.Status) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal waste audit: %w", err)
	}
	return p.withStatus(ctx, a.SOPID, status, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO waste_audits (sop_id, id, generated_by, body, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (sop_id) DO UPDATE SET
				id = EXCLUDED.id,
				generated_by = EXCLUDED.generated_by,
				body = EXCLUDED.body,
				updated_at = now()`,
			a.SOPID, a.ID, string(a.GeneratedBy), body,
		)
		if err != nil {
			return fmt.Errorf("upsert waste audit: %w", err)
		}
		return nil
	})
}

func (p *Postgres) GetAgentSpec(ctx context.Context, sopID uuid.UUID) (*sop.AgentSpecification, error) {
	var spec sop.AgentSpecification
	if err := p.getJSON(ctx, `SELECT body FROM agent_specs WHERE sop_id = $1`, sopID, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

func (p *Postgres) GetAgentSpecByID(ctx context.Context, id uuid.UUID) (*sop.AgentSpecification, error) {
	var spec sop.AgentSpecification
	if err := p.getJSON(ctx, `SELECT body FROM agent_specs WHERE id = $1`, id, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

func (p *Postgres) PutAgentSpec(ctx context.Context, spec *sop.AgentSpecification, status sop.Status) error {
	body, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal agent spec: %w", err)
	}
	return p.withStatus(ctx, spec.SOPID, status, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO agent_specs (sop_id, id, generated_by, body, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (sop_id) DO UPDATE SET
				id = EXCLUDED.id,
				generated_by = EXCLUDED.generated_by,
				body = EXCLUDED.body,
				updated_at = now()`,
			spec.SOPID, spec.ID, string(spec.GeneratedBy), body,
		)
		if err != nil {
			return fmt.Errorf("upsert agent spec: %w", err)
		}
		return nil
	})
}

func (p *Postgres) GetPromptSet(ctx context.Context, agentSpecID uuid.UUID) (*sop.PromptSet, error) {
	var ps sop.PromptSet
	if err := p.getJSON(ctx, `SELECT body FROM prompt_sets WHERE agent_spec_id = $1`, agentSpecID, &ps); err != nil {
		return nil, err
	}
	return &ps, nil
}

func (p *Postgres) PutPromptSet(ctx context.Context, ps *sop.PromptSet, status sop.Status) error {
	body, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("marshal prompt set: %w", err)
	}
	return p.withStatus(ctx, ps.SOPID, status, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO prompt_sets (agent_spec_id, sop_id, id, body, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (agent_spec_id) DO UPDATE SET
				id = EXCLUDED.id,
				body = EXCLUDED.body,
				updated_at = now()`,
			ps.AgentSpecID, ps.SOPID, ps.ID, body,
		)
		if err != nil {
			return fmt.Errorf("upsert prompt set: %w", err)
		}
		return nil
	})
}

// withStatus runs write and the status update in one transaction.
func (p *Postgres) withStatus(ctx context.Context, sopID uuid.UUID, status sop.Status, write func(pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := setStatus(ctx, tx, sopID, status); err != nil {
		return err
	}
	if err := write(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *Postgres) getJSON(ctx context.Context, query string, key uuid.UUID, dst any) error {
	var body []byte
	if err := p.pool.QueryRow(ctx, query, key).Scan(&body); err != nil {
		return notFound(err, "select artifact")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("unmarshal artifact: %w", err)
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func setStatus(ctx context.Context, db execer, id uuid.UUID, status sop.Status) error {
	tag, err := db.Exec(ctx, `
		UPDATE sops
		SET status = $2,
			body = jsonb_set(body, '{meta,updated_at}', to_jsonb(now())),
			updated_at = now()
		WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("update sop status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func notFound(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
