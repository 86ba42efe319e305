package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Stage events are published after the artifact is durably written.
// Narratives arrive on SubjectNarrativeSubmitted.
const (
	SubjectSOPIngested        = "sopline.sop.ingested"
	SubjectSOPAudited         = "sopline.sop.audited"
	SubjectSpecGenerated      = "sopline.sop.spec_generated"
	SubjectPromptsGenerated   = "sopline.sop.prompts_generated"
	SubjectSOPFinalized       = "sopline.sop.finalized"
	SubjectSOPReset           = "sopline.sop.reset"
	SubjectNarrativeSubmitted = "sopline.narrative.submitted"
	SubjectRegistered         = "swarm.agent.sopline.registered"
)

// StageEvent announces a completed stage. ArtifactID is the id of the
// artifact the stage wrote, if any.
type StageEvent struct {
	SOPID       uuid.UUID `json:"sop_id"`
	Status      string    `json:"status"`
	ArtifactID  uuid.UUID `json:"artifact_id,omitempty"`
	GeneratedBy string    `json:"generated_by,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("sopline"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc, logger: logger}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := c.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

// Drain flushes pending publishes and stops subscriptions before closing.
func (c *Client) Drain() error {
	return c.conn.Drain()
}

func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.conn.Close()
}
