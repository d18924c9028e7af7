package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/nats-io/nats.go"

	model "github.com/zhouzirui/voice-genai/backend/internal/model/analytics"
)

const defaultSubjectPrefix = "voice.analytics"

// Publisher forwards records to an inner sink and then announces them on
// NATS. Publishing is best effort; only the inner sink's errors are returned.
type Publisher struct {
	inner  Sink
	conn   *nats.Conn
	prefix string
}

// NewPublisher decorates inner with NATS publishing on <prefix>.usage and
// <prefix>.conversation.
func NewPublisher(inner Sink, conn *nats.Conn, prefix string) *Publisher {
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	return &Publisher{inner: inner, conn: conn, prefix: prefix}
}

// UsageSubject is the subject usage records are published on.
func (p *Publisher) UsageSubject() string { return p.prefix + ".usage" }

// ConversationSubject is the subject conversation records are published on.
func (p *Publisher) ConversationSubject() string { return p.prefix + ".conversation" }

func (p *Publisher) SaveUsage(ctx context.Context, record model.UsageRecord) error {
	if err := p.inner.SaveUsage(ctx, record); err != nil {
		return err
	}
	p.publish(p.UsageSubject(), record)
	return nil
}

func (p *Publisher) SaveConversation(ctx context.Context, record model.ConversationRecord) error {
	if err := p.inner.SaveConversation(ctx, record); err != nil {
		return err
	}
	p.publish(p.ConversationSubject(), record)
	return nil
}

func (p *Publisher) Stats(ctx context.Context) (model.Stats, error) {
	return p.inner.Stats(ctx)
}

func (p *Publisher) Ping(ctx context.Context) error {
	if err := p.inner.Ping(ctx); err != nil {
		return err
	}
	if p.conn == nil || !p.conn.IsConnected() {
		return errors.New("nats connection is not established")
	}
	return nil
}

func (p *Publisher) publish(subject string, record any) {
	if p.conn == nil {
		return
	}
	payload, err := json.Marshal(record)
	if err != nil {
		log.Printf("[analytics] marshal %s event failed: %v", subject, err)
		return
	}
	if err := p.conn.Publish(subject, payload); err != nil {
		log.Printf("[analytics] publish %s failed: %v", subject, err)
	}
}
