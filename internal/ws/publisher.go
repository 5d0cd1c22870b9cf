// Package ws publishes workflow progress to Redis and streams it to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/backdrop/studio/internal/metrics"
	"github.com/backdrop/studio/pkg/tracing"
)

const DefaultChannelTemplate = "studio:user:{userId}:progress"

// Event is one progress message sent to a user.
type Event struct {
	Channel   string          `json:"channel"`
	Event     string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"ts"`
	TraceID   string          `json:"traceId,omitempty"`
}

// Publisher fans progress events out over Redis pub/sub.
type Publisher struct {
	client   redis.UniversalClient
	template string
	metrics  *metrics.Metrics
}

func NewPublisher(client redis.UniversalClient, template string, m *metrics.Metrics) *Publisher {
	if template == "" || !strings.Contains(template, "{userId}") {
		template = DefaultChannelTemplate
	}
	return &Publisher{client: client, template: template, metrics: m}
}

// ChannelFor returns the pub/sub channel of one user.
func (p *Publisher) ChannelFor(userID string) string {
	return strings.ReplaceAll(p.template, "{userId}", userID)
}

// PublishProgress publishes a step progress update for userID.
func (p *Publisher) PublishProgress(ctx context.Context, userID, event string, data interface{}) error {
	return p.publish(ctx, userID, "progress", event, data)
}

// PublishSession publishes the full session after a state change.
func (p *Publisher) PublishSession(ctx context.Context, userID string, session interface{}) error {
	return p.publish(ctx, userID, "session", "updated", session)
}

func (p *Publisher) publish(ctx context.Context, userID, channel, event string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		p.metrics.IncProgressEvent("error")
		return err
	}

	msg := map[string]interface{}{}
	tracing.InjectMessage(ctx, msg)
	traceID, _ := msg["traceId"].(string)

	payload, err := json.Marshal(Event{
		Channel:   channel,
		Event:     event,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
		TraceID:   traceID,
	})
	if err != nil {
		p.metrics.IncProgressEvent("error")
		return err
	}

	if err := p.client.Publish(ctx, p.ChannelFor(userID), payload).Err(); err != nil {
		p.metrics.IncProgressEvent("error")
		return err
	}
	p.metrics.IncProgressEvent("ok")
	return nil
}
