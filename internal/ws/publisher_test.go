package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/backdrop/studio/internal/metrics"
	"github.com/backdrop/studio/pkg/tracing"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestPublisherChannelFor(t *testing.T) {
	_, client := newRedis(t)

	if got := NewPublisher(client, "", nil).ChannelFor("u1"); got != "studio:user:u1:progress" {
		t.Fatalf("default channel = %q", got)
	}
	if got := NewPublisher(client, "custom:{userId}", nil).ChannelFor("u1"); got != "custom:u1" {
		t.Fatalf("custom channel = %q", got)
	}
	if got := NewPublisher(client, "no-placeholder", nil).ChannelFor("u1"); got != "studio:user:u1:progress" {
		t.Fatalf("template without placeholder must fall back, got %q", got)
	}
}

func TestPublisherPublishProgress(t *testing.T) {
	_, client := newRedis(t)
	publisher := NewPublisher(client, DefaultChannelTemplate, metrics.New())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub := client.Subscribe(ctx, "studio:user:u1:progress")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx = tracing.ContextWithTraceID(ctx, "trace-abc")
	if err := publisher.PublishProgress(ctx, "u1", "background_removal", map[string]interface{}{
		"stage":   "rehosting",
		"percent": 80,
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}

	var ev Event
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Channel != "progress" || ev.Event != "background_removal" {
		t.Fatalf("unexpected envelope %+v", ev)
	}
	if ev.TraceID != "trace-abc" {
		t.Fatalf("trace id = %q", ev.TraceID)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatalf("data: %v", err)
	}
	if data["stage"] != "rehosting" {
		t.Fatalf("stage = %v", data["stage"])
	}
}

func TestPublisherSessionEvent(t *testing.T) {
	_, client := newRedis(t)
	publisher := NewPublisher(client, "", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub := client.Subscribe(ctx, "studio:user:u9:progress")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := publisher.PublishSession(ctx, "u9", map[string]string{"currentStep": "upload"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	var ev Event
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Channel != "session" || ev.Event != "updated" {
		t.Fatalf("unexpected envelope %+v", ev)
	}
	if ev.TraceID != "" {
		t.Fatalf("expected no trace id, got %q", ev.TraceID)
	}
}

func TestPublisherUnmarshalableData(t *testing.T) {
	_, client := newRedis(t)
	publisher := NewPublisher(client, "", nil)

	if err := publisher.PublishProgress(context.Background(), "u1", "x", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
}
