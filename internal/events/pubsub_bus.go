package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// PubSubBus wraps the in-memory Bus and additionally publishes every event
// to a Google Cloud Pub/Sub topic for durable, cross-service delivery.
// Message ordering is keyed by tenant, matching the ledger's per-tenant
// ordering guarantee.
type PubSubBus struct {
	*Bus

	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubBus connects to the topic, creating it when absent.
func NewPubSubBus(projectID, topicID string, opts ...option.ClientOption) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("events: pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("events: topic exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("events: create topic: %w", err)
		}
		slog.Info("created pubsub topic", "topic", topicID)
	}
	topic.EnableMessageOrdering = true

	return &PubSubBus{Bus: NewBus(), client: client, topic: topic}, nil
}

// Emit publishes durably to Pub/Sub and fans out in-process. Pub/Sub
// failures are logged but never fail the verdict: the ledger, not the event
// stream, is the system of record.
func (pb *PubSubBus) Emit(eventType, tenantID, subject string, data map[string]interface{}) {
	event := NewEvent(eventType, tenantID, subject, data)
	pb.publish(event)
	pb.Bus.Publish(event)
}

func (pb *PubSubBus) publish(event *Event) {
	payload, err := event.JSON()
	if err != nil {
		slog.Error("marshal event", "event_id", event.ID, "error", err)
		return
	}

	result := pb.topic.Publish(context.Background(), &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
			"ce-tenantid":    event.TenantID,
		},
		OrderingKey: event.TenantID,
	})

	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			slog.Error("pubsub publish failed", "event_id", event.ID, "error", err)
		}
	}()
}

func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	return pb.client.Close()
}
