package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/loanbook/position-engine/internal/metrics"
)

// SubjectPrefix roots every published subject:
// loan.positions.{event_type}.{facility_id}
const SubjectPrefix = "loan.positions"

// NATSPublisher publishes committed events to a JetStream stream for
// downstream consumers. The event id is sent as the message id so a retried
// publish is deduplicated by the server.
type NATSPublisher struct {
	js jetstream.JetStream
}

func NewNATSPublisher(js jetstream.JetStream) *NATSPublisher {
	return &NATSPublisher{js: js}
}

// Subject returns the subject evt is published on.
func Subject(evt Event) string {
	subject := fmt.Sprintf("%s.%s", SubjectPrefix, strings.ReplaceAll(evt.Type, ".", "_"))
	if evt.FacilityID != "" {
		subject = fmt.Sprintf("%s.%s", subject, evt.FacilityID)
	}
	return subject
}

func (p *NATSPublisher) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := p.js.Publish(ctx, Subject(evt), data, jetstream.WithMsgID(evt.ID)); err != nil {
		metrics.FeedPublishFailures.WithLabelValues("nats").Inc()
		return fmt.Errorf("publish %s: %w", evt.Type, err)
	}
	return nil
}

// EnsureStream creates or updates the stream that captures every subject
// under SubjectPrefix.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   []string{SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	return nil
}
