// Package dispatch delivers approved interventions to the member-facing
// outreach channel.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/retention/internal/domain"
	"example.com/retention/internal/events"
	"example.com/retention/internal/observability"
)

// KafkaNotifier publishes outreach requests synchronously so approve-and-send
// learns the delivery outcome before reporting back.
type KafkaNotifier struct {
	writer *kafka.Writer
}

// NewKafkaNotifier constructs a notifier writing to the given topic.
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Async:        false,
		},
	}
}

// Notify publishes one outreach request for the intervention.
func (n *KafkaNotifier) Notify(ctx context.Context, iv domain.Intervention) error {
	var approvedAt time.Time
	if iv.ApprovedAt != nil {
		approvedAt = *iv.ApprovedAt
	}

	payload, err := json.Marshal(events.OutreachRequested{
		InterventionID:   iv.ID,
		TenantID:         iv.TenantID,
		MemberID:         iv.MemberID,
		InterventionType: string(iv.Type),
		ApprovedAt:       approvedAt,
	})
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%s:%s", iv.TenantID, iv.MemberID)),
		Value: payload,
		Time:  time.Now().UTC(),
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		observability.RecordDispatchFailure()
		return err
	}
	return nil
}

// Close releases the underlying writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
