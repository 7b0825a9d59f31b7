package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/GeekRover/Blood-link-sub000/internal/models"
)

// RequestEvent is published on the request-events topic at lifecycle
// transitions (created, locked, matched, escalated).
type RequestEvent struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	Type      string    `json:"type"`
	DonorID   string    `json:"donor_id,omitempty"`
	At        time.Time `json:"at"`
}

type KafkaProducer struct {
	donorWriter *kafka.Writer
	eventWriter *kafka.Writer
}

func NewKafkaProducer(brokers []string, donorTopic, eventTopic string) *KafkaProducer {
	mk := func(topic string) *kafka.Writer {
		return kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	}
	return &KafkaProducer{donorWriter: mk(donorTopic), eventWriter: mk(eventTopic)}
}

// PublishDonorUpdate feeds the donor-locations topic consumed by the geo
// indexer.
func (k *KafkaProducer) PublishDonorUpdate(d models.Donor) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return k.donorWriter.WriteMessages(ctx, kafka.Message{Key: []byte(d.ID), Value: b})
}

func (k *KafkaProducer) PublishRequestEvent(requestID, eventType, donorID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev := RequestEvent{
		ID:        uuid.NewString(),
		RequestID: requestID,
		Type:      eventType,
		DonorID:   donorID,
		At:        time.Now(),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.eventWriter.WriteMessages(ctx, kafka.Message{Key: []byte(requestID), Value: b})
}

func (k *KafkaProducer) Close() error {
	var first error
	for _, w := range []*kafka.Writer{k.donorWriter, k.eventWriter} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
