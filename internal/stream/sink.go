// Package stream publishes journal events to Kafka so other services can
// follow room activity.
package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/manpreetbhatti/easel/internal/journal"
)

const DefaultTopic = "easel.events"

type Sink struct {
	producer sarama.SyncProducer
	topic    string
}

// NewProducer builds the synchronous producer used in production.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect kafka: %w", err)
	}
	return producer, nil
}

func NewSink(producer sarama.SyncProducer, topic string) *Sink {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Sink{producer: producer, topic: topic}
}

func (s *Sink) Name() string { return "stream" }

// Write sends evt keyed by room id, so one room's events stay on one
// partition and keep their order.
func (s *Sink) Write(ctx context.Context, evt journal.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, _, err = s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(evt.RoomID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("kind"), Value: []byte(evt.Kind)},
		},
	})
	if err != nil {
		return fmt.Errorf("send %s for room %s: %w", evt.Kind, evt.RoomID, err)
	}
	return nil
}

func (s *Sink) Close() error {
	return s.producer.Close()
}
