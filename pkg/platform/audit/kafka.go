package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer is the broker-facing side of the outbox worker. Abstracted so
// tests can capture records without a broker.
type Producer interface {
	Produce(ctx context.Context, key, value []byte) error
	Close()
}

// KafkaProducer publishes audit payloads to one topic via franz-go.
type KafkaProducer struct {
	client *kgo.Client
	topic  string
}

// NewKafkaProducer connects to the brokers and ensures the audit topic
// exists. Topic creation is idempotent; an already-exists response is fine.
func NewKafkaProducer(ctx context.Context, brokers []string, topic string) (*KafkaProducer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("connect kafka: %w", err)
	}

	admin := kadm.NewClient(client)
	responses, err := admin.CreateTopics(ctx, 1, 1, nil, topic)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ensure audit topic: %w", err)
	}
	if err := createTopicsErr(responses); err != nil {
		client.Close()
		return nil, err
	}

	return &KafkaProducer{client: client, topic: topic}, nil
}

// createTopicsErr reports the first real per-topic failure. Already-exists is
// the expected response on restart; anything else (authorization, invalid
// config) must surface.
func createTopicsErr(responses kadm.CreateTopicResponses) error {
	for _, response := range responses {
		if response.Err == nil || errors.Is(response.Err, kerr.TopicAlreadyExists) {
			continue
		}
		return fmt.Errorf("create audit topic %s: %w", response.Topic, response.Err)
	}
	return nil
}

func (p *KafkaProducer) Produce(ctx context.Context, key, value []byte) error {
	record := &kgo.Record{Topic: p.topic, Key: key, Value: value}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce audit record: %w", err)
	}
	return nil
}

func (p *KafkaProducer) Close() {
	p.client.Close()
}
