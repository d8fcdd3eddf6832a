package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/backwardn/nomulus/history"
)

// Kafka produces one record per committed entry. Records are keyed by the
// parent resource so a partition sees each resource's history in id order.
type Kafka struct {
	client *kgo.Client
	topic  string
}

// NewKafka connects to the given brokers.
func NewKafka(brokers []string, topic string, opts ...kgo.Opt) (*Kafka, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, fmt.Errorf("kafka publisher: brokers and topic are required")
	}
	opts = append([]kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}, opts...)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: %w", err)
	}
	return &Kafka{client: client, topic: topic}, nil
}

// Publish produces the batch and waits for every acknowledgement.
func (k *Kafka) Publish(ctx context.Context, entries []history.HistoryEntry) error {
	records := make([]*kgo.Record, 0, len(entries))
	for _, e := range entries {
		rec, err := Record(k.topic, e)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	if err := k.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

// EnsureTopic creates the topic with the broker's default partition count
// and replication factor if it does not exist yet.
func (k *Kafka) EnsureTopic(ctx context.Context) error {
	resp, err := kadm.NewClient(k.client).CreateTopics(ctx, -1, -1, nil, k.topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", k.topic, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

func (k *Kafka) Close() {
	k.client.Close()
}

// Record encodes one entry. Consumers dedup on the entry-id header.
func Record(topic string, e history.HistoryEntry) (*kgo.Record, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode entry %d: %w", e.ID, err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(e.Parent.String()),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "entry-id", Value: []byte(strconv.FormatInt(e.ID, 10))},
			{Key: "entry-type", Value: []byte(e.Type.String())},
		},
	}, nil
}
