package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/mobility-sync/internal/broadcast"
)

// Journal mirrors every broadcast event into a Kafka topic. The live
// pub/sub fan-out is fire-and-forget; the journal is the durable trail a
// replicating consumer folds into the shared store and geo index.
type Journal struct {
	writer *kafka.Writer
}

func NewJournal(brokers []string, topic string) *Journal {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &Journal{writer: w}
}

// Record appends one event, keyed by sender so per-peer order survives
// partitioning.
func (j *Journal) Record(ev broadcast.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return j.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.SenderID), Value: b})
}

func (j *Journal) Close() error {
	if j.writer == nil {
		return nil
	}
	return j.writer.Close()
}
