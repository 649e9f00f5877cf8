// Package stream mirrors high-severity audit entries to Kafka for SIEM
// ingestion. The database remains the system of record; the mirror is
// best-effort.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"custodian/internal/ledger"
	"custodian/pkg/platform/circuit"
)

// ErrCircuitOpen is returned while the broker is considered unavailable.
var ErrCircuitOpen = errors.New("audit stream circuit open")

// Producer is the subset of *kgo.Client used by the streamer.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

type KafkaStreamer struct {
	producer Producer
	topic    string
	breaker  *circuit.Breaker
	logger   *slog.Logger
}

type Option func(*KafkaStreamer)

func WithLogger(logger *slog.Logger) Option {
	return func(s *KafkaStreamer) { s.logger = logger }
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(s *KafkaStreamer) { s.breaker = b }
}

func NewKafkaStreamer(producer Producer, topic string, opts ...Option) *KafkaStreamer {
	s := &KafkaStreamer{
		producer: producer,
		topic:    topic,
		breaker:  circuit.New("audit-stream"),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// message is the wire shape consumers see. The integrity hash travels with
// the entry so the SIEM side can verify it independently.
type message struct {
	*ledger.Entry
	Source string `json:"source"`
}

// Publish produces entry keyed by organization (or entry ID) so entries of
// one tenant stay ordered within a partition.
func (s *KafkaStreamer) Publish(ctx context.Context, entry *ledger.Entry) error {
	if !s.breaker.Allow() {
		return ErrCircuitOpen
	}
	value, err := json.Marshal(message{Entry: entry, Source: "custodian"})
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	key := entry.ID.String()
	if entry.OrganizationID != nil {
		key = entry.OrganizationID.String()
	}
	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "action", Value: []byte(entry.Action)},
			{Key: "severity", Value: []byte(entry.Severity)},
		},
	}

	if err := s.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		if _, change := s.breaker.RecordFailure(); change.Opened {
			s.logger.WarnContext(ctx, "audit stream circuit opened", "circuit", s.breaker.Name(), "topic", s.topic, "error", err)
		}
		return fmt.Errorf("produce audit entry: %w", err)
	}
	if _, change := s.breaker.RecordSuccess(); change.Closed {
		s.logger.InfoContext(ctx, "audit stream circuit closed", "circuit", s.breaker.Name(), "topic", s.topic)
	}
	return nil
}
