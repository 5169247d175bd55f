package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/lorawan-bridge/pkg/types"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// KafkaWriter is the subset of *kafka.Writer used by KafkaSink.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaSinkConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// KafkaSink writes one message per record, keyed by device id so that a
// device's readings land on one partition in order.
type KafkaSink struct {
	writer KafkaWriter
	logger zerolog.Logger
}

func NewKafkaSink(cfg KafkaSinkConfig, logger zerolog.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka sink needs at least one broker")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka sink needs a topic")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           cfg.BatchTimeout,
		AllowAutoTopicCreation: true,
	}
	logger.Info().Strs("brokers", cfg.Brokers).Str("topic", cfg.Topic).Msg("KafkaSink initialized")
	return NewKafkaSinkWithWriter(w, logger), nil
}

func NewKafkaSinkWithWriter(w KafkaWriter, logger zerolog.Logger) *KafkaSink {
	return &KafkaSink{writer: w, logger: logger.With().Str("component", "KafkaSink").Logger()}
}

func (s *KafkaSink) Send(ctx context.Context, records []types.SensorRecord) error {
	msgs := make([]kafka.Message, 0, len(records))
	for _, rec := range records {
		data, err := marshalRecord(rec)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(deviceKey(rec)),
			Value: data,
			Time:  rec.Time(),
		})
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka write of %d records: %w", len(msgs), err)
	}
	s.logger.Debug().Int("count", len(msgs)).Msg("Records written to Kafka")
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
