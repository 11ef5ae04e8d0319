package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaPublisher writes events to a topic keyed by event type.
type KafkaPublisher struct {
	writer  kafkaWriter
	timeout time.Duration
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(_ []kafka.Message, err error) {
			if err != nil {
				kafkaErrors.Inc()
				log.Warn().Err(err).Msg("kafka event delivery failed")
			}
		},
	}
	return &KafkaPublisher{writer: w, timeout: 2 * time.Second}, nil
}

func (k *KafkaPublisher) Publish(ctx context.Context, evt Event) {
	if k == nil || k.writer == nil {
		return
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(evt.Type), Value: b}); err != nil {
		kafkaErrors.Inc()
		log.Warn().Err(err).Str("type", evt.Type).Msg("kafka publish failed")
	}
}

func (k *KafkaPublisher) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

var (
	droppedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_events_dropped_total",
		Help: "Events dropped because a subscriber buffer was full.",
	})
	kafkaErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_events_kafka_errors_total",
		Help: "Events that could not be written to Kafka.",
	})
)

func init() {
	prometheus.MustRegister(droppedEvents, kafkaErrors)
}
