package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
)

// PresenceEvent is the message published for every presence change and
// consumed by the Redis mirror.
type PresenceEvent struct {
	CaptainID    string              `json:"captain_id"`
	Status       presence.Status     `json:"status"`
	Loc          *models.Coord       `json:"loc,omitempty"`
	VehicleClass models.VehicleClass `json:"vehicle_class,omitempty"`
	Updated      time.Time           `json:"updated"`
}

// messageWriter is the part of kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes presence and ride lifecycle events. Writers are
// asynchronous so publishing never sits on the location or dispatch path.
type KafkaProducer struct {
	presence messageWriter
	rides    messageWriter
	log      *slog.Logger
}

func NewKafkaProducer(brokers []string, presenceTopic, rideTopic string, logger *slog.Logger) *KafkaProducer {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "kafka")
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
			Async:    true,
			Completion: func(msgs []kafka.Message, err error) {
				if err != nil {
					log.Warn("kafka_publish_failed", "topic", topic, "count", len(msgs), "error", err)
				}
			},
		}
	}
	return &KafkaProducer{presence: newWriter(presenceTopic), rides: newWriter(rideTopic), log: log}
}

// PresenceChanged implements presence.Listener.
func (k *KafkaProducer) PresenceChanged(r presence.Record) {
	ev := PresenceEvent{CaptainID: r.ActorID, Status: r.Status, Loc: r.Location, VehicleClass: r.VehicleClass, Updated: r.UpdatedAt}
	k.publish(k.presence, r.ActorID, ev)
}

// RideEvent implements dispatch.Observer.
func (k *KafkaProducer) RideEvent(e dispatch.Event) {
	k.publish(k.rides, e.Ride.ID, e)
}

func (k *KafkaProducer) publish(w messageWriter, key string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		k.log.Error("kafka_encode_failed", "key", key, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b}); err != nil {
		k.log.Warn("kafka_publish_failed", "key", key, "error", err)
	}
}

func (k *KafkaProducer) Close() error {
	err := k.presence.Close()
	if rerr := k.rides.Close(); err == nil {
		err = rerr
	}
	return err
}
