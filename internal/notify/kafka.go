package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Kafka writes events keyed by task id, so one task's events stay on one
// partition in order.
type Kafka struct {
	writer *kafka.Writer
	log    logrus.FieldLogger
}

func NewKafka(brokers []string, topic string, log logrus.FieldLogger) *Kafka {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
		log: log.WithField("topic", topic),
	}
}

func (k *Kafka) Publish(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	value, err := Encode(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.TaskID),
		Value: value,
		Time:  ev.Timestamp,
	})
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

func Decode(raw []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(raw, &ev)
	return ev, err
}

// Handler receives consumed events.
type Handler func(ctx context.Context, ev Event) error

// Consume reads the topic until ctx ends, passing each decodable event to
// h. Undecodable messages and handler errors are logged and skipped.
func Consume(ctx context.Context, brokers []string, topic, groupID string, h Handler, log logrus.FieldLogger) error {
	if log == nil {
		log = logrus.StandardLogger()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer reader.Close()
	log = log.WithFields(logrus.Fields{"topic": topic, "group": groupID})
	log.Info("consumer started")
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithError(err).Warn("read message failed")
			continue
		}
		ev, err := Decode(msg.Value)
		if err != nil {
			log.WithError(err).WithField("offset", msg.Offset).Warn("skipping undecodable event")
			continue
		}
		if err := h(ctx, ev); err != nil {
			log.WithError(err).WithField("task_id", ev.TaskID).Warn("event handler failed")
		}
	}
}
