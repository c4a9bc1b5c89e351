package events

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"task-scheduler-service/internal/scheduler/db"
)

const (
	DefaultKafkaBrokers     = "localhost:9092"
	DefaultStateChangeTopic = "task_state_changes"

	writeTimeout = 10 * time.Second
)

// KafkaWriter is the subset of *kafka.Writer the publisher needs; tests
// substitute a mock.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher bridges task state changes onto a Kafka topic. Its OnTaskStateChange
// method is wired as the scheduler's state callback.
type Publisher struct {
	writer KafkaWriter
	log    zerolog.Logger
}

// NewWriter builds the Kafka writer from KAFKA_BROKERS and
// TASK_STATE_CHANGE_TOPIC, with local defaults.
func NewWriter() *kafka.Writer {
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = DefaultKafkaBrokers
	}
	topic := os.Getenv("TASK_STATE_CHANGE_TOPIC")
	if topic == "" {
		topic = DefaultStateChangeTopic
	}
	return kafka.NewWriter(kafka.WriterConfig{
		Brokers:      strings.Split(brokers, ","),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: int(kafka.RequireOne),
		Async:        false,
	})
}

func NewPublisher(writer KafkaWriter, logger zerolog.Logger) *Publisher {
	return &Publisher{writer: writer, log: logger}
}

// OnTaskStateChange publishes the transition. Publishing is fire-and-forget
// from the scheduler's point of view: a broker hiccup is logged with the task
// id, never propagated into the transition that already committed.
func (p *Publisher) OnTaskStateChange(task *db.Task) {
	event := TaskStateChange{
		TaskID:     task.ID,
		Name:       task.Name,
		GroupKey:   task.GroupKey,
		State:      task.State,
		ScheduleID: task.ScheduleID,
		OwnerKey:   task.OwnerKey,
		RetryCount: task.RetryCount,
		Output:     task.Output,
		OccurredAt: task.LastStateTransitionAt,
	}
	value, err := json.Marshal(event)
	if err != nil {
		p.log.Error().Err(err).Str("task_id", task.ID).Msg("could not marshal state change event")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	msg := kafka.Message{Key: []byte(task.ID), Value: value}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error().Err(err).
			Str("task_id", task.ID).
			Str("state", string(task.State)).
			Msg("could not publish state change event")
	}
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
