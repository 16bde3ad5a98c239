package kafka

import (
	"context"
	"fmt"
	"reflect"

	"github.com/3rs4lg4d0/gtbx-relay/emitter"
	"github.com/3rs4lg4d0/gtbx-relay/gtbx"
	"github.com/confluentinc/confluent-kafka-go/kafka"
)

type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

type Emitter struct {
	producer kafkaProducer
	logger   gtbx.Logger
}

var _ gtbx.Emitter = (*Emitter)(nil)
var _ gtbx.Loggable = (*Emitter)(nil)

func New(p kafkaProducer) *Emitter {
	if p == nil || reflect.ValueOf(p).IsNil() {
		panic("producer is mandatory")
	}
	return &Emitter{
		producer: p,
		logger:   &gtbx.NopLogger{},
	}
}

func (e *Emitter) SetLogger(l gtbx.Logger) {
	e.logger = l
}

// Emit produces the record to its topic, keyed by the aggregate id so the
// events of a business entity keep their order, and waits for the delivery
// report.
func (e *Emitter) Emit(ctx context.Context, o *gtbx.OutboxRecord) error {
	value, err := gtbx.BuildMessage(o)
	if err != nil {
		return err
	}

	// buffered so a late report never blocks the producer after a timeout
	internal := make(chan kafka.Event, 1)
	topic := o.Topic
	err = e.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(o.AggregateId),
		Value:          value,
		Headers:        buildHeaders(ctx, o),
	}, internal)
	if err != nil {
		return fmt.Errorf("could not produce record %d: %w", o.Id, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-internal:
			switch m := ev.(type) {
			case *kafka.Message:
				if m.TopicPartition.Error != nil {
					return fmt.Errorf("delivery of record %d failed: %w", o.Id, m.TopicPartition.Error)
				}
				e.logger.Debug(fmt.Sprintf("delivered message to topic %s [%d] at offset %v",
					*m.TopicPartition.Topic, m.TopicPartition.Partition, m.TopicPartition.Offset))
				return nil
			default:
				e.logger.Debug(fmt.Sprintf("ignored event: %s", ev))
			}
		}
	}
}

func buildHeaders(ctx context.Context, o *gtbx.OutboxRecord) []kafka.Header {
	h := emitter.Headers(ctx, o)
	headers := make([]kafka.Header, 0, len(h))
	for _, k := range emitter.SortedKeys(h) {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(h[k])})
	}
	return headers
}
