package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"sync"

	"github.com/3rs4lg4d0/gtbx-relay/emitter"
	"github.com/3rs4lg4d0/gtbx-relay/gtbx"
	"github.com/streadway/amqp"
)

const confirmChannelBuffer = 64

var (
	ErrPublishNacked = errors.New("message was nacked by the broker")
	ErrChannelClosed = errors.New("the channel was closed before the publish was confirmed")
)

type amqpChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Emitter publishes outbox records to an exchange, using the record topic as
// routing key, and waits for the publisher confirm of each of them.
type Emitter struct {
	channel  amqpChannel
	exchange string
	confirms chan amqp.Confirmation
	logger   gtbx.Logger

	mu  sync.Mutex
	tag uint64 // delivery tag of the last publish
}

var _ gtbx.Emitter = (*Emitter)(nil)
var _ gtbx.Loggable = (*Emitter)(nil)

// New puts the channel in confirm mode. The channel must not be shared with
// other publishers, delivery tags are tracked by the emitter.
func New(ch amqpChannel, exchange string) (*Emitter, error) {
	if ch == nil || reflect.ValueOf(ch).IsNil() {
		panic("channel is mandatory")
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("could not put the channel in confirm mode: %w", err)
	}
	return &Emitter{
		channel:  ch,
		exchange: exchange,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, confirmChannelBuffer)),
		logger:   &gtbx.NopLogger{},
	}, nil
}

func (e *Emitter) SetLogger(l gtbx.Logger) {
	e.logger = l
}

// Emit publishes a persistent message and blocks until the broker confirms it
// or ctx is done.
func (e *Emitter) Emit(ctx context.Context, o *gtbx.OutboxRecord) error {
	body, err := gtbx.BuildMessage(o)
	if err != nil {
		return err
	}

	headers := amqp.Table{}
	for k, v := range emitter.Headers(ctx, o) {
		headers[k] = v
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	err = e.channel.Publish(e.exchange, o.Topic, false, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    strconv.FormatUint(o.Id, 10),
		Timestamp:    o.CreatedAt,
		Type:         o.EventType,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("could not publish record %d: %w", o.Id, err)
	}
	e.tag++

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-e.confirms:
			if !ok {
				return ErrChannelClosed
			}
			if c.DeliveryTag < e.tag {
				// confirmation of a publish that already timed out
				e.logger.Debug(fmt.Sprintf("ignored late confirmation for delivery tag %d", c.DeliveryTag))
				continue
			}
			if !c.Ack {
				return fmt.Errorf("record %d: %w", o.Id, ErrPublishNacked)
			}
			e.logger.Debug(fmt.Sprintf("delivered message to exchange '%s' with routing key '%s'", e.exchange, o.Topic))
			return nil
		}
	}
}

// Dial opens a connection and a channel, and declares the exchange as a
// durable topic exchange.
func Dial(url string, exchange string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("could not connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("could not open a channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("could not declare the exchange '%s': %w", exchange, err)
	}
	return conn, ch, nil
}
