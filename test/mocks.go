package test

import (
	"fmt"
	"strings"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/streadway/amqp"
	tally "github.com/uber-go/tally/v4"
)

type MockedTallyCounter struct {
	Ctr    int64
	Output chan int64
}

var _ tally.Counter = (*MockedTallyCounter)(nil)

func (c *MockedTallyCounter) Inc(delta int64) {
	c.Ctr += delta
	c.Output <- c.Ctr
}

type MockedKafkaProducer struct {
	MockedReportToSend kafka.Event
	Snitch             chan *kafka.Message
	RetVal             error
}

func (p *MockedKafkaProducer) Produce(msg *kafka.Message, internal chan kafka.Event) error {
	// send the message to the outside in order to assert it.
	p.Snitch <- msg

	if p.RetVal != nil {
		return p.RetVal
	}

	// send a predefined delivery report to the delivery channel.
	if p.MockedReportToSend != nil {
		internal <- p.MockedReportToSend
	}
	return nil
}

type MockedKafkaEvent struct{}

func (*MockedKafkaEvent) String() string {
	return "mock"
}

// MockedAmqpChannel records the published messages and acknowledges them
// through the registered confirmation channel.
type MockedAmqpChannel struct {
	mu        sync.Mutex
	Published []amqp.Publishing
	Keys      []string
	Ack       bool // value of the confirmation sent back
	NoConfirm bool // never confirm, to exercise timeouts
	RetVal    error
	confirms  chan amqp.Confirmation
	tag       uint64
}

func (c *MockedAmqpChannel) Confirm(noWait bool) error {
	return nil
}

func (c *MockedAmqpChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	c.confirms = confirm
	return confirm
}

func (c *MockedAmqpChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.RetVal != nil {
		return c.RetVal
	}
	c.tag++
	c.Published = append(c.Published, msg)
	c.Keys = append(c.Keys, key)
	if !c.NoConfirm {
		tag, ack := c.tag, c.Ack
		go func() { c.confirms <- amqp.Confirmation{DeliveryTag: tag, Ack: ack} }()
	}
	return nil
}

// SendConfirmation pushes a confirmation as the broker would, possibly for a
// publish that already timed out.
func (c *MockedAmqpChannel) SendConfirmation(tag uint64, ack bool) {
	c.confirms <- amqp.Confirmation{DeliveryTag: tag, Ack: ack}
}

// TestLogger keeps every line it receives so tests can assert on them.
type TestLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *TestLogger) Debug(msg string) { l.add("DEBUG", msg, nil) }

func (l *TestLogger) Info(msg string) { l.add("INFO", msg, nil) }

func (l *TestLogger) Warn(msg string) { l.add("WARN", msg, nil) }

func (l *TestLogger) Error(msg string, err error) { l.add("ERROR", msg, err) }

func (l *TestLogger) add(level string, msg string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	line := fmt.Sprintf("%s %s", level, msg)
	if err != nil {
		line += ": " + err.Error()
	}
	l.lines = append(l.lines, line)
}

// Lines returns a copy of the logged lines.
func (l *TestLogger) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

// Contains reports whether any logged line contains s.
func (l *TestLogger) Contains(s string) bool {
	for _, line := range l.Lines() {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}

type TestCounter struct {
	mu  sync.Mutex
	ctr int64
}

func (c *TestCounter) Inc(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctr += delta
}

func (c *TestCounter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctr
}
