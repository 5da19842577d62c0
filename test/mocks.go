package test

import (
	"sync"

	"github.com/confluentinc/confluent-kafka-go/kafka"
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

// MockedKafkaProducer hands every produced message to Snitch and answers with
// MockedReportToSend on the delivery channel (unless it is nil).
type MockedKafkaProducer struct {
	MockedReportToSend kafka.Event
	Snitch             chan *kafka.Message
	RetVal             error
}

func (p *MockedKafkaProducer) Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error {
	// send the message to the outside in order to assert it.
	if p.Snitch != nil {
		p.Snitch <- msg
	}
	if p.RetVal != nil {
		return p.RetVal
	}
	// send a predefined delivery report to the delivery channel.
	if p.MockedReportToSend != nil {
		deliveryChan <- p.MockedReportToSend
	}
	return nil
}

type MockedKafkaEvent struct{}

func (*MockedKafkaEvent) String() string {
	return "mocked event"
}

// TestLogger records the messages it receives.
type TestLogger struct {
	mu       sync.Mutex
	Messages []string
}

func (l *TestLogger) add(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Messages = append(l.Messages, msg)
}

func (l *TestLogger) Debug(msg string) { l.add(msg) }

func (l *TestLogger) Info(msg string) { l.add(msg) }

func (l *TestLogger) Warn(msg string) { l.add(msg) }

func (l *TestLogger) Error(msg string, err error) { l.add(msg + ": " + err.Error()) }

type TestCounter struct {
	mu  sync.Mutex
	Ctr int64
}

func (c *TestCounter) Inc(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Ctr += delta
}
