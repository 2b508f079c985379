package usage

import (
	"context"
	"encoding/json"
	"fmt"

	rocketmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
)

const DefaultTopic = "chatrelay_usage"

// sender is the subset of rocketmq.Producer the sink uses.
type sender interface {
	SendSync(ctx context.Context, msgs ...*primitive.Message) (*primitive.SendResult, error)
	Shutdown() error
}

// MQOptions configure the RocketMQ producer.
type MQOptions struct {
	NameServers []string
	Topic       string
	Group       string
	Retries     int
}

// MQSink publishes usage events as JSON messages tagged with the provider.
type MQSink struct {
	producer sender
	topic    string
}

// NewMQSink starts a producer against the given name servers.
func NewMQSink(opts MQOptions) (*MQSink, error) {
	if len(opts.NameServers) == 0 {
		return nil, fmt.Errorf("rocketmq: no name servers configured")
	}
	popts := []producer.Option{
		producer.WithNsResolver(primitive.NewPassthroughResolver(opts.NameServers)),
		producer.WithRetry(opts.Retries),
		producer.WithQueueSelector(producer.NewRoundRobinQueueSelector()),
	}
	if opts.Group != "" {
		popts = append(popts, producer.WithGroupName(opts.Group))
	}
	p, err := rocketmq.NewProducer(popts...)
	if err != nil {
		return nil, fmt.Errorf("create producer: %w", err)
	}
	if err := p.Start(); err != nil {
		return nil, fmt.Errorf("start producer: %w", err)
	}
	return newMQSink(p, opts.Topic), nil
}

func newMQSink(p sender, topic string) *MQSink {
	if topic == "" {
		topic = DefaultTopic
	}
	return &MQSink{producer: p, topic: topic}
}

func (s *MQSink) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal usage event: %w", err)
	}
	msg := primitive.NewMessage(s.topic, data).WithTag(e.Provider).WithKeys([]string{e.RelayID})
	result, err := s.producer.SendSync(ctx, msg)
	if err != nil {
		return fmt.Errorf("send to %s: %w", s.topic, err)
	}
	if result.Status != primitive.SendOK {
		return fmt.Errorf("send failed: status=%d", result.Status)
	}
	return nil
}

func (s *MQSink) Close() error {
	return s.producer.Shutdown()
}
