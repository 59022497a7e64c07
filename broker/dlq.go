package broker

import (
	"context"
	"encoding/json"

	"github.com/nsqio/go-nsq"
	"github.com/streadway/amqp"

	"github.com/tradeflow/ctrlplane/errs"
)

// DeadLetterSink routes a message that the Delivery Engine has given
// up on, tagged with the reason it was given up.
type DeadLetterSink interface {
	Send(ctx context.Context, env Envelope, sub Subscription, reason string) error
}

type deadLetterRecord struct {
	Envelope     Envelope     `json:"envelope"`
	Subscription Subscription `json:"subscription"`
	Reason       string       `json:"reason"`
}

// AMQPSink publishes dead-lettered messages to a RabbitMQ exchange.
type AMQPSink struct {
	channel  *amqp.Channel
	exchange string
	routeKey string
}

func NewAMQPSink(channel *amqp.Channel, exchange, routeKey string) *AMQPSink {
	return &AMQPSink{channel: channel, exchange: exchange, routeKey: routeKey}
}

func (s *AMQPSink) Send(ctx context.Context, env Envelope, sub Subscription, reason string) error {
	body, err := json.Marshal(deadLetterRecord{Envelope: env, Subscription: sub, Reason: reason})
	if err != nil {
		return errs.New(errs.Unknown, "dead-letter marshal failed", err)
	}
	err = s.channel.Publish(s.exchange, s.routeKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		return errs.New(errs.Unknown, "dead-letter publish failed", err)
	}
	return nil
}

// NSQSink publishes dead-lettered messages to an NSQ topic.
type NSQSink struct {
	producer *nsq.Producer
	topic    string
}

func NewNSQSink(producer *nsq.Producer, topic string) *NSQSink {
	return &NSQSink{producer: producer, topic: topic}
}

func (s *NSQSink) Send(ctx context.Context, env Envelope, sub Subscription, reason string) error {
	body, err := json.Marshal(deadLetterRecord{Envelope: env, Subscription: sub, Reason: reason})
	if err != nil {
		return errs.New(errs.Unknown, "dead-letter marshal failed", err)
	}
	if err := s.producer.Publish(s.topic, body); err != nil {
		return errs.New(errs.Unknown, "dead-letter publish failed", err)
	}
	return nil
}

// NoopSink discards dead letters; used when no sink is configured so
// the Delivery Engine never needs a nil check.
type NoopSink struct{}

func (NoopSink) Send(context.Context, Envelope, Subscription, string) error { return nil }
