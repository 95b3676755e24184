package jetstream

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	cjs "github.com/osgrid/talon/internal/component/jetstream"
	"github.com/osgrid/talon/internal/queue"
	"github.com/osgrid/talon/internal/service/logger"
)

type JetStreamQueue struct {
	connection *nats.Conn
	js         nats.JetStreamContext
}

func NewJetStreamQueueClient() (queue.Queue, error) {
	nc, err := cjs.NewJetStreamClient()
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     queue.EventStream,
		Subjects: []string{"events.>"},
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil, err
	}

	return &JetStreamQueue{
		connection: nc,
		js:         js,
	}, nil
}

func (q *JetStreamQueue) Publish(ctx context.Context, event queue.Event, data []byte) error {
	_, err := q.js.Publish(string(event), data, nats.Context(ctx))
	return err
}

func (q *JetStreamQueue) AddConsumer(stream, durable string) error {
	_, err := q.js.AddConsumer(stream, &nats.ConsumerConfig{
		Durable:    durable,
		AckPolicy:  nats.AckExplicitPolicy,
		AckWait:    30 * time.Second,
		MaxDeliver: 5,
		BackOff: []time.Duration{
			5 * time.Second,
			15 * time.Second,
			30 * time.Second,
		},
		DeliverPolicy: nats.DeliverNewPolicy,
	})
	if err != nil && !strings.Contains(err.Error(), "consumer name already in use") {
		return err
	}
	return nil
}

func (q *JetStreamQueue) SubscribeEvent(event queue.Event, durable string) (queue.Subscription, error) {
	sub, err := q.js.PullSubscribe(string(event), durable, nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return nil, err
	}
	return &subscription{sub: sub}, nil
}

func (q *JetStreamQueue) SubscribeBroadcast(event queue.Event, handler func(data []byte)) (func(), error) {
	sub, err := q.connection.Subscribe(string(event), func(m *nats.Msg) {
		handler(m.Data)
	})
	if err != nil {
		return nil, err
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			logger.Log.Error().Err(err).Str("subject", string(event)).Msg("unsubscribe failed")
		}
	}, nil
}

func (q *JetStreamQueue) Shutdown() {
	q.connection.Drain()
	q.connection.Close()
}

type subscription struct {
	sub *nats.Subscription
}

func (s *subscription) Fetch(ctx context.Context, batch int, wait time.Duration) ([]queue.Msg, error) {
	msgs, err := s.sub.Fetch(batch, nats.MaxWait(wait))
	if err != nil {
		return nil, err
	}
	out := make([]queue.Msg, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, &msg{m: m})
	}
	return out, nil
}

type msg struct {
	m *nats.Msg
}

func (m *msg) Data() []byte { return m.m.Data }
func (m *msg) Ack() error   { return m.m.Ack() }
func (m *msg) Nak() error   { return m.m.Nak() }
