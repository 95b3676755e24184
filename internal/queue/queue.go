package queue

import (
	"context"
	"time"
)

// EventStream is the JetStream stream holding every job event subject.
const EventStream = "EVENTS"

type Event string

const (
	// JobDispatch asks a worker to pick up a job and drive its lifecycle.
	JobDispatch Event = "events.job.dispatch"
	// JobCommand carries an asynchronous status/cancel/pause command for a
	// running job. Broadcast: every worker sees it and the owner reacts.
	JobCommand Event = "events.job.command"
	// JobKill asks the remote-side executor to terminate a job's process.
	JobKill Event = "events.job.kill"
)

// Msg is one delivered message with explicit acking.
type Msg interface {
	Data() []byte
	Ack() error
	Nak() error
}

// Subscription is a durable pull subscription.
type Subscription interface {
	Fetch(ctx context.Context, batch int, wait time.Duration) ([]Msg, error)
}

type Queue interface {
	Publish(ctx context.Context, event Event, data []byte) error
	AddConsumer(stream, durable string) error
	SubscribeEvent(event Event, durable string) (Subscription, error)
	// SubscribeBroadcast delivers every message on the subject to this
	// process without stream persistence, used for async command fan-out.
	SubscribeBroadcast(event Event, handler func(data []byte)) (func(), error)
	Shutdown()
}
