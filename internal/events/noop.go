package events

import "context"

// NoopPublisher discards commit events. The server uses it when nats.url is
// empty.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, any) error { return nil }

func (NoopPublisher) Close() error { return nil }
