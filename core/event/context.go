package event

import (
	"context"
	"time"
)

type eventMetaCtx struct{}

type eventMeta struct {
	id        string
	topic     string
	name      string
	createdAt time.Time
	attempt   int
}

// withEventMeta attaches event metadata and the delivery attempt to the context.
func withEventMeta(ctx context.Context, evt Event, attempt int) context.Context {
	return context.WithValue(ctx, eventMetaCtx{}, eventMeta{
		id:        evt.ID,
		topic:     evt.Topic,
		name:      evt.Name,
		createdAt: evt.CreatedAt,
		attempt:   attempt,
	})
}

func metaFrom(ctx context.Context) eventMeta {
	m, _ := ctx.Value(eventMetaCtx{}).(eventMeta)
	return m
}

// EventID extracts the event ID from the context.
// Returns empty string if not present.
func EventID(ctx context.Context) string {
	return metaFrom(ctx).id
}

// EventTopic extracts the event topic from the context.
func EventTopic(ctx context.Context) string {
	return metaFrom(ctx).topic
}

// EventName extracts the event name from the context.
func EventName(ctx context.Context) string {
	return metaFrom(ctx).name
}

// EventTime extracts the event creation time from the context.
// Returns zero time if not present.
func EventTime(ctx context.Context) time.Time {
	return metaFrom(ctx).createdAt
}

// DeliveryAttempt returns the 1-based delivery attempt of the current event,
// or 0 outside a handler.
func DeliveryAttempt(ctx context.Context) int {
	return metaFrom(ctx).attempt
}
