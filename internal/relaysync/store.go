package relaysync

import (
	"context"
	"time"
)

type Query struct {
	Predicate  Predicate
	Offset     int
	Limit      int
	Descending bool
}

type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

type ChangeEvent struct {
	Type   EventType `json:"type"`
	Record Record    `json:"record"`
}

type RangeReader interface {
	Fetch(ctx context.Context, q Query) ([]Record, error)
}

type Writer interface {
	Insert(ctx context.Context, rec Record) (Record, error)
	Update(ctx context.Context, kind Kind, id string, patch Payload) (Record, error)
	Delete(ctx context.Context, kind Kind, id string) (Record, error)
	MarkRead(ctx context.Context, kind Kind, ids []string, at time.Time) ([]Record, error)
}

// Subscription is a live push stream. Events is closed when the stream ends;
// Err then reports why (nil after Close).
type Subscription interface {
	Events() <-chan ChangeEvent
	Err() error
	Close() error
}

type Subscriber interface {
	Subscribe(ctx context.Context, pred Predicate) (Subscription, error)
}

type Store interface {
	RangeReader
	Writer
	Subscriber
}

type Validator interface {
	Validate(rec Record) error
}
