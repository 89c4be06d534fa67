// Package bus carries domain events between components with at-least-once
// delivery. Handlers must be idempotent.
package bus

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hpungsan/callbrief/internal/backoff"
)

// ErrQueueFull is returned by a non-blocking Publish when the bus cannot
// accept more work.
var ErrQueueFull = stderrors.New("bus: queue full")

// Envelope is one delivery of an event.
type Envelope struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Data        json.RawMessage `json:"data"`
	PublishedAt time.Time       `json:"publishedAt"`
	// Delivery is 1 on first delivery and increases on each redelivery.
	Delivery int `json:"-"`
}

// Handler processes one delivery. A nil return acknowledges it; an error
// asks for redelivery unless it is marked with backoff.Permanent.
type Handler func(ctx context.Context, env Envelope) error

// Publisher emits events.
type Publisher interface {
	Publish(ctx context.Context, name string, payload any) error
}

// Bus is a Publisher that also dispatches to subscribed handlers.
// Subscribe must be called before Run.
type Bus interface {
	Publisher
	Subscribe(name string, h Handler)
	Run(ctx context.Context) error
}

// NewEnvelope encodes payload for name.
func NewEnvelope(name string, payload any, now time.Time) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", name, err)
	}
	return Envelope{
		ID:          uuid.NewString(),
		Name:        name,
		Data:        data,
		PublishedAt: now,
		Delivery:    1,
	}, nil
}

// Decode unmarshals the envelope payload.
func Decode[T any](env Envelope) (T, error) {
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", env.Name, err)
	}
	return v, nil
}

// Handle adapts a typed handler. Payloads that do not decode are dropped
// without redelivery.
func Handle[T any](fn func(ctx context.Context, event T) error) Handler {
	return func(ctx context.Context, env Envelope) error {
		v, err := Decode[T](env)
		if err != nil {
			return backoff.Permanent(err)
		}
		return fn(ctx, v)
	}
}
