// Package event defines the outbound notification boundary. The settlement
// core publishes through the Publisher interface and never depends on a
// concrete transport, so settlement logic stays testable without one.
package event

import (
	"context"
	"time"

	"coinpress/internal/model"
)

// Event types published by the session lifecycle.
const (
	TypeSessionStarted   = "session.started"
	TypePressesUpdated   = "session.presses_updated"
	TypeSessionCompleted = "session.completed"
)

// Envelope is the payload published for every session event. It carries the
// full session snapshot and whether other sessions on the machine remain
// active.
type Envelope struct {
	Type        string             `json:"type"`
	MachineID   int64              `json:"machineId"`
	Session     *model.GameSession `json:"session"`
	MachineLive bool               `json:"machineLive"`
	OccurredAt  time.Time          `json:"occurredAt"`
}

// Publisher delivers session events to interested parties. Publishing is
// fire-and-forget from the caller's point of view: it runs outside any
// transaction and its failure never fails the originating operation.
type Publisher interface {
	Publish(ctx context.Context, e Envelope) error
}

// Broadcaster is a minimal in-process Publisher backed by a buffered
// channel. Slow or absent listeners never block a publish; overflowing
// events are dropped.
type Broadcaster struct {
	ch chan Envelope
}

// NewBroadcaster creates a broadcaster with the given buffer size.
func NewBroadcaster(buffer int) *Broadcaster {
	return &Broadcaster{ch: make(chan Envelope, buffer)}
}

// Publish implements Publisher. It never blocks.
func (b *Broadcaster) Publish(_ context.Context, e Envelope) error {
	select {
	case b.ch <- e:
	default:
		// drop if listeners are slow; keep simple
	}
	return nil
}

// Listen returns a channel of published events plus a cancel function to
// stop listening.
func (b *Broadcaster) Listen(ctx context.Context) (<-chan Envelope, context.CancelFunc) {
	listenerCtx, cancel := context.WithCancel(ctx)
	out := make(chan Envelope, cap(b.ch))

	go func() {
		defer close(out)
		for {
			select {
			case <-listenerCtx.Done():
				return
			case e, ok := <-b.ch:
				if !ok {
					return
				}
				select {
				case out <- e:
				case <-listenerCtx.Done():
					return
				}
			}
		}
	}()

	return out, cancel
}
