// Package bridge owns the receive loop that turns the raw server stream
// into snapshots, transitions, and hub updates.
package bridge

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/Lexorius/ontime-ha/internal/hub"
	"github.com/Lexorius/ontime-ha/internal/ontime"
	"github.com/Lexorius/ontime-ha/internal/transport"
)

// MessageSource is the inbound side of the transport client.
type MessageSource interface {
	Messages() <-chan transport.Inbound
}

// Bridge folds inbound messages into the live snapshot and publishes
// every change to the hub. Run is the sole writer of the snapshot; any
// goroutine may read it through Current.
type Bridge struct {
	source MessageSource
	hub    *hub.Hub
	clock  clockwork.Clock

	mu      sync.RWMutex
	current ontime.Snapshot
}

// New creates a bridge reading from source and publishing to h.
func New(source MessageSource, h *hub.Hub, clock clockwork.Clock) *Bridge {
	return &Bridge{
		source:  source,
		hub:     h,
		clock:   clock,
		current: ontime.Snapshot{Playback: ontime.PlaybackStopped},
	}
}

// Current returns the latest complete snapshot. The value is replaced
// wholesale on every update, never mutated, so the returned copy is
// always internally consistent.
func (b *Bridge) Current() ontime.Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

// Run consumes the message stream until ctx is cancelled or the stream
// ends. Each message yields at most one snapshot replacement and one hub
// publish; transitions are detected against the immediately preceding
// snapshot only.
func (b *Bridge) Run(ctx context.Context) error {
	log.Info().Msg("bridge started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("bridge shutting down")
			return ctx.Err()
		case in, ok := <-b.source.Messages():
			if !ok {
				log.Info().Msg("message stream ended")
				return nil
			}
			b.apply(in)
		}
	}
}

func (b *Bridge) apply(in transport.Inbound) {
	prev := b.Current()

	var next ontime.Snapshot
	if in.Resync {
		// The stream gapped; the pre-gap snapshot is not a valid
		// predecessor for edge detection.
		next = ontime.ResyncSnapshot(in.Envelope)
		log.Info().Msg("rebuilding state after reconnect")
	} else {
		next = ontime.Reduce(prev, in.Envelope)
	}

	transitions := ontime.Detect(prev, next, b.clock.Now())

	b.mu.Lock()
	b.current = next
	b.mu.Unlock()

	for _, tr := range transitions {
		log.Info().
			Str("kind", string(tr.Kind)).
			Str("event_title", tr.Current.EventTitle()).
			Int64("overtime_seconds", tr.Current.OvertimeSeconds()).
			Msg("transition detected")
	}
	b.hub.Publish(hub.Update{Snapshot: next, Transitions: transitions})
}
