// Package dispatch translates high-level playback intents into transport
// requests against the Ontime server.
package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Lexorius/ontime-ha/internal/ontime"
	"github.com/Lexorius/ontime-ha/internal/transport"
)

// Direction selects which edge of the event AddTime moves.
type Direction string

const (
	DirectionBoth     Direction = "both"
	DirectionStart    Direction = "start"
	DirectionDuration Direction = "duration"
	DirectionEnd      Direction = "end"
)

// maxAddTime bounds a single time adjustment. The server accepts larger
// values but anything past an hour in one call is almost certainly a
// unit mistake by the caller.
const maxAddTime = time.Hour

// ValidationError is a locally rejected parameter. Nothing was sent.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StateError is an intent that cannot apply to the current snapshot,
// for example adjusting time with no event loaded. Nothing was sent.
type StateError struct {
	Reason string
}

func (e *StateError) Error() string {
	return "incompatible state: " + e.Reason
}

// Sender is the transport-level command path. Satisfied by
// *transport.Client.
type Sender interface {
	Send(ctx context.Context, cmd transport.Command) (transport.Ack, error)
}

// Dispatcher validates control intents and routes them to the server.
// It never waits for the resulting state change; callers observe the
// effect through the subscription hub.
type Dispatcher struct {
	sender   Sender
	snapshot func() ontime.Snapshot
}

// New creates a dispatcher. snapshot provides the live view used for
// state compatibility checks.
func New(sender Sender, snapshot func() ontime.Snapshot) *Dispatcher {
	return &Dispatcher{sender: sender, snapshot: snapshot}
}

func (d *Dispatcher) post(ctx context.Context, path string) error {
	_, err := d.sender.Send(ctx, transport.Command{Method: http.MethodPost, Path: path})
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("command failed")
		return err
	}
	log.Info().Str("path", path).Msg("command accepted")
	return nil
}

// Start begins playback of the loaded event.
func (d *Dispatcher) Start(ctx context.Context) error {
	return d.post(ctx, "/playback/start")
}

// Pause pauses the running timer.
func (d *Dispatcher) Pause(ctx context.Context) error {
	return d.post(ctx, "/playback/pause")
}

// Stop stops playback.
func (d *Dispatcher) Stop(ctx context.Context) error {
	return d.post(ctx, "/playback/stop")
}

// Reload resets the loaded event to its full duration.
func (d *Dispatcher) Reload(ctx context.Context) error {
	return d.post(ctx, "/playback/reload")
}

// Roll hands timing control to the server's scheduled times.
func (d *Dispatcher) Roll(ctx context.Context) error {
	return d.post(ctx, "/playback/roll")
}

// Next loads the next event in the rundown.
func (d *Dispatcher) Next(ctx context.Context) error {
	return d.post(ctx, "/playback/next")
}

// Previous loads the previous event in the rundown.
func (d *Dispatcher) Previous(ctx context.Context) error {
	return d.post(ctx, "/playback/previous")
}

// LoadEvent loads the event with the given id without starting it.
func (d *Dispatcher) LoadEvent(ctx context.Context, eventID string) error {
	if eventID == "" {
		return &ValidationError{Field: "event_id", Reason: "must not be empty"}
	}
	return d.post(ctx, "/playback/load/"+url.PathEscape(eventID))
}

// StartEvent loads and immediately starts the event with the given id.
func (d *Dispatcher) StartEvent(ctx context.Context, eventID string) error {
	if eventID == "" {
		return &ValidationError{Field: "event_id", Reason: "must not be empty"}
	}
	return d.post(ctx, "/playback/start/"+url.PathEscape(eventID))
}

// LoadEventIndex loads the event at the given rundown position. Index
// positions shift when the rundown is edited; prefer LoadEvent when the
// id is known.
func (d *Dispatcher) LoadEventIndex(ctx context.Context, index int) error {
	if index < 0 {
		return &ValidationError{Field: "event_index", Reason: "must not be negative"}
	}
	return d.post(ctx, fmt.Sprintf("/playback/loadindex/%d", index))
}

// LoadEventCue loads the first event matching the given cue. Cues are
// not guaranteed unique; the server picks the first match.
func (d *Dispatcher) LoadEventCue(ctx context.Context, cue string) error {
	if cue == "" {
		return &ValidationError{Field: "event_cue", Reason: "must not be empty"}
	}
	return d.post(ctx, "/playback/loadcue/"+url.PathEscape(cue))
}

// AddTime adjusts the running timer by ms milliseconds (negative removes
// time) on the given edge of the event.
func (d *Dispatcher) AddTime(ctx context.Context, ms int64, dir Direction) error {
	switch dir {
	case DirectionBoth, DirectionStart, DirectionDuration, DirectionEnd:
	default:
		return &ValidationError{
			Field:  "direction",
			Reason: fmt.Sprintf("%q is not one of both, start, duration, end", dir),
		}
	}
	if ms == 0 {
		return &ValidationError{Field: "time", Reason: "must not be zero"}
	}
	if ms > int64(maxAddTime/time.Millisecond) || ms < -int64(maxAddTime/time.Millisecond) {
		return &ValidationError{Field: "time", Reason: "must be within one hour"}
	}
	if d.snapshot().CurrentEvent == nil {
		return &StateError{Reason: "no event loaded"}
	}
	return d.post(ctx, fmt.Sprintf("/playback/addtime/%s/%d", dir, ms))
}
