package ontime

import (
	"encoding/json"
	"time"
)

// Reduce folds one inbound message into a new Snapshot. It is a pure
// function: the same (snapshot, envelope) pair always yields the same
// result, and the input snapshot is never mutated. Fields absent from
// the message keep their previous value; fields that fail to decode are
// skipped individually so one bad field never discards a whole update.
func Reduce(cur Snapshot, env Envelope) Snapshot {
	next := cur
	next.Resync = false

	switch env.Type {
	case MessageTimer:
		applyTimer(&next, env.Payload)
	case MessageRuntime:
		applyRuntime(&next, env.Payload)
	case MessageEventNow:
		applyEventNow(&next, env.Payload)
	case MessageClock:
		// Wall-clock broadcasts carry nothing the snapshot tracks.
	default:
		// Unknown message type: forward compatible, no-op.
	}
	return next
}

// ResyncSnapshot rebuilds state from the first message after a
// connection gap. The result is marked Resync, and every section the
// message did not carry stays unknown-origin: the server spreads its
// full state across several message kinds, so sections keep arriving
// over the following frames and each one's first comparison after the
// gap must be suppressed individually.
func ResyncSnapshot(env Envelope) Snapshot {
	s := Reduce(Snapshot{Playback: PlaybackStopped}, env)
	s.Resync = true
	return s
}

func applyTimer(s *Snapshot, payload json.RawMessage) {
	var p timerPayload
	decodeFields(payload, map[string]any{
		"current":     &p.Current,
		"elapsed":     &p.Elapsed,
		"expectedEnd": &p.ExpectedEnd,
		"playback":    &p.Playback,
	})
	if p.Current != nil {
		v := *p.Current
		s.TimerMS = &v
		s.TimerKnown = true
	}
	if p.Elapsed != nil {
		v := *p.Elapsed
		if v < 0 {
			v = 0
		}
		s.ElapsedMS = &v
	}
	if p.ExpectedEnd != nil {
		// Server sends a unix millisecond timestamp.
		t := time.UnixMilli(*p.ExpectedEnd).UTC()
		s.ExpectedEnd = &t
	}
	if p.Playback != nil {
		s.Playback = ParsePlaybackState(*p.Playback)
		s.PlaybackKnown = true
	}
}

func applyRuntime(s *Snapshot, payload json.RawMessage) {
	var p runtimePayload
	decodeFields(payload, map[string]any{
		"playback":        &p.Playback,
		"selectedEventId": &p.SelectedEventID,
	})
	if p.Playback != nil {
		s.Playback = ParsePlaybackState(*p.Playback)
		s.PlaybackKnown = true
	}
	if p.SelectedEventID != nil {
		s.EventKnown = true
		if *p.SelectedEventID == "" {
			s.CurrentEvent = nil
			if s.Playback == PlaybackStopped {
				s.TimerMS = nil
				s.ElapsedMS = nil
				s.ExpectedEnd = nil
			}
		} else if s.CurrentEvent == nil || s.CurrentEvent.ID != *p.SelectedEventID {
			s.CurrentEvent = &Event{ID: *p.SelectedEventID}
		}
	}
}

func applyEventNow(s *Snapshot, payload json.RawMessage) {
	var p eventPayload
	decodeFields(payload, map[string]any{
		"id":       &p.ID,
		"cue":      &p.Cue,
		"title":    &p.Title,
		"note":     &p.Note,
		"colour":   &p.Colour,
		"duration": &p.Duration,
	})
	if p.ID == nil {
		return
	}
	s.EventKnown = true
	if *p.ID == "" {
		s.CurrentEvent = nil
		return
	}
	ev := Event{ID: *p.ID}
	if s.CurrentEvent != nil && s.CurrentEvent.ID == *p.ID {
		ev = *s.CurrentEvent
	}
	if p.Cue != nil {
		ev.Cue = *p.Cue
	}
	if p.Title != nil {
		ev.Title = *p.Title
	}
	if p.Note != nil {
		ev.Note = *p.Note
	}
	if p.Colour != nil {
		ev.Colour = *p.Colour
	}
	if p.Duration != nil {
		ev.DurationMS = *p.Duration
	}
	s.CurrentEvent = &ev
}

// decodeFields unmarshals payload fields one at a time. A field whose
// value does not match the expected type is skipped rather than failing
// the whole message.
func decodeFields(payload json.RawMessage, targets map[string]any) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return
	}
	for key, dst := range targets {
		val, ok := raw[key]
		if !ok {
			continue
		}
		// Per-field: a type mismatch here must not poison the rest.
		_ = json.Unmarshal(val, dst)
	}
}
