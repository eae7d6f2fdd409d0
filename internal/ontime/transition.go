package ontime

import "time"

// TransitionKind identifies a detected state edge.
type TransitionKind string

const (
	OvertimeEntered TransitionKind = "OvertimeEntered"
	OvertimeCleared TransitionKind = "OvertimeCleared"
	PlaybackChanged TransitionKind = "PlaybackChanged"
	EventChanged    TransitionKind = "EventChanged"
)

// Transition records one edge crossing between two successive snapshots.
type Transition struct {
	Kind       TransitionKind
	Previous   Snapshot
	Current    Snapshot
	OccurredAt time.Time
}

// Detect compares two successive snapshots and returns the edges crossed
// between them, in causal order. Detection is edge-triggered: a
// condition that persists across many snapshots fires once, on the
// snapshot where it first appears.
//
// When cur carries the Resync mark there is no trustworthy predecessor
// (the stream gapped), so nothing fires: a timer that is already
// negative after a reconnect must not re-alert. After the gap each
// section stays suppressed on its own until both sides of its
// comparison carry a known-origin value, because the server spreads
// its state across several message kinds and a resync frame rarely
// carries all of them.
func Detect(prev, cur Snapshot, now time.Time) []Transition {
	if cur.Resync {
		return nil
	}

	var out []Transition
	emit := func(kind TransitionKind) {
		out = append(out, Transition{
			Kind:       kind,
			Previous:   prev,
			Current:    cur,
			OccurredAt: now,
		})
	}

	// Identity comparison only: titles and cues are editable without
	// changing which event is loaded.
	if prev.EventKnown && cur.EventKnown && prev.EventID() != cur.EventID() {
		emit(EventChanged)
	}
	if prev.PlaybackKnown && cur.PlaybackKnown && prev.Playback != cur.Playback {
		emit(PlaybackChanged)
	}

	if prev.TimerKnown && cur.TimerKnown && prev.TimerMS != nil && cur.TimerMS != nil {
		switch {
		case *prev.TimerMS >= 0 && *cur.TimerMS < 0:
			emit(OvertimeEntered)
		case *prev.TimerMS < 0 && *cur.TimerMS >= 0:
			emit(OvertimeCleared)
		}
	}
	return out
}
