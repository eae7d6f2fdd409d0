package ontime

import "time"

// PlaybackState is the playback mode reported by the Ontime server.
type PlaybackState string

const (
	PlaybackStopped PlaybackState = "stop"
	PlaybackPlaying PlaybackState = "play"
	PlaybackPaused  PlaybackState = "pause"
	PlaybackRolling PlaybackState = "roll"
)

// ParsePlaybackState maps a server-reported playback string to a
// PlaybackState. Unknown values map to PlaybackStopped so a server
// addition never produces an impossible enum value downstream.
func ParsePlaybackState(s string) PlaybackState {
	switch PlaybackState(s) {
	case PlaybackPlaying, PlaybackPaused, PlaybackRolling:
		return PlaybackState(s)
	default:
		return PlaybackStopped
	}
}

// Event is a reference to the rundown event currently loaded on the
// server. The server owns the rundown; this is never an authoritative
// copy and must not outlive the Snapshot holding it.
type Event struct {
	ID         string `json:"id"`
	Cue        string `json:"cue"`
	Index      int    `json:"index"`
	Title      string `json:"title"`
	Note       string `json:"note,omitempty"`
	Colour     string `json:"colour,omitempty"`
	DurationMS int64  `json:"duration"`
}

// Snapshot is the complete picture of remote timer/playback/event state
// at one instant. Snapshots are immutable values: the reducer builds a
// fresh one for every inbound message, so a reader holding an older
// Snapshot never observes a half-applied update.
type Snapshot struct {
	// TimerMS is the running timer in milliseconds. Negative means the
	// active event has gone into overtime. Nil only when stopped with no
	// event loaded.
	TimerMS *int64

	// ElapsedMS is time elapsed in the current event, never negative.
	// Nil only when stopped with no event loaded.
	ElapsedMS *int64

	Playback     PlaybackState
	CurrentEvent *Event

	// ExpectedEnd is the absolute wall-clock time the server expects the
	// current event to finish, when known.
	ExpectedEnd *time.Time

	// Resync marks a snapshot rebuilt after a connection gap. The
	// transition detector treats a resync snapshot as having no valid
	// predecessor.
	Resync bool

	// Section origin marks. The server streams its state across several
	// message kinds, so after a gap each section stays unknown-origin
	// until a frame carrying it has been folded in. The detector never
	// fires an edge for a section whose value on either side of the
	// comparison is unknown-origin.
	TimerKnown    bool
	PlaybackKnown bool
	EventKnown    bool
}

// InOvertime reports whether the timer has gone negative.
func (s Snapshot) InOvertime() bool {
	return s.TimerMS != nil && *s.TimerMS < 0
}

// OvertimeSeconds is the overtime magnitude in whole seconds, zero when
// not in overtime.
func (s Snapshot) OvertimeSeconds() int64 {
	if !s.InOvertime() {
		return 0
	}
	return -*s.TimerMS / 1000
}

// EventID returns the id of the loaded event, or "" when none is loaded.
func (s Snapshot) EventID() string {
	if s.CurrentEvent == nil {
		return ""
	}
	return s.CurrentEvent.ID
}

// EventTitle returns the title of the loaded event, or "" when none is
// loaded.
func (s Snapshot) EventTitle() string {
	if s.CurrentEvent == nil {
		return ""
	}
	return s.CurrentEvent.Title
}
