package ontime

import "encoding/json"

// MessageType tags an inbound websocket message from the Ontime server.
type MessageType string

const (
	MessageTimer    MessageType = "ontime-timer"
	MessageRuntime  MessageType = "ontime-runtime"
	MessageEventNow MessageType = "ontime-eventNow"
	MessageClock    MessageType = "ontime-clock"
)

// Envelope is the tagged wire frame carrying one server update. Payload
// stays raw until the reducer decodes the variant it understands;
// unknown types flow through untouched so new server message kinds never
// break the stream.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeEnvelope parses one raw websocket frame. A frame that is not
// valid JSON or has no type tag is a protocol error.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if env.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return env, nil
}

// timerPayload mirrors the fields of the server's timer section that the
// bridge cares about. Every field is a pointer: absent fields leave the
// snapshot untouched, which is what makes single-field tick messages
// cheap and server-side additions harmless.
type timerPayload struct {
	Current     *int64  `json:"current"`
	Elapsed     *int64  `json:"elapsed"`
	ExpectedEnd *int64  `json:"expectedEnd"`
	Playback    *string `json:"playback"`
}

type runtimePayload struct {
	Playback        *string `json:"playback"`
	SelectedEventID *string `json:"selectedEventId"`
}

type eventPayload struct {
	ID       *string `json:"id"`
	Cue      *string `json:"cue"`
	Title    *string `json:"title"`
	Note     *string `json:"note"`
	Colour   *string `json:"colour"`
	Duration *int64  `json:"duration"`
}
