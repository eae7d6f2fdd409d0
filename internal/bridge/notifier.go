package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/Lexorius/ontime-ha/internal/hub"
	"github.com/Lexorius/ontime-ha/internal/ontime"
)

// Notification subjects, one per transition kind. Plain NATS publish:
// nothing is persisted, so a subscriber that reconnects never replays
// past edges.
const (
	SubjectOvertimeEntered = "ontime.overtime.entered"
	SubjectOvertimeCleared = "ontime.overtime.cleared"
	SubjectPlaybackChanged = "ontime.playback.changed"
	SubjectEventChanged    = "ontime.event.changed"
)

// OvertimeNotification is the payload for overtime edges, carrying what
// an automation trigger needs without a follow-up query.
type OvertimeNotification struct {
	EventTitle      string    `json:"event_title"`
	OvertimeSeconds int64     `json:"overtime_seconds"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// PlaybackNotification is the payload for playback state edges.
type PlaybackNotification struct {
	Previous   ontime.PlaybackState `json:"previous"`
	Current    ontime.PlaybackState `json:"current"`
	OccurredAt time.Time            `json:"occurred_at"`
}

// EventNotification is the payload for loaded-event changes.
type EventNotification struct {
	PreviousEventID string    `json:"previous_event_id"`
	EventID         string    `json:"event_id"`
	EventTitle      string    `json:"event_title"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// Publisher is the outbound messaging interface. Satisfied by
// *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Notifier forwards detected transitions to NATS subjects for the host
// platform's automation triggers. Exactly one message per edge.
type Notifier struct {
	pub Publisher
}

// NewNotifier creates a notifier publishing through pub.
func NewNotifier(pub Publisher) *Notifier {
	return &Notifier{pub: pub}
}

// ConnectNATS dials the NATS server with the reconnect behavior used
// across this codebase.
func ConnectNATS(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
}

// Run consumes one hub subscription until ctx is cancelled or the
// subscription ends, publishing a notification per transition.
func (n *Notifier) Run(ctx context.Context, sub *hub.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-sub.Updates():
			if !ok {
				return nil
			}
			for _, tr := range u.Transitions {
				n.notify(tr)
			}
		}
	}
}

func (n *Notifier) notify(tr ontime.Transition) {
	var (
		subject string
		payload any
	)
	switch tr.Kind {
	case ontime.OvertimeEntered:
		subject = SubjectOvertimeEntered
		payload = OvertimeNotification{
			EventTitle:      tr.Current.EventTitle(),
			OvertimeSeconds: tr.Current.OvertimeSeconds(),
			OccurredAt:      tr.OccurredAt,
		}
	case ontime.OvertimeCleared:
		subject = SubjectOvertimeCleared
		payload = OvertimeNotification{
			EventTitle: tr.Current.EventTitle(),
			OccurredAt: tr.OccurredAt,
		}
	case ontime.PlaybackChanged:
		subject = SubjectPlaybackChanged
		payload = PlaybackNotification{
			Previous:   tr.Previous.Playback,
			Current:    tr.Current.Playback,
			OccurredAt: tr.OccurredAt,
		}
	case ontime.EventChanged:
		subject = SubjectEventChanged
		payload = EventNotification{
			PreviousEventID: tr.Previous.EventID(),
			EventID:         tr.Current.EventID(),
			EventTitle:      tr.Current.EventTitle(),
			OccurredAt:      tr.OccurredAt,
		}
	default:
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("failed to marshal notification")
		return
	}
	if err := n.pub.Publish(subject, data); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("failed to publish notification")
		return
	}
	log.Debug().Str("subject", subject).Msg("notification published")
}
