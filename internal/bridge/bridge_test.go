package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lexorius/ontime-ha/internal/hub"
	"github.com/Lexorius/ontime-ha/internal/ontime"
	"github.com/Lexorius/ontime-ha/internal/transport"
)

type fakeSource struct {
	ch chan transport.Inbound
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan transport.Inbound, 64)}
}

func (f *fakeSource) Messages() <-chan transport.Inbound { return f.ch }

func (f *fakeSource) push(t *testing.T, typ ontime.MessageType, payload string, resync bool) {
	t.Helper()
	f.ch <- transport.Inbound{
		Envelope: ontime.Envelope{Type: typ, Payload: json.RawMessage(payload)},
		Resync:   resync,
	}
}

func runBridge(t *testing.T) (*fakeSource, *Bridge, *hub.Subscription, func()) {
	t.Helper()
	source := newFakeSource()
	h := hub.New(64)
	b := New(source, h, clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)))
	sub := h.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx)
	}()

	return source, b, sub, func() {
		cancel()
		<-done
		h.Close()
	}
}

func TestBridgePublishesSnapshotsInOrder(t *testing.T) {
	source, _, sub, stop := runBridge(t)
	defer stop()

	source.push(t, ontime.MessageTimer, `{"current":5000,"playback":"play"}`, true)
	source.push(t, ontime.MessageTimer, `{"current":4000}`, false)

	first := <-sub.Updates()
	require.NotNil(t, first.Snapshot.TimerMS)
	assert.Equal(t, int64(5000), *first.Snapshot.TimerMS)
	assert.Empty(t, first.Transitions, "resync snapshot has no valid predecessor")

	second := <-sub.Updates()
	require.NotNil(t, second.Snapshot.TimerMS)
	assert.Equal(t, int64(4000), *second.Snapshot.TimerMS)
	assert.Equal(t, ontime.PlaybackPlaying, second.Snapshot.Playback)
}

func TestBridgeCurrentTracksLatestSnapshot(t *testing.T) {
	source, b, sub, stop := runBridge(t)
	defer stop()

	assert.Equal(t, ontime.PlaybackStopped, b.Current().Playback)

	source.push(t, ontime.MessageTimer, `{"current":1000,"playback":"roll"}`, true)
	<-sub.Updates()

	cur := b.Current()
	require.NotNil(t, cur.TimerMS)
	assert.Equal(t, int64(1000), *cur.TimerMS)
	assert.Equal(t, ontime.PlaybackRolling, cur.Playback)
}

func TestBridgeDetectsOvertimeEdge(t *testing.T) {
	source, _, sub, stop := runBridge(t)
	defer stop()

	source.push(t, ontime.MessageTimer, `{"current":2000,"playback":"play"}`, true)
	source.push(t, ontime.MessageTimer, `{"current":-150}`, false)

	<-sub.Updates()
	u := <-sub.Updates()
	require.Len(t, u.Transitions, 1)
	assert.Equal(t, ontime.OvertimeEntered, u.Transitions[0].Kind)
}

func TestBridgeSuppressesOvertimeAfterReconnect(t *testing.T) {
	source, _, sub, stop := runBridge(t)
	defer stop()

	// Running normally, already in overtime.
	source.push(t, ontime.MessageTimer, `{"current":1000,"playback":"play"}`, true)
	source.push(t, ontime.MessageTimer, `{"current":-5000}`, false)
	<-sub.Updates()
	u := <-sub.Updates()
	require.Len(t, u.Transitions, 1)
	require.Equal(t, ontime.OvertimeEntered, u.Transitions[0].Kind)

	// Reconnect: the first post-gap snapshot still shows overtime but
	// must not re-alert.
	source.push(t, ontime.MessageTimer, `{"current":-6000,"playback":"play"}`, true)
	u = <-sub.Updates()
	assert.Empty(t, u.Transitions, "reconnect resync must not re-fire OvertimeEntered")

	// And the edge still works after the resync settles.
	source.push(t, ontime.MessageTimer, `{"current":3000}`, false)
	u = <-sub.Updates()
	require.Len(t, u.Transitions, 1)
	assert.Equal(t, ontime.OvertimeCleared, u.Transitions[0].Kind)
}

func TestBridgeSuppressesSectionsArrivingAfterClockResync(t *testing.T) {
	source, _, sub, stop := runBridge(t)
	defer stop()

	// Running normally, overtime already entered.
	source.push(t, ontime.MessageTimer, `{"current":1000,"playback":"play"}`, true)
	source.push(t, ontime.MessageTimer, `{"current":-5000}`, false)
	<-sub.Updates()
	u := <-sub.Updates()
	require.Len(t, u.Transitions, 1)
	require.Equal(t, ontime.OvertimeEntered, u.Transitions[0].Kind)

	// Reconnect where the first frame is a wall-clock broadcast: it
	// carries no timer, playback or event section at all.
	source.push(t, ontime.MessageClock, `{"clock":72000000}`, true)
	u = <-sub.Updates()
	assert.Empty(t, u.Transitions)

	// The timer section re-arrives on a later frame, still negative.
	// It is the first known-origin timer since the gap, so it must set
	// the baseline without re-firing OvertimeEntered.
	source.push(t, ontime.MessageTimer, `{"current":-6000}`, false)
	u = <-sub.Updates()
	assert.Empty(t, u.Transitions,
		"timer re-established after a gap must not re-fire OvertimeEntered")

	// Same for playback: its first post-gap value is a baseline.
	source.push(t, ontime.MessageRuntime, `{"playback":"play","selectedEventId":"ev-1"}`, false)
	u = <-sub.Updates()
	assert.Empty(t, u.Transitions,
		"playback re-established after a gap must not fire PlaybackChanged")

	// With baselines in place, real edges fire again.
	source.push(t, ontime.MessageTimer, `{"current":3000}`, false)
	u = <-sub.Updates()
	require.Len(t, u.Transitions, 1)
	assert.Equal(t, ontime.OvertimeCleared, u.Transitions[0].Kind)
}

func TestBridgeStopsWhenStreamEnds(t *testing.T) {
	source := newFakeSource()
	h := hub.New(8)
	defer h.Close()
	b := New(source, h, clockwork.NewFakeClock())

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()

	close(source.ch)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop when the stream ended")
	}
}
