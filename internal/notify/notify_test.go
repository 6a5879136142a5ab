package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (r *recordingPublisher) Publish(subject string, data []byte) error {
	if r.err != nil {
		return r.err
	}
	r.subjects = append(r.subjects, subject)
	r.payloads = append(r.payloads, data)
	return nil
}

type recordingNotifier struct {
	events []Event
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, ev Event) error {
	r.events = append(r.events, ev)
	return r.err
}

func TestNATSPublishesOnRoomSubject(t *testing.T) {
	pub := &recordingPublisher{}
	n := NewNATS(pub, "cardroom.rooms")

	err := n.Notify(context.Background(), Event{RoomID: "R1", Kind: KindDelta, Payload: map[string]any{"version": 1}})
	require.NoError(t, err)
	require.Equal(t, []string{"cardroom.rooms.R1.delta"}, pub.subjects)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(pub.payloads[0], &decoded))
	assert.Equal(t, "R1", decoded["roomId"])
	assert.Equal(t, "delta", decoded["type"])
}

func TestNATSSubjectWithoutPrefix(t *testing.T) {
	n := NewNATS(&recordingPublisher{}, "")
	assert.Equal(t, "R1.reset", n.Subject(Event{RoomID: "R1", Kind: KindReset}))
}

func TestNATSPublishErrorIsReturned(t *testing.T) {
	n := NewNATS(&recordingPublisher{err: errors.New("closed")}, "x")
	require.Error(t, n.Notify(context.Background(), Event{RoomID: "R1", Kind: KindDelta}))
}

func TestFanoutSwallowsFailures(t *testing.T) {
	failing := &recordingNotifier{err: errors.New("down")}
	ok := &recordingNotifier{}
	f := NewFanout(slog.New(slog.NewTextHandler(io.Discard, nil)), failing, nil, ok)

	require.NoError(t, f.Notify(context.Background(), Event{RoomID: "R1", Kind: KindPresence}))
	require.Len(t, ok.events, 1)
	assert.False(t, ok.events[0].At.IsZero())
	assert.Len(t, failing.events, 1)
}
