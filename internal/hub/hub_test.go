package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"medchat/internal/registry"
	"medchat/pkg/types"
)

type recordingChannel struct {
	mu       sync.Mutex
	frames   [][]byte
	sendErr  error
	block    chan struct{}
	received chan struct{}
	closed   atomic.Int32
}

func newRecordingChannel() *recordingChannel {
	return &recordingChannel{received: make(chan struct{}, 16)}
}

func (c *recordingChannel) Send(data []byte) error {
	if c.block != nil {
		<-c.block
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.mu.Lock()
	c.frames = append(c.frames, data)
	c.mu.Unlock()
	c.received <- struct{}{}
	return nil
}

func (c *recordingChannel) Close() error {
	c.closed.Add(1)
	return errors.New("already gone")
}

func (c *recordingChannel) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

func newTestHub(t *testing.T, opts ...Option) (*Hub, *registry.Registry) {
	reg := registry.New()
	return New(reg, zaptest.NewLogger(t), opts...), reg
}

func TestHub_StartStop(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	require.NoError(t, h.Start(ctx))
	require.ErrorIs(t, h.Start(ctx), ErrHubAlreadyRunning)
	require.NoError(t, h.Stop())
	require.ErrorIs(t, h.Stop(), ErrHubNotRunning)
}

func TestHub_DeliverToUserWithoutChannels(t *testing.T) {
	h, _ := newTestHub(t)

	report, err := h.DeliverToUsers(context.Background(), map[string]string{"type": "new_message"}, []types.UserID{5})
	require.NoError(t, err)
	require.Len(t, report.Targets, 1)
	require.Equal(t, StatusNoActiveChannels, report.Targets[0].Status)
	require.Zero(t, report.Sent())
	require.Zero(t, report.Failed())
}

func TestHub_DeadChannelIsDroppedLiveChannelReceives(t *testing.T) {
	h, reg := newTestHub(t)
	live, dead := newRecordingChannel(), newRecordingChannel()
	dead.sendErr = errors.New("broken pipe")
	reg.Connect(2, live)
	reg.Connect(2, dead)

	report, err := h.DeliverToUsers(context.Background(), []byte(`{"type":"new_message"}`), []types.UserID{2})
	require.NoError(t, err)

	require.Equal(t, [][]byte{[]byte(`{"type":"new_message"}`)}, live.Frames())
	require.Equal(t, int32(1), dead.closed.Load())
	require.Equal(t, 1, reg.ConnectionCount(2))
	require.Equal(t, live, reg.Snapshot(2)[0])

	outcome, ok := report.Outcome(2)
	require.True(t, ok)
	require.Equal(t, StatusDelivered, outcome.Status)
	require.Equal(t, 1, report.Sent())
	require.Equal(t, 1, report.Failed())
}

func TestHub_AllChannelsFailed(t *testing.T) {
	h, reg := newTestHub(t)
	dead := newRecordingChannel()
	dead.sendErr = errors.New("closed")
	reg.Connect(3, dead)

	report, err := h.DeliverToUsers(context.Background(), []byte(`{}`), []types.UserID{3})
	require.NoError(t, err)
	require.Equal(t, StatusChannelFailed, report.Targets[0].Status)
	require.Empty(t, reg.ActiveUsers())
}

func TestHub_SlowChannelDoesNotDelayOthers(t *testing.T) {
	h, reg := newTestHub(t)
	slow, fast := newRecordingChannel(), newRecordingChannel()
	slow.block = make(chan struct{})
	reg.Connect(1, slow)
	reg.Connect(2, fast)

	done := make(chan *Report)
	go func() {
		report, _ := h.DeliverToUsers(context.Background(), []byte(`{}`), []types.UserID{1, 2})
		done <- report
	}()

	select {
	case <-fast.received:
	case <-time.After(2 * time.Second):
		t.Fatal("fast channel was held up by the slow one")
	}

	select {
	case <-done:
		t.Fatal("delivery returned before the slow send finished")
	default:
	}

	close(slow.block)
	report := <-done
	require.Equal(t, 2, report.Sent())
}

func TestHub_TargetsAreDeduplicated(t *testing.T) {
	h, reg := newTestHub(t)
	ch := newRecordingChannel()
	reg.Connect(1, ch)

	report, err := h.DeliverToUsers(context.Background(), []byte(`{}`), []types.UserID{1, 1, 1})
	require.NoError(t, err)
	require.Len(t, report.Targets, 1)
	require.Len(t, ch.Frames(), 1)
}

func TestHub_MultipleDevices(t *testing.T) {
	h, reg := newTestHub(t)
	phone, laptop := newRecordingChannel(), newRecordingChannel()
	reg.Connect(1, phone)
	reg.Connect(1, laptop)

	frame := types.NewErrorFrame(types.ErrorCodeMissingFields, "Missing required fields: conversation_id, content")
	_, err := h.DeliverToUsers(context.Background(), frame, []types.UserID{1})
	require.NoError(t, err)

	for _, ch := range []*recordingChannel{phone, laptop} {
		frames := ch.Frames()
		require.Len(t, frames, 1)
		var decoded types.ErrorFrame
		require.NoError(t, json.Unmarshal(frames[0], &decoded))
		require.Equal(t, frame, decoded)
	}
}

func TestHub_EncodeError(t *testing.T) {
	h, _ := newTestHub(t)
	_, err := h.DeliverToUsers(context.Background(), make(chan int), []types.UserID{1})
	require.ErrorIs(t, err, ErrEncodePayload)
}

type fakeRelay struct {
	mu         sync.Mutex
	published  []*Envelope
	handler    func(*Envelope)
	publishErr error
	unsubbed   bool
}

func (r *fakeRelay) Publish(_ context.Context, env *Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, env)
	return r.publishErr
}

func (r *fakeRelay) Subscribe(handler func(*Envelope)) (func() error, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = handler
	return func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.unsubbed = true
		return nil
	}, nil
}

func TestHub_PublishForwardsToRelay(t *testing.T) {
	relay := &fakeRelay{publishErr: errors.New("nats down")}
	h, reg := newTestHub(t, WithRelay(relay), WithOrigin("node-a"))
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Stop() })

	ch := newRecordingChannel()
	reg.Connect(1, ch)

	report, err := h.Publish(context.Background(), []byte(`{"n":1}`), []types.UserID{1, 2, 1})
	require.NoError(t, err, "relay errors are not surfaced")
	require.Equal(t, 1, report.Sent())

	require.Len(t, relay.published, 1)
	env := relay.published[0]
	require.Equal(t, "node-a", env.Origin)
	require.Equal(t, []types.UserID{1, 2}, env.Targets)
	require.JSONEq(t, `{"n":1}`, string(env.Payload))
}

func TestHub_RelayedEnvelopes(t *testing.T) {
	relay := &fakeRelay{}
	h, reg := newTestHub(t, WithRelay(relay), WithOrigin("node-a"))
	require.NoError(t, h.Start(context.Background()))

	ch := newRecordingChannel()
	reg.Connect(9, ch)

	relay.handler(&Envelope{Origin: "node-a", Targets: []types.UserID{9}, Payload: []byte(`{"own":true}`)})
	require.Empty(t, ch.Frames(), "own envelopes are ignored")

	relay.handler(&Envelope{Origin: "node-b", Targets: []types.UserID{9}, Payload: []byte(`{"own":false}`)})
	require.Equal(t, [][]byte{[]byte(`{"own":false}`)}, ch.Frames())

	require.NoError(t, h.Stop())
	require.True(t, relay.unsubbed)
}
