package session

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/chatbot/tools/captest/internal/codec"
	"github.com/example/chatbot/tools/captest/internal/errclass"
	"github.com/example/chatbot/tools/captest/internal/provision"
	"github.com/example/chatbot/tools/captest/internal/tracker"
	"github.com/example/chatbot/tools/captest/internal/transport"
)

type fakeProvisioner struct {
	err   error
	calls int
}

func (f *fakeProvisioner) Provision(_ context.Context, ordinal int) (*provision.Credentials, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &provision.Credentials{
		Token:        "tok",
		ClientCode:   "cc",
		SessionID:    "sess-1",
		ConnectionID: "conn-1",
	}, nil
}

type fakeDialer struct {
	stream  *fakeStream
	dialErr error
}

func (f *fakeDialer) Dial(context.Context, string) (transport.Stream, error) {
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	return f.stream, nil
}

// fakeStream scripts the server side: each Send produces the frames that
// answers returns for that question.
type fakeStream struct {
	mu        sync.Mutex
	sent      []string
	answers   func(frame string) []string
	sendErr   error
	queue     chan string
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream(answers func(frame string) []string) *fakeStream {
	return &fakeStream{
		answers: answers,
		queue:   make(chan string, 64),
		closed:  make(chan struct{}),
	}
}

func (f *fakeStream) Send(frame string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	f.sent = append(f.sent, frame)
	f.mu.Unlock()
	if f.answers != nil {
		for _, reply := range f.answers(frame) {
			f.queue <- reply
		}
	}
	return nil
}

func (f *fakeStream) Receive() (string, error) {
	select {
	case frame := <-f.queue:
		return frame, nil
	case <-f.closed:
		return "", net.ErrClosed
	}
}

func (f *fakeStream) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeStream) sentFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func plainCodec() *codec.Codec {
	return codec.New(codec.Options{Disabled: true})
}

func plan(n int) []codec.Question {
	out := make([]codec.Question, n)
	for i := range out {
		out[i] = codec.Question{CourseID: "MED1060", Text: "question"}
	}
	return out
}

func terminalAnswer(string) []string {
	return []string{
		`{"partial":"thinking..."}`,
		`{"complete_response":"the answer"}`,
	}
}

func TestRun_FullConversation(t *testing.T) {
	trk := tracker.New()
	stream := newFakeStream(terminalAnswer)
	s := New(1, &fakeProvisioner{}, &fakeDialer{stream: stream}, plainCodec(), plan(3), trk)

	outcome := s.Run(context.Background())

	assert.Equal(t, StateSucceeded, outcome.State)
	assert.True(t, outcome.Succeeded())
	assert.Equal(t, 3, outcome.QuestionsAsked)
	assert.Equal(t, "sess-1", outcome.SessionID)
	assert.NoError(t, outcome.Err)

	snap := trk.Snapshot()
	assert.Equal(t, int64(3), snap.Started)
	assert.Equal(t, int64(3), snap.Completed)
	assert.Equal(t, int64(0), snap.Active)
	assert.GreaterOrEqual(t, snap.Peak, int64(1))
	assert.Equal(t, int64(0), snap.TotalErrors())
}

func TestRun_QuestionsAreSequential(t *testing.T) {
	stream := newFakeStream(terminalAnswer)
	s := New(1, &fakeProvisioner{}, &fakeDialer{stream: stream}, plainCodec(), plan(2), tracker.New())

	outcome := s.Run(context.Background())
	require.Equal(t, StateSucceeded, outcome.State)

	// Two questions, two sends; the second cannot have gone out before the
	// first terminal answer because Run blocks on it.
	require.Len(t, stream.sentFrames(), 2)
}

func TestRun_AttributesCarryOver(t *testing.T) {
	stream := newFakeStream(func(string) []string {
		return []string{`{"complete_response":"ok","session_attributes":{"topic":"anatomy"}}`}
	})
	s := New(1, &fakeProvisioner{}, &fakeDialer{stream: stream}, plainCodec(), plan(2), tracker.New())

	outcome := s.Run(context.Background())
	require.Equal(t, StateSucceeded, outcome.State)

	frames := stream.sentFrames()
	require.Len(t, frames, 2)

	var first, second map[string]any
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(frames[1]), &second))

	assert.Equal(t, map[string]any{}, first["session_attributes"])
	assert.Equal(t, map[string]any{"topic": "anatomy"}, second["session_attributes"])
}

func TestRun_EmptyPlanSucceedsAfterConnect(t *testing.T) {
	trk := tracker.New()
	prov := &fakeProvisioner{}
	stream := newFakeStream(nil)
	s := New(1, prov, &fakeDialer{stream: stream}, plainCodec(), nil, trk)

	outcome := s.Run(context.Background())

	assert.Equal(t, StateSucceeded, outcome.State)
	assert.Equal(t, 0, outcome.QuestionsAsked)
	assert.Equal(t, 1, prov.calls, "connect still happens")
	assert.Empty(t, stream.sentFrames(), "nothing is sent")
	assert.Equal(t, int64(0), trk.Snapshot().Started)
}

func TestRun_AttributesAreSessionLocal(t *testing.T) {
	// Each session only carries attributes from its own answers.
	makeSession := func(ordinal int, topic string) (*Session, *fakeStream) {
		stream := newFakeStream(func(string) []string {
			return []string{`{"complete_response":"ok","session_attributes":{"topic":"` + topic + `"}}`}
		})
		return New(ordinal, &fakeProvisioner{}, &fakeDialer{stream: stream}, plainCodec(), plan(2), tracker.New()), stream
	}

	s1, stream1 := makeSession(1, "anatomy")
	s2, stream2 := makeSession(2, "contracts")

	done := make(chan Outcome, 2)
	go func() { done <- s1.Run(context.Background()) }()
	go func() { done <- s2.Run(context.Background()) }()
	require.Equal(t, StateSucceeded, (<-done).State)
	require.Equal(t, StateSucceeded, (<-done).State)

	for _, tc := range []struct {
		stream *fakeStream
		topic  string
	}{
		{stream1, "anatomy"},
		{stream2, "contracts"},
	} {
		frames := tc.stream.sentFrames()
		require.Len(t, frames, 2)
		var second map[string]any
		require.NoError(t, json.Unmarshal([]byte(frames[1]), &second))
		assert.Equal(t, map[string]any{"topic": tc.topic}, second["session_attributes"])
	}
}

func TestRun_ProvisionFailure(t *testing.T) {
	trk := tracker.New()
	prov := &fakeProvisioner{err: errors.New("api down")}
	s := New(1, prov, &fakeDialer{}, plainCodec(), plan(1), trk)

	outcome := s.Run(context.Background())

	assert.Equal(t, StateFailed, outcome.State)
	assert.Equal(t, errclass.SetupFailure, outcome.Category)
	assert.Error(t, outcome.Err)

	snap := trk.Snapshot()
	assert.Equal(t, int64(1), snap.Errors[errclass.SetupFailure])
	assert.Equal(t, int64(0), snap.Started, "failed setup never registers an invocation")
}

func TestRun_ConnectRejectedWith502(t *testing.T) {
	trk := tracker.New()
	dialErr := &transport.ConnectError{Err: errors.New("bad handshake"), StatusCode: 502}
	s := New(1, &fakeProvisioner{}, &fakeDialer{dialErr: dialErr}, plainCodec(), plan(1), trk)

	outcome := s.Run(context.Background())

	assert.Equal(t, StateFailed, outcome.State)
	assert.Equal(t, errclass.BadGateway, outcome.Category)
	assert.Equal(t, int64(1), trk.Snapshot().Errors[errclass.BadGateway])
}

func TestRun_MidStreamFailure(t *testing.T) {
	trk := tracker.New()
	// First question answered, then the stream dies.
	asked := 0
	stream := newFakeStream(func(string) []string {
		asked++
		if asked == 1 {
			return []string{`{"complete_response":"ok"}`}
		}
		return nil
	})
	s := New(1, &fakeProvisioner{}, &fakeDialer{stream: stream}, plainCodec(), plan(2), trk)

	go func() {
		// Kill the stream once the second question is pending.
		time.Sleep(50 * time.Millisecond)
		_ = stream.Close()
	}()

	outcome := s.Run(context.Background())

	assert.Equal(t, StateFailed, outcome.State)
	assert.Equal(t, errclass.MidStreamError, outcome.Category)
	assert.Equal(t, 1, outcome.QuestionsAsked)

	snap := trk.Snapshot()
	assert.Equal(t, snap.Started, snap.Completed, "no invocation left registered")
	assert.Equal(t, int64(0), snap.Active)
	assert.Equal(t, int64(1), snap.Errors[errclass.MidStreamError])
}

func TestRun_CancelledMidAnswer(t *testing.T) {
	trk := tracker.New()
	// The answer never arrives; cancellation must unblock the session.
	stream := newFakeStream(func(string) []string { return nil })
	s := New(1, &fakeProvisioner{}, &fakeDialer{stream: stream}, plainCodec(), plan(1), trk)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	done := make(chan Outcome, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case outcome := <-done:
		assert.Equal(t, StateCancelled, outcome.State)
		assert.Error(t, outcome.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not unblock the session")
	}

	snap := trk.Snapshot()
	assert.Equal(t, snap.Started, snap.Completed)
	assert.Equal(t, int64(0), snap.TotalErrors(), "cancellation is not a backend error")
}

func TestRun_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	prov := &fakeProvisioner{}
	s := New(1, prov, &fakeDialer{}, plainCodec(), plan(1), tracker.New())

	outcome := s.Run(ctx)
	assert.Equal(t, StateCancelled, outcome.State)
	assert.Equal(t, 0, prov.calls)
}

