// Package session drives one simulated chat user from provisioning through a
// sequential question and answer conversation to teardown.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/example/chatbot/tools/captest/internal/codec"
	"github.com/example/chatbot/tools/captest/internal/errclass"
	"github.com/example/chatbot/tools/captest/internal/provision"
	"github.com/example/chatbot/tools/captest/internal/tracker"
	"github.com/example/chatbot/tools/captest/internal/transport"
)

// State is a session's terminal state.
type State string

const (
	// StateSucceeded means every planned question received a terminal answer.
	StateSucceeded State = "succeeded"
	// StateFailed means setup, connect, or the conversation failed.
	StateFailed State = "failed"
	// StateCancelled means the session was cancelled before completing.
	StateCancelled State = "cancelled"
)

// Outcome is the result of one session run.
type Outcome struct {
	Ordinal        int
	SessionID      string
	State          State
	Category       errclass.Category
	Err            error
	QuestionsAsked int
	Elapsed        time.Duration
}

// Succeeded reports whether the session completed its full plan.
func (o Outcome) Succeeded() bool { return o.State == StateSucceeded }

// Session is one simulated chat user. Sessions are single-use: construct,
// Run once, discard.
type Session struct {
	ordinal     int
	provisioner provision.Provisioner
	dialer      transport.Dialer
	codec       *codec.Codec
	plan        []codec.Question
	tracker     *tracker.Tracker
}

// New creates a session ready to run.
func New(ordinal int, provisioner provision.Provisioner, dialer transport.Dialer, cdc *codec.Codec, plan []codec.Question, trk *tracker.Tracker) *Session {
	return &Session{
		ordinal:     ordinal,
		provisioner: provisioner,
		dialer:      dialer,
		codec:       cdc,
		plan:        plan,
		tracker:     trk,
	}
}

// Run executes the session lifecycle: provision credentials, open the
// stream, ask every planned question in order waiting for each terminal
// answer, then tear down. It always returns an Outcome; Err is set for
// failed and cancelled states.
func (s *Session) Run(ctx context.Context) Outcome {
	start := time.Now()
	outcome := Outcome{Ordinal: s.ordinal, State: StateFailed}
	defer func() { outcome.Elapsed = time.Since(start) }()

	if err := ctx.Err(); err != nil {
		outcome.State = StateCancelled
		outcome.Err = err
		return outcome
	}

	creds, err := s.provisioner.Provision(ctx, s.ordinal)
	if err != nil {
		if ctx.Err() != nil {
			outcome.State = StateCancelled
			outcome.Err = ctx.Err()
			return outcome
		}
		s.tracker.OnError(errclass.SetupFailure)
		outcome.Category = errclass.SetupFailure
		outcome.Err = fmt.Errorf("session %d setup: %w", s.ordinal, err)
		return outcome
	}
	outcome.SessionID = creds.SessionID

	stream, err := s.dialer.Dial(ctx, creds.Token)
	if err != nil {
		if ctx.Err() != nil {
			outcome.State = StateCancelled
			outcome.Err = ctx.Err()
			return outcome
		}
		cat := errclass.ClassifyConnect(err, transport.StatusCode(err))
		s.tracker.OnError(cat)
		outcome.Category = cat
		outcome.Err = fmt.Errorf("session %d connect: %w", s.ordinal, err)
		return outcome
	}
	defer stream.Close()

	// Closing the stream is the only way to interrupt a blocked Receive,
	// so a watcher translates context cancellation into a close.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = stream.Close()
		case <-watchDone:
		}
	}()

	identity := codec.Identity{
		SessionID:    creds.SessionID,
		ConnectionID: creds.ConnectionID,
		ClientCode:   creds.ClientCode,
	}

	// Attributes returned by one answer ride along on the next question.
	var attrs map[string]any

	for _, question := range s.plan {
		attrs, err = s.ask(stream, identity, question, attrs)
		if err != nil {
			if ctx.Err() != nil {
				outcome.State = StateCancelled
				outcome.Err = ctx.Err()
				return outcome
			}
			s.tracker.OnError(errclass.MidStreamError)
			outcome.Category = errclass.MidStreamError
			outcome.Err = fmt.Errorf("session %d question %d: %w", s.ordinal, outcome.QuestionsAsked+1, err)
			return outcome
		}
		outcome.QuestionsAsked++
	}

	outcome.State = StateSucceeded
	return outcome
}

// ask transmits one question and blocks until its terminal answer chunk. The
// invocation is registered with the tracker before the transmit and released
// when the answer completes or the exchange fails.
func (s *Session) ask(stream transport.Stream, identity codec.Identity, question codec.Question, attrs map[string]any) (map[string]any, error) {
	frame, err := s.codec.EncodeQuestion(question, identity, attrs)
	if err != nil {
		return attrs, fmt.Errorf("encoding question: %w", err)
	}

	s.tracker.OnInvocationStarted()
	defer s.tracker.OnInvocationCompleted()

	askedAt := time.Now()
	if err := stream.Send(frame); err != nil {
		return attrs, fmt.Errorf("sending question: %w", err)
	}

	for {
		raw, err := stream.Receive()
		if err != nil {
			return attrs, fmt.Errorf("receiving answer: %w", err)
		}

		chunk, err := s.codec.DecodeChunk(raw)
		if err != nil {
			return attrs, fmt.Errorf("decoding answer: %w", err)
		}
		if chunk.SessionAttributes != nil {
			attrs = chunk.SessionAttributes
		}
		if chunk.Terminal {
			s.tracker.RecordLatency(time.Since(askedAt))
			return attrs, nil
		}
		// Intermediate streaming chunk; keep waiting for the terminal one.
	}
}
