// Package codec serializes outbound chat questions into encrypted WebSocket
// frames and deserializes inbound frames into structured answer chunks. The
// encryption layer is wire-compatible with the backend's browser client.
package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Options configures a Codec.
type Options struct {
	// Disabled sends and expects plaintext JSON frames (test servers only).
	Disabled bool

	// RequestGreeting asks the backend to generate a greeting message.
	RequestGreeting bool

	// LanguageCode is the conversation language (e.g., "en").
	LanguageCode string

	// UserTimezone is the reported user timezone (e.g., "UTC").
	UserTimezone string
}

// Codec encodes questions and decodes answer chunks.
type Codec struct {
	opts Options
}

// Question is one planned outbound message.
type Question struct {
	// CourseID is the course catalog code the question belongs to.
	CourseID string

	// Text is the question itself.
	Text string
}

// Identity carries the per-session credentials embedded in every payload.
type Identity struct {
	SessionID    string
	ConnectionID string
	ClientCode   string
}

// Chunk is one decoded inbound unit of an answer.
type Chunk struct {
	// Terminal marks the chunk completing the current answer turn.
	Terminal bool

	// Response is the complete answer text; set only on terminal chunks.
	Response string

	// SessionAttributes is the server-assigned attribute bag carried in this
	// chunk, nil when absent. The client passes it back verbatim with the
	// next question.
	SessionAttributes map[string]any
}

// questionPayload is the outbound wire shape.
type questionPayload struct {
	SessionID       string         `json:"session_id"`
	ConnectionID    string         `json:"connection_id"`
	RequestID       string         `json:"request_id"`
	ClientCode      string         `json:"client_code"`
	RequestGreeting int            `json:"request_to_generate_greeting_message"`
	LanguageCode    string         `json:"language_code"`
	UserMessage     string         `json:"user_message"`
	SessionAttrs    map[string]any `json:"session_attributes"`
	MessageDateTime string         `json:"user_message_date_and_time"`
	UserTimezone    string         `json:"user_timezone"`
	ConversationID  string         `json:"conversation_id"`
	CourseID        string         `json:"course_id"`
}

// New creates a Codec.
func New(opts Options) *Codec {
	if opts.LanguageCode == "" {
		opts.LanguageCode = "en"
	}
	if opts.UserTimezone == "" {
		opts.UserTimezone = "UTC"
	}
	return &Codec{opts: opts}
}

// EncodeQuestion builds and encrypts the outbound frame for one question.
// attrs is the session attribute bag carried over from the previous answer;
// nil is sent as an empty bag.
func (c *Codec) EncodeQuestion(q Question, id Identity, attrs map[string]any) (string, error) {
	if attrs == nil {
		attrs = map[string]any{}
	}

	greeting := 0
	if c.opts.RequestGreeting {
		greeting = 1
	}

	payload := questionPayload{
		SessionID:       id.SessionID,
		ConnectionID:    id.ConnectionID,
		RequestID:       uuid.NewString(),
		ClientCode:      id.ClientCode,
		RequestGreeting: greeting,
		LanguageCode:    c.opts.LanguageCode,
		UserMessage:     q.Text,
		SessionAttrs:    attrs,
		MessageDateTime: time.Now().UTC().Format("2006-01-02 15:04:05"),
		UserTimezone:    c.opts.UserTimezone,
		ConversationID:  uuid.NewString(),
		CourseID:        q.CourseID,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling question payload: %w", err)
	}

	if c.opts.Disabled {
		return string(data), nil
	}
	return encryptFrame(string(data))
}

// DecodeChunk decrypts and parses one inbound frame. A chunk is terminal
// when it carries the complete_response key.
func (c *Codec) DecodeChunk(frame string) (Chunk, error) {
	plaintext := frame
	if !c.opts.Disabled {
		var err error
		plaintext, err = decryptFrame(frame)
		if err != nil {
			return Chunk{}, err
		}
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(plaintext), &data); err != nil {
		return Chunk{}, fmt.Errorf("%w: chunk is not JSON: %v", ErrBadFrame, err)
	}

	chunk := Chunk{}
	if attrs, ok := data["session_attributes"].(map[string]any); ok {
		chunk.SessionAttributes = attrs
	}
	if response, ok := data["complete_response"]; ok {
		chunk.Terminal = true
		if s, ok := response.(string); ok {
			chunk.Response = s
		}
	}
	return chunk, nil
}
