// Package protocol defines the JSON frames exchanged with the assistant
// backend. Inbound frames are decoded once at the transport boundary into a
// closed set of variants; business logic never touches raw type strings.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Outbound frame types.
const (
	TypeCommand = "claude-command"
	TypeAbort   = "abort-session"
)

// Inbound frame types.
const (
	TypeSessionCreated = "session-created"
	TypeClaudeOutput   = "claude-output"
	TypeAssistantMsg   = "assistant_message"
	TypeMessage        = "message"
	TypeStreamStart    = "streaming_start"
	TypeStreamChunk    = "streaming_chunk"
	TypeStreamEnd      = "streaming_end"
	TypeTyping         = "typing_indicator"
	TypeSessionAborted = "session-aborted"
	TypeError          = "error"
)

// Image is a base64-encoded attachment on an outbound command.
type Image struct {
	Data string `json:"data"`
}

// Command asks the backend to run a prompt in a project context.
type Command struct {
	Type        string  `json:"type"`
	Command     string  `json:"command"`
	SessionID   string  `json:"sessionId,omitempty"`
	ProjectPath string  `json:"projectPath"`
	Resume      bool    `json:"resume"`
	Images      []Image `json:"images,omitempty"`
}

// Abort asks the backend to stop the active session.
type Abort struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// NewCommand builds a command frame. A non-empty sessionID requests resume
// of that session's context.
func NewCommand(command, sessionID, projectPath string, images []Image) Command {
	return Command{
		Type:        TypeCommand,
		Command:     command,
		SessionID:   sessionID,
		ProjectPath: projectPath,
		Resume:      sessionID != "",
		Images:      images,
	}
}

// NewAbort builds an abort frame for the given session.
func NewAbort(sessionID string) Abort {
	return Abort{Type: TypeAbort, SessionID: sessionID}
}

// Inbound is the closed set of frames the backend sends. Exactly the types
// in this package implement it.
type Inbound interface {
	frameType() string
}

// SessionCreated fixes the session id on first exchange.
type SessionCreated struct {
	SessionID string
}

// MessagePayload is an atomic (non-streamed) assistant message. ID may be
// empty for legacy payloads; the coordinator assigns one.
type MessagePayload struct {
	Content string
	ID      string
}

// StreamStart opens a streaming buffer for a message id.
type StreamStart struct {
	MessageID string
}

// StreamChunk carries one ordered piece of a streaming message.
type StreamChunk struct {
	MessageID  string
	Chunk      string
	IsComplete bool
}

// StreamEnd closes a streaming message.
type StreamEnd struct {
	MessageID string
}

// Typing reports whether the assistant is composing.
type Typing struct {
	IsTyping bool
}

// SessionAborted acknowledges an abort request.
type SessionAborted struct {
	SessionID string
	Success   bool
}

// ErrorFrame is a backend-reported error, not tied to a message unless the
// coordinator can correlate it.
type ErrorFrame struct {
	Error string
}

// Unknown preserves a frame whose type is not recognized. It is logged and
// dropped at a single place in the coordinator.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (SessionCreated) frameType() string { return TypeSessionCreated }
func (MessagePayload) frameType() string { return TypeMessage }
func (StreamStart) frameType() string    { return TypeStreamStart }
func (StreamChunk) frameType() string    { return TypeStreamChunk }
func (StreamEnd) frameType() string      { return TypeStreamEnd }
func (Typing) frameType() string         { return TypeTyping }
func (SessionAborted) frameType() string { return TypeSessionAborted }
func (ErrorFrame) frameType() string     { return TypeError }
func (u Unknown) frameType() string      { return u.Type }

// envelope mirrors the superset of inbound fields; decoded once per frame.
type envelope struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	MessageID  string `json:"messageId"`
	ID         string `json:"id"`
	Content    string `json:"content"`
	Chunk      string `json:"chunk"`
	IsComplete bool   `json:"isComplete"`
	IsTyping   bool   `json:"isTyping"`
	Success    bool   `json:"success"`
	Error      string `json:"error"`
}

// Decode parses a raw frame into its variant. Malformed JSON is an error;
// a well-formed frame with an unrecognized type decodes to Unknown.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch env.Type {
	case TypeSessionCreated:
		return SessionCreated{SessionID: env.SessionID}, nil
	case TypeClaudeOutput, TypeAssistantMsg, TypeMessage:
		return MessagePayload{Content: env.Content, ID: env.ID}, nil
	case TypeStreamStart:
		return StreamStart{MessageID: env.MessageID}, nil
	case TypeStreamChunk:
		return StreamChunk{MessageID: env.MessageID, Chunk: env.Chunk, IsComplete: env.IsComplete}, nil
	case TypeStreamEnd:
		return StreamEnd{MessageID: env.MessageID}, nil
	case TypeTyping:
		return Typing{IsTyping: env.IsTyping}, nil
	case TypeSessionAborted:
		return SessionAborted{SessionID: env.SessionID, Success: env.Success}, nil
	case TypeError:
		return ErrorFrame{Error: env.Error}, nil
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return Unknown{Type: env.Type, Raw: raw}, nil
	}
}

// Encode marshals an outbound frame.
func Encode(frame any) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}
