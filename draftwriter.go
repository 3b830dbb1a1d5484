// Package draftwriter defines the request and event types shared by the
// draft-reply client, the UI bridge and the front-ends.
// A generation produces zero or more Fragment events followed by exactly one
// terminal event (Done or Failed).
package draftwriter

import (
	"errors"
	"strings"
)

var (
	// ErrEmptyMessage is returned when the received message is blank.
	ErrEmptyMessage = errors.New("original message is required")
	// ErrEmptyInstruction is returned when the reply instruction is blank.
	ErrEmptyInstruction = errors.New("instruction is required")
)

// DraftRequest is one user-initiated generation. It is not modified after
// construction.
type DraftRequest struct {
	// OriginalMessage is the message the user received.
	OriginalMessage string `json:"original_message"`
	// Instruction tells the model how to reply (e.g. "politely decline").
	Instruction string `json:"instruction"`
	// Model is the model identifier sent to the server.
	Model string `json:"model"`
	// Endpoint is the server base URL, without the /api/chat path.
	Endpoint string `json:"endpoint"`
}

// NewDraftRequest trims the user inputs and rejects blank ones.
func NewDraftRequest(originalMessage, instruction, model, endpoint string) (DraftRequest, error) {
	originalMessage = strings.TrimSpace(originalMessage)
	instruction = strings.TrimSpace(instruction)
	if originalMessage == "" {
		return DraftRequest{}, ErrEmptyMessage
	}
	if instruction == "" {
		return DraftRequest{}, ErrEmptyInstruction
	}
	return DraftRequest{
		OriginalMessage: originalMessage,
		Instruction:     instruction,
		Model:           model,
		Endpoint:        endpoint,
	}, nil
}

// EventKind tags a StreamEvent.
type EventKind int

const (
	// EventFragment carries an incremental piece of generated text.
	EventFragment EventKind = iota
	// EventDone ends a successful stream.
	EventDone
	// EventFailed ends a stream with an error.
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventFragment:
		return "fragment"
	case EventDone:
		return "done"
	case EventFailed:
		return "failed"
	}
	return "unknown"
}

// ErrorKind classifies a failed generation.
type ErrorKind int

const (
	// ConnectFailed means the transport could not reach the endpoint.
	ConnectFailed ErrorKind = iota + 1
	// TimedOut means no data arrived within the configured deadline.
	TimedOut
	// ProtocolError covers non-success statuses and server-reported errors.
	ProtocolError
	// DecodeError means a response line was not a JSON object.
	DecodeError
	// TransportError is any other I/O failure.
	TransportError
	// InternalError is a failure in event-handling code.
	InternalError
)

// String returns the machine-readable code for the kind.
func (k ErrorKind) String() string {
	switch k {
	case ConnectFailed:
		return "connect_failed"
	case TimedOut:
		return "timed_out"
	case ProtocolError:
		return "protocol_error"
	case DecodeError:
		return "decode_error"
	case TransportError:
		return "transport_error"
	case InternalError:
		return "internal_error"
	}
	return "unknown"
}

// MarshalText encodes the kind as its code.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Error describes a failed generation.
type Error struct {
	// Kind is the failure class.
	Kind ErrorKind `json:"kind"`
	// Detail is the human-readable description shown to the user.
	Detail string `json:"detail"`
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Detail
}

// StreamEvent is one element of a generation's event sequence.
type StreamEvent struct {
	Kind EventKind `json:"kind"`
	// Text is set for fragments.
	Text string `json:"text,omitempty"`
	// Err is set for failures.
	Err *Error `json:"error,omitempty"`
}

// Fragment returns a fragment event.
func Fragment(text string) StreamEvent {
	return StreamEvent{Kind: EventFragment, Text: text}
}

// Done returns the successful terminal event.
func Done() StreamEvent {
	return StreamEvent{Kind: EventDone}
}

// Failed returns the failure terminal event.
func Failed(kind ErrorKind, detail string) StreamEvent {
	return StreamEvent{Kind: EventFailed, Err: &Error{Kind: kind, Detail: detail}}
}

// Terminal reports whether the event ends the sequence.
func (e StreamEvent) Terminal() bool {
	return e.Kind == EventDone || e.Kind == EventFailed
}

// Sink receives the events of one generation, in order.
type Sink func(StreamEvent)
