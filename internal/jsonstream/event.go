package jsonstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// Kind names the lifecycle stage an Event reports.
type Kind string

const (
	KindStart     Kind = "start"
	KindStreaming Kind = "streaming"
	KindEnd       Kind = "end"
	KindError     Kind = "error"
)

// ErrorType classifies error events for clients.
type ErrorType string

const (
	ErrorAuthentication ErrorType = "authentication"
	ErrorSecurity       ErrorType = "security"
	ErrorGeneration     ErrorType = "generation"
)

// Event is one element of an event stream. Only the fields relevant to Type
// are serialized: Content for streaming, Data for end, Error and ErrorType for
// error. QuestionIndex is set by the grading layer.
type Event struct {
	Type          Kind
	Content       string
	Data          map[string]any
	Error         string
	ErrorType     ErrorType
	QuestionIndex *int
}

// EventSource is a pull-based stream of events. Next returns io.EOF once the
// source is exhausted. Close releases any upstream connection and may be
// called more than once.
type EventSource interface {
	Next() (Event, error)
	Close() error
}

func Start() Event {
	return Event{Type: KindStart}
}

func Streaming(content string) Event {
	return Event{Type: KindStreaming, Content: content}
}

func End(data map[string]any) Event {
	return Event{Type: KindEnd, Data: data}
}

// Failure builds an error event.
func Failure(kind ErrorType, message string) Event {
	return Event{Type: KindError, Error: message, ErrorType: kind}
}

// WithIndex returns a copy of e tagged with a question index.
func (e Event) WithIndex(index int) Event {
	idx := index
	e.QuestionIndex = &idx
	return e
}

func (e Event) MarshalJSON() ([]byte, error) {
	out := map[string]any{"type": e.Type}
	switch e.Type {
	case KindStreaming:
		out["content"] = e.Content
	case KindEnd:
		data := e.Data
		if data == nil {
			data = map[string]any{}
		}
		out["data"] = data
	case KindError:
		out["error"] = e.Error
		if e.ErrorType != "" {
			out["error_type"] = e.ErrorType
		}
	}
	if e.QuestionIndex != nil {
		out["question_index"] = *e.QuestionIndex
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Collect drains src into a slice and closes it. Events received before a
// failure are returned together with the error.
func Collect(src EventSource) ([]Event, error) {
	defer src.Close()
	var events []Event
	for {
		ev, err := src.Next()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}
