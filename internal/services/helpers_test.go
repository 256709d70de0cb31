package services

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"reviewgenius/internal/db"
	"reviewgenius/internal/jsonstream"
	"reviewgenius/internal/llm"
)

type cannedReply struct {
	fragments []string
	text      string
	err       error
}

// fakeInvoker answers Invoke calls with canned replies in order.
type fakeInvoker struct {
	mu       sync.Mutex
	replies  []cannedReply
	requests []llm.Request
}

func (f *fakeInvoker) Invoke(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.replies) == 0 {
		return nil, errors.New("unexpected model call")
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	if r.err != nil {
		return nil, r.err
	}
	if req.Stream {
		return &llm.Response{Stream: jsonstream.FromStrings(r.fragments...)}, nil
	}
	return &llm.Response{Text: r.text}, nil
}

func (f *fakeInvoker) calls() []llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.Request(nil), f.requests...)
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// byIndex groups grading events by question index.
func byIndex(t *testing.T, events []jsonstream.Event) map[int][]jsonstream.Event {
	t.Helper()
	out := make(map[int][]jsonstream.Event)
	for _, ev := range events {
		require.NotNil(t, ev.QuestionIndex, "event %+v has no question index", ev)
		out[*ev.QuestionIndex] = append(out[*ev.QuestionIndex], ev)
	}
	return out
}

func kinds(events []jsonstream.Event) []jsonstream.Kind {
	out := make([]jsonstream.Kind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func terminals(events []jsonstream.Event) []jsonstream.Event {
	var out []jsonstream.Event
	for _, ev := range events {
		if ev.Type == jsonstream.KindEnd || ev.Type == jsonstream.KindError {
			out = append(out, ev)
		}
	}
	return out
}
