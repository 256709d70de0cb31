package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"reviewgenius/internal/jsonstream"
)

type reply struct {
	text      string
	fragments []string
	err       error
}

type recordedCall struct {
	req    openai.ChatCompletionRequest
	stream bool
	apiKey string
}

// scriptedBackend answers calls with canned replies in order.
type scriptedBackend struct {
	mu      sync.Mutex
	replies []reply
	calls   []recordedCall
}

func (b *scriptedBackend) next(apiKey string, req openai.ChatCompletionRequest, stream bool) reply {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, recordedCall{req: req, stream: stream, apiKey: apiKey})
	if len(b.replies) == 0 {
		return reply{err: errors.New("unexpected call")}
	}
	r := b.replies[0]
	b.replies = b.replies[1:]
	return r
}

func (b *scriptedBackend) Complete(_ context.Context, apiKey string, req openai.ChatCompletionRequest) (string, error) {
	r := b.next(apiKey, req, false)
	return r.text, r.err
}

func (b *scriptedBackend) Stream(_ context.Context, apiKey string, req openai.ChatCompletionRequest) (jsonstream.FragmentStream, error) {
	r := b.next(apiKey, req, true)
	if r.err != nil {
		return nil, r.err
	}
	return jsonstream.FromStrings(r.fragments...), nil
}

func unavailable() error {
	return &openai.APIError{HTTPStatusCode: http.StatusServiceUnavailable, Message: "overloaded"}
}

func fastRetry() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: time.Millisecond}
}

func userRequest() Request {
	return Request{
		APIKey:      "key-1",
		Messages:    []Message{SystemMessage("be brief"), UserMessage("generate questions")},
		Temperature: 0.9,
		MaxTokens:   512,
	}
}

func drain(t *testing.T, s jsonstream.FragmentStream) string {
	t.Helper()
	var out string
	for {
		frag, err := s.Recv()
		if err != nil {
			return out
		}
		out += frag
	}
}

func TestInvokeRequiresAPIKey(t *testing.T) {
	backend := &scriptedBackend{}
	inv := NewInvoker(backend, Options{Retry: fastRetry()})

	req := userRequest()
	req.APIKey = "  "
	_, err := inv.Invoke(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidInput)
	require.Empty(t, backend.calls)
}

func TestInvokeStreamsDirectly(t *testing.T) {
	backend := &scriptedBackend{replies: []reply{{fragments: []string{`{"a"`, `:1}`}}}}
	inv := NewInvoker(backend, Options{Retry: fastRetry()})

	stream, err := inv.Stream(context.Background(), userRequest())
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, drain(t, stream))

	require.Len(t, backend.calls, 1)
	call := backend.calls[0]
	require.True(t, call.stream)
	require.Equal(t, "key-1", call.apiKey)
	require.Equal(t, DefaultModel, call.req.Model)
	require.Equal(t, float32(0.9), call.req.Temperature)
	require.Equal(t, 512, call.req.MaxTokens)
	require.Len(t, call.req.Messages, 2)
}

func TestInvokeSafetyCheckRejects(t *testing.T) {
	backend := &scriptedBackend{replies: []reply{{text: "  UNSAFE "}}}
	inv := NewInvoker(backend, Options{Retry: fastRetry(), SafetyPrompt: DefaultSafetyPrompt})

	_, err := inv.Invoke(context.Background(), userRequest())
	require.ErrorIs(t, err, ErrContentRejected)

	require.Len(t, backend.calls, 1)
	check := backend.calls[0].req
	require.False(t, backend.calls[0].stream)
	require.Equal(t, float32(0.7), check.Temperature)
	require.Equal(t, 20, check.MaxTokens)
	require.Equal(t, DefaultSafetyPrompt, check.Messages[0].Content)
	require.Contains(t, check.Messages[1].Content, "be brief\ngenerate questions")
}

func TestInvokeSafetyCheckPasses(t *testing.T) {
	backend := &scriptedBackend{replies: []reply{{text: "safe"}, {text: "result"}}}
	inv := NewInvoker(backend, Options{Retry: fastRetry(), SafetyPrompt: DefaultSafetyPrompt})

	text, err := inv.Complete(context.Background(), userRequest())
	require.NoError(t, err)
	require.Equal(t, "result", text)
	require.Len(t, backend.calls, 2)
}

func TestInvokeSafetyCheckWithoutVerdictPassesThrough(t *testing.T) {
	backend := &scriptedBackend{replies: []reply{{text: ""}, {text: "result"}}}
	inv := NewInvoker(backend, Options{Retry: fastRetry(), SafetyPrompt: DefaultSafetyPrompt})

	text, err := inv.Complete(context.Background(), userRequest())
	require.NoError(t, err)
	require.Equal(t, "result", text)
}

func TestInvokeSafetyCheckFailsOpenOnBadReply(t *testing.T) {
	backend := &scriptedBackend{replies: []reply{{err: errEmptyResponse}, {text: "result"}}}
	inv := NewInvoker(backend, Options{Retry: fastRetry(), SafetyPrompt: DefaultSafetyPrompt})

	text, err := inv.Complete(context.Background(), userRequest())
	require.NoError(t, err)
	require.Equal(t, "result", text)
	require.Len(t, backend.calls, 2)
}

func TestInvokeSafetyCheckProviderErrorPropagates(t *testing.T) {
	badRequest := &openai.APIError{HTTPStatusCode: http.StatusBadRequest, Message: "context too long"}
	backend := &scriptedBackend{replies: []reply{{err: badRequest}, {text: "never"}}}
	inv := NewInvoker(backend, Options{Retry: fastRetry(), SafetyPrompt: DefaultSafetyPrompt})

	_, err := inv.Invoke(context.Background(), userRequest())
	var apiErr *openai.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Len(t, backend.calls, 1)
}

func TestInvokeSafetyCheckAuthFailurePropagates(t *testing.T) {
	backend := &scriptedBackend{replies: []reply{{err: fmt.Errorf("%w: bad key", ErrAuthentication)}}}
	inv := NewInvoker(backend, Options{Retry: fastRetry(), SafetyPrompt: DefaultSafetyPrompt})

	_, err := inv.Invoke(context.Background(), userRequest())
	require.ErrorIs(t, err, ErrAuthentication)
	require.Len(t, backend.calls, 1)
}

func TestInvokeRetriesTransientFailures(t *testing.T) {
	backend := &scriptedBackend{replies: []reply{{err: unavailable()}, {err: unavailable()}, {text: "ok"}}}
	inv := NewInvoker(backend, Options{Retry: fastRetry()})

	text, err := inv.Complete(context.Background(), userRequest())
	require.NoError(t, err)
	require.Equal(t, "ok", text)
	require.Len(t, backend.calls, 3)
}

func TestInvokeGivesUpAfterCeiling(t *testing.T) {
	backend := &scriptedBackend{replies: []reply{{err: unavailable()}, {err: unavailable()}, {err: unavailable()}, {text: "late"}}}
	inv := NewInvoker(backend, Options{Retry: fastRetry()})

	_, err := inv.Complete(context.Background(), userRequest())
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
	var apiErr *openai.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusServiceUnavailable, apiErr.HTTPStatusCode)
	require.Len(t, backend.calls, 3)
}

func TestInvokeDoesNotRetryAuthentication(t *testing.T) {
	backend := &scriptedBackend{replies: []reply{{err: fmt.Errorf("%w: 401", ErrAuthentication)}, {text: "never"}}}
	inv := NewInvoker(backend, Options{Retry: fastRetry()})

	_, err := inv.Complete(context.Background(), userRequest())
	require.ErrorIs(t, err, ErrAuthentication)
	require.Len(t, backend.calls, 1)
}

func TestInvokeDoesNotRetryBadRequest(t *testing.T) {
	badRequest := &openai.APIError{HTTPStatusCode: http.StatusBadRequest, Message: "bad model"}
	backend := &scriptedBackend{replies: []reply{{err: badRequest}, {text: "never"}}}
	inv := NewInvoker(backend, Options{Retry: fastRetry()})

	_, err := inv.Complete(context.Background(), userRequest())
	require.ErrorIs(t, err, badRequest)
	require.NotErrorIs(t, err, ErrUpstreamUnavailable)
	require.Len(t, backend.calls, 1)
}

func TestInvokeEnhancedRunsTwoPhases(t *testing.T) {
	backend := &scriptedBackend{replies: []reply{
		{text: "Question 1: what is 2+2? answer 4"},
		{fragments: []string{`{"stem":"2+2?"}`}},
	}}
	inv := NewInvoker(backend, Options{Retry: fastRetry()})

	req := userRequest()
	req.Stream = true
	req.Enhanced = true
	req.FormattingTemplate = `{"stem": "..."}`
	resp, err := inv.Invoke(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, `{"stem":"2+2?"}`, drain(t, resp.Fragments()))

	require.Len(t, backend.calls, 2)
	draft, format := backend.calls[0], backend.calls[1]

	require.False(t, draft.stream)
	require.Equal(t, DefaultModel, draft.req.Model)
	require.Equal(t, float32(0.9), draft.req.Temperature)
	require.Equal(t, 512, draft.req.MaxTokens)

	require.True(t, format.stream)
	require.Equal(t, DefaultFormatModel, format.req.Model)
	require.Equal(t, float32(math.SmallestNonzeroFloat32), format.req.Temperature)
	require.Len(t, format.req.Messages, 1)
	require.Contains(t, format.req.Messages[0].Content, req.FormattingTemplate)
	require.Contains(t, format.req.Messages[0].Content, "Question 1: what is 2+2? answer 4")
	require.Contains(t, format.req.Messages[0].Content, "Trailing commas are forbidden")
}

func TestInvokeEnhancedWithoutTemplateIsDirect(t *testing.T) {
	backend := &scriptedBackend{replies: []reply{{text: "plain"}}}
	inv := NewInvoker(backend, Options{Retry: fastRetry()})

	req := userRequest()
	req.Enhanced = true
	text, err := inv.Complete(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "plain", text)
	require.Len(t, backend.calls, 1)
}

func TestInvokeStopsRetryingWhenCanceled(t *testing.T) {
	backend := &scriptedBackend{replies: []reply{{err: unavailable()}, {text: "never"}}}
	inv := NewInvoker(backend, Options{Retry: RetryPolicy{Attempts: 3, Delay: time.Hour}})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := inv.Complete(ctx, userRequest())
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, backend.calls, 1)
}

func TestInvokeWaitsOnLimiter(t *testing.T) {
	backend := &scriptedBackend{replies: []reply{{text: "never"}}}
	inv := NewInvoker(backend, Options{Retry: fastRetry(), Limiter: rate.NewLimiter(0, 0)})

	_, err := inv.Complete(context.Background(), userRequest())
	require.Error(t, err)
	require.Empty(t, backend.calls)
}

func TestIsTransient(t *testing.T) {
	require.True(t, IsTransient(unavailable()))
	require.True(t, IsTransient(&openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}))
	require.True(t, IsTransient(&openai.RequestError{HTTPStatusCode: http.StatusBadGateway, Err: errors.New("bad gateway")}))
	require.True(t, IsTransient(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	require.False(t, IsTransient(&openai.APIError{HTTPStatusCode: http.StatusBadRequest}))
	require.False(t, IsTransient(context.Canceled))
	require.False(t, IsTransient(ErrAuthentication))
	require.False(t, IsTransient(errors.New("boom")))
	require.False(t, IsTransient(nil))
}
