package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"reviewgenius/internal/jsonstream"
)

// Backend performs single chat completion calls against a provider.
// Implementations tag authentication failures with ErrAuthentication.
type Backend interface {
	Complete(ctx context.Context, apiKey string, req openai.ChatCompletionRequest) (string, error)
	Stream(ctx context.Context, apiKey string, req openai.ChatCompletionRequest) (jsonstream.FragmentStream, error)
}

// OpenAIBackend talks to any OpenAI compatible endpoint. Callers bring their
// own API key, so a client is built per call.
type OpenAIBackend struct {
	baseURL    string
	httpClient *http.Client
}

func NewOpenAIBackend(baseURL string, httpClient *http.Client) *OpenAIBackend {
	return &OpenAIBackend{baseURL: baseURL, httpClient: httpClient}
}

func (b *OpenAIBackend) client(apiKey string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if b.baseURL != "" {
		cfg.BaseURL = b.baseURL
	}
	if b.httpClient != nil {
		cfg.HTTPClient = b.httpClient
	}
	return openai.NewClientWithConfig(cfg)
}

func (b *OpenAIBackend) Complete(ctx context.Context, apiKey string, req openai.ChatCompletionRequest) (string, error) {
	req.Stream = false
	resp, err := b.client(apiKey).CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("request chat completion: %w", classify(err))
	}
	if len(resp.Choices) == 0 {
		return "", errEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

func (b *OpenAIBackend) Stream(ctx context.Context, apiKey string, req openai.ChatCompletionRequest) (jsonstream.FragmentStream, error) {
	req.Stream = true
	stream, err := b.client(apiKey).CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("open chat completion stream: %w", classify(err))
	}
	return &chatStream{stream: stream}, nil
}

// chatStream adapts a completion stream to text fragments, skipping chunks
// that carry no content.
type chatStream struct {
	stream *openai.ChatCompletionStream
}

func (s *chatStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("receive completion chunk: %w", classify(err))
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		return resp.Choices[0].Delta.Content, nil
	}
}

func (s *chatStream) Close() error {
	return s.stream.Close()
}
