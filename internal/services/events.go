package services

import (
	"context"
	"errors"

	"reviewgenius/internal/jsonstream"
	"reviewgenius/internal/llm"
)

const authFailureMessage = "API key is invalid or expired. Please check it and try again."

// ModelInvoker is the subset of *llm.Invoker the services depend on.
type ModelInvoker interface {
	Invoke(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// FailureEvent converts an error into the error event clients receive.
func FailureEvent(err error) jsonstream.Event {
	switch {
	case errors.Is(err, llm.ErrAuthentication):
		return jsonstream.Failure(jsonstream.ErrorAuthentication, authFailureMessage)
	case errors.Is(err, llm.ErrContentRejected):
		return jsonstream.Failure(jsonstream.ErrorSecurity, llm.ErrContentRejected.Error())
	default:
		return jsonstream.Failure(jsonstream.ErrorGeneration, err.Error())
	}
}

// openStream starts a streamed model call and wraps it in a parser.
func openStream(ctx context.Context, invoker ModelInvoker, req llm.Request) (*jsonstream.Parser, error) {
	req.Stream = true
	resp, err := invoker.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	return jsonstream.NewParser(resp.Fragments()), nil
}

func complete(ctx context.Context, invoker ModelInvoker, req llm.Request) (string, error) {
	req.Stream = false
	resp, err := invoker.Invoke(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}
