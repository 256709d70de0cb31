package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

var (
	// ErrInvalidInput is returned for requests that cannot be sent upstream.
	ErrInvalidInput = errors.New("invalid input")
	// ErrAuthentication is returned when the provider rejects the API key.
	ErrAuthentication = errors.New("api key is invalid or expired")
	// ErrContentRejected is returned when the safety check flags the input.
	ErrContentRejected = errors.New("input content was judged unsafe and has been rejected")
	// ErrUpstreamUnavailable wraps the last transient failure once retries are exhausted.
	ErrUpstreamUnavailable = errors.New("model service unavailable")

	errEmptyResponse = errors.New("model returned no choices")
)

// IsTransient reports whether a failed call is worth retrying. Authentication
// failures, cancellation and client-side request errors are not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrAuthentication) || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return true
	}
	return code >= http.StatusInternalServerError
}

func isAuthFailure(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusUnauthorized || apiErr.HTTPStatusCode == http.StatusForbidden
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusUnauthorized || reqErr.HTTPStatusCode == http.StatusForbidden
	}
	return false
}

// upstreamFailure reports whether err came from the provider or from the
// caller's context, as opposed to a problem handling the reply.
func upstreamFailure(err error) bool {
	if errors.Is(err, ErrAuthentication) || errors.Is(err, ErrUpstreamUnavailable) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return true
	}
	var reqErr *openai.RequestError
	return errors.As(err, &reqErr)
}

// classify tags provider errors with the package sentinels.
func classify(err error) error {
	if isAuthFailure(err) {
		return fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	return err
}
