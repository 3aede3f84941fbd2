package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/ggoodman/chat-server-go/chat"
	"github.com/ggoodman/chat-server-go/operation"
)

const maxResponseBytes = 4 << 20

// HTTPTransport executes request-class operations with a POST to the
// endpoint.
type HTTPTransport struct {
	endpoint string
	client   *http.Client
	tokens   TokenSource
}

// NewHTTPTransport creates a transport posting to endpoint. A nil client
// uses http.DefaultClient; a nil tokens sends no credentials.
func NewHTTPTransport(endpoint string, client *http.Client, tokens TokenSource) (*HTTPTransport, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("endpoint URL must use HTTP or HTTPS scheme, got %q", u.Scheme)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{endpoint: u.String(), client: client, tokens: tokens}, nil
}

// Execute implements Transport.
func (t *HTTPTransport) Execute(ctx context.Context, req operation.Request) (ResultStream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if err := setAuthorization(ctx, t.tokens, httpReq.Header); err != nil {
		return nil, err
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, errors.Join(chat.ErrTransport, err)
	}
	defer resp.Body.Close()

	var out operation.Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, errors.Join(chat.ErrTransport, fmt.Errorf("unexpected response (status %d): %w", resp.StatusCode, err))
	}
	if out.Data == nil && len(out.Errors) == 0 {
		return nil, errors.Join(chat.ErrTransport, fmt.Errorf("empty response (status %d)", resp.StatusCode))
	}
	return newSingleResult(out), nil
}

func setAuthorization(ctx context.Context, tokens TokenSource, h http.Header) error {
	if tokens == nil {
		return nil
	}
	tok, err := tokens(ctx)
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}
	if tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
	return nil
}

var _ Transport = (*HTTPTransport)(nil)
