// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mobiletoly/go-tablesync/syncapi"
)

// Transport carries push and pull requests to the sync worker. Errors wrap
// the syncapi sentinels so the engine can classify them.
type Transport interface {
	Push(ctx context.Context, req *syncapi.PushRequest) (*syncapi.PushResponse, error)
	Pull(ctx context.Context, req *syncapi.PullRequest) (*syncapi.PullResponse, error)
}

// HTTPTransport talks JSON over HTTP to a worker.
type HTTPTransport struct {
	BaseURL string
	Token   func(context.Context) (string, error) // returns JWT
	HTTP    *http.Client
}

// NewHTTPTransport creates a transport for baseURL.
func NewHTTPTransport(baseURL string, tok func(context.Context) (string, error)) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   tok,
		HTTP:    &http.Client{Timeout: 120 * time.Second},
	}
}

func (t *HTTPTransport) Push(ctx context.Context, req *syncapi.PushRequest) (*syncapi.PushResponse, error) {
	var resp syncapi.PushResponse
	if err := t.post(ctx, "/sync/push", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) Pull(ctx context.Context, req *syncapi.PullRequest) (*syncapi.PullResponse, error) {
	var resp syncapi.PullResponse
	if err := t.post(ctx, "/sync/pull", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) post(ctx context.Context, path string, body, out any) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if t.Token != nil {
		token, err := t.Token(ctx)
		if err != nil {
			return fmt.Errorf("%w: failed to get JWT token: %v", syncapi.ErrAuth, err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	client := t.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: failed to send HTTP request: %v", syncapi.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return classifyStatus(resp.StatusCode, data)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", syncapi.ErrNetwork, err)
	}
	return nil
}

// classifyStatus maps a non-200 worker response onto the error taxonomy.
func classifyStatus(code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var er syncapi.ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		msg = er.Error
		if er.Message != "" {
			msg += ": " + er.Message
		}
	}

	var kind error
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		kind = syncapi.ErrAuth
	case code == http.StatusRequestEntityTooLarge:
		kind = syncapi.ErrCapacity
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		kind = syncapi.ErrNetwork
	default:
		kind = syncapi.ErrValidation
	}
	return fmt.Errorf("%w: server returned status %d: %s", kind, code, msg)
}
