// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package realtime

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// SSESource reads the worker's event stream and reconnects with backoff
// when it drops.
type SSESource struct {
	URL    string
	Token  func(context.Context) (string, error)
	HTTP   *http.Client
	Logger *slog.Logger

	// RetryMin and RetryMax bound the reconnect delay.
	RetryMin time.Duration
	RetryMax time.Duration
}

func (s *SSESource) Events(ctx context.Context) <-chan Event {
	out := make(chan Event, 16)
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retryMin, retryMax := s.RetryMin, s.RetryMax
	if retryMin <= 0 {
		retryMin = time.Second
	}
	if retryMax < retryMin {
		retryMax = time.Minute
	}

	go func() {
		defer close(out)
		delay := retryMin
		for {
			connected, err := s.stream(ctx, out)
			if ctx.Err() != nil {
				return
			}
			if connected {
				delay = retryMin
			}
			logger.Warn("Event stream disconnected", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, retryMax)
		}
	}()
	return out
}

// stream reads one connection until it ends. connected reports whether the
// server accepted the stream.
func (s *SSESource) stream(ctx context.Context, out chan<- Event) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if s.Token != nil {
		token, err := s.Token(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to get JWT token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := s.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("event stream returned status %d", resp.StatusCode)
	}

	// A (re)connect may have missed events.
	select {
	case out <- Event{At: time.Now()}:
	default:
	}

	var data strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			ev, err := unmarshalEvent([]byte(data.String()))
			data.Reset()
			if err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return true, ctx.Err()
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return true, err
	}
	return true, fmt.Errorf("event stream closed")
}
