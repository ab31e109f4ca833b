// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package realtime carries "tables changed" hints from the sync worker to
// clients. Events never carry row data; a client that receives one simply
// runs a sync cycle.
package realtime

import (
	"context"
	"encoding/json"
	"time"
)

// DefaultChannel is the Redis channel events are published on.
const DefaultChannel = "tablesync:changes"

// Event tells subscribers that canonical rows of Tables changed.
type Event struct {
	Tables []string `json:"tables"`
	// DeviceID is the device whose push caused the change; clients ignore
	// their own events.
	DeviceID string    `json:"deviceId,omitempty"`
	At       time.Time `json:"at"`
}

func (e Event) marshal() ([]byte, error) { return json.Marshal(e) }

func unmarshalEvent(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}

// Publisher announces committed changes.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Source produces wakeup events for a client engine. The channel is closed
// when ctx is done.
type Source interface {
	Events(ctx context.Context) <-chan Event
}

// Ticker is a polling Source that fires an empty event every Interval.
type Ticker struct {
	Interval time.Duration
}

func (t Ticker) Events(ctx context.Context) <-chan Event {
	out := make(chan Event, 1)
	go func() {
		defer close(out)
		tk := time.NewTicker(t.Interval)
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-tk.C:
				select {
				case out <- Event{At: now}:
				default:
				}
			}
		}
	}()
	return out
}
