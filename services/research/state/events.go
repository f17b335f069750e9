// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

import (
	"sync"
	"time"
)

// EventType labels a state-change event.
type EventType string

const (
	EventInit       EventType = "init"
	EventUpdate     EventType = "update"
	EventCheckpoint EventType = "checkpoint"
	EventRollback   EventType = "rollback"
)

// Event describes one state transition, suitable for streaming to
// dashboards.
type Event struct {
	Type         EventType `json:"type"`
	ThreadID     string    `json:"thread_id"`
	StepIndex    int       `json:"step_index"`
	Field        string    `json:"field,omitempty"`
	NodeName     string    `json:"node_name,omitempty"`
	CheckpointID string    `json:"checkpoint_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// subscriberBuffer is the per-subscriber channel depth. A slow consumer
// loses events rather than stalling the manager.
const subscriberBuffer = 64

// EventFeed fans state events out to subscribers.
//
// Publish never blocks: when a subscriber's buffer is full the event is
// dropped for that subscriber only. The feed is an observability
// surface, not a durable log; checkpoints are the durable record.
type EventFeed struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewEventFeed creates an empty feed.
func NewEventFeed() *EventFeed {
	return &EventFeed{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a consumer. The returned cancel function removes
// the subscription and closes the channel; it is safe to call twice.
func (f *EventFeed) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, ch)
			f.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber with buffer room.
func (f *EventFeed) Publish(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for ch := range f.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// SubscriberCount reports the number of active subscriptions.
func (f *EventFeed) SubscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
