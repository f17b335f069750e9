// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/BeringQuant/BeringFOSS/services/research/state"
)

// waitForSubscribers blocks until the feed registers n subscribers;
// the handler subscribes after the websocket handshake completes.
func waitForSubscribers(t *testing.T, feed *state.EventFeed, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for feed.SubscriberCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", feed.SubscriberCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandleEvents_StreamsStateEvents(t *testing.T) {
	feed := state.NewEventFeed()

	router := gin.New()
	router.GET("/events", HandleEvents(feed))
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	defer resp.Body.Close()

	waitForSubscribers(t, feed, 1)

	want := state.Event{
		Type:      state.EventCheckpoint,
		ThreadID:  "thread-ws",
		StepIndex: 3,
		NodeName:  "fetch_data",
		Timestamp: time.Now().UTC(),
	}
	feed.Publish(want)

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got state.Event
	if err := ws.ReadJSON(&got); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if got.Type != want.Type || got.ThreadID != want.ThreadID || got.StepIndex != want.StepIndex {
		t.Errorf("event = %+v, want %+v", got, want)
	}
}

func TestHandleEvents_MultipleSubscribers(t *testing.T) {
	feed := state.NewEventFeed()

	router := gin.New()
	router.GET("/events", HandleEvents(feed))
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"

	conns := make([]*websocket.Conn, 2)
	for i := range conns {
		ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		defer ws.Close()
		resp.Body.Close()
		conns[i] = ws
	}

	waitForSubscribers(t, feed, 2)
	feed.Publish(state.Event{Type: state.EventRollback, ThreadID: "t", StepIndex: 1})

	for i, ws := range conns {
		ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		var got state.Event
		if err := ws.ReadJSON(&got); err != nil {
			t.Fatalf("subscriber %d read: %v", i, err)
		}
		if got.Type != state.EventRollback {
			t.Errorf("subscriber %d type = %q", i, got.Type)
		}
	}
}
