// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/BeringQuant/BeringFOSS/services/dashboard/observability"
	"github.com/BeringQuant/BeringFOSS/services/research/state"
)

const (
	// eventWriteWait bounds each frame write so one dead client cannot
	// pin the handler goroutine.
	eventWriteWait = 10 * time.Second

	// eventPingPeriod keeps intermediaries from closing idle streams.
	eventPingPeriod = 30 * time.Second
)

var eventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleEvents streams state-change events over a websocket as JSON
// frames. Each connection gets its own feed subscription; the feed
// drops events for slow consumers rather than blocking publishers.
func HandleEvents(feed *state.EventFeed) gin.HandlerFunc {
	metrics := observability.InitMetrics()

	return func(c *gin.Context) {
		ws, err := eventsUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("dashboard.events: websocket upgrade failed", "error", err)
			return
		}
		defer ws.Close()

		events, cancel := feed.Subscribe()
		defer cancel()

		metrics.StreamStarted()
		defer metrics.StreamEnded()
		slog.Info("dashboard.events: subscriber connected",
			"remote", c.Request.RemoteAddr)

		// Reader goroutine: we send only, but reading is what surfaces
		// close frames and connection loss.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		pinger := time.NewTicker(eventPingPeriod)
		defer pinger.Stop()

		for {
			select {
			case <-done:
				slog.Info("dashboard.events: subscriber disconnected",
					"remote", c.Request.RemoteAddr)
				return

			case ev, ok := <-events:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(eventWriteWait))
				if err := ws.WriteJSON(ev); err != nil {
					slog.Warn("dashboard.events: write failed, dropping subscriber",
						"error", err)
					return
				}

			case <-pinger.C:
				ws.SetWriteDeadline(time.Now().Add(eventWriteWait))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}
