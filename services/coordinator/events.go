// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinator

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianCortex/services/coordinator/syncmgr"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// eventFilter selects the events one stream client receives.
type eventFilter struct {
	types     map[syncmgr.EventType]bool
	namespace string
	session   string
}

func parseEventFilter(c *gin.Context) eventFilter {
	f := eventFilter{
		namespace: c.Query("namespace"),
		session:   c.Query("session"),
	}
	if raw := c.Query("types"); raw != "" {
		f.types = make(map[syncmgr.EventType]bool)
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.types[syncmgr.EventType(strings.ToLower(t))] = true
			}
		}
	}
	return f
}

func (f eventFilter) match(ev syncmgr.Event) bool {
	if f.types != nil && !f.types[ev.Type] {
		return false
	}
	if f.namespace != "" && ev.Namespace != f.namespace {
		return false
	}
	if f.session != "" && ev.SessionID != f.session {
		return false
	}
	return true
}

// handleEvents streams sync events over a websocket.
//
// Query parameters types (comma separated), namespace and session filter
// the stream. A client that reads too slowly loses events rather than
// slowing down commits; the drop count is exported by the Sync Manager.
func (s *Service) handleEvents(c *gin.Context) {
	filter := parseEventFilter(c)
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	sub := s.sync.Subscribe(0)
	defer sub.Close()
	s.logger.Debug("event stream client connected", slog.String("remote", c.Request.RemoteAddr))

	// The read side only handles control frames and notices the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		ws.SetReadLimit(512)
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			s.logger.Debug("event stream client disconnected", slog.Int64("dropped", sub.Dropped()))
			return
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(wsWriteWait))
				return
			}
			if !filter.match(ev) {
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteJSON(ev); err != nil {
				s.logger.Debug("event stream write failed", slog.String("error", err.Error()))
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
