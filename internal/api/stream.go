/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/marcus-qen/portalkombat/internal/portal"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The socket is owner-only; browsers never reach it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream upgrades to a websocket and sends every published status as
// a JSON text frame, starting with the current one.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("stream upgrade failed", zap.Error(err))
		return
	}
	s.streams.Add(1)
	defer s.streams.Done()
	defer conn.Close()

	var mu sync.Mutex
	write := func(messageType int, data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(messageType, data)
	}

	sub := s.backend.Subscribe(func(st portal.ConnectionStatus) {
		data, err := json.Marshal(st)
		if err != nil {
			s.logger.Error("marshal status", zap.Error(err))
			return
		}
		if err := write(websocket.TextMessage, data); err != nil {
			// Unblocks the read loop below.
			conn.Close()
		}
	})
	defer sub.Unsubscribe()
	s.logger.Debug("status stream opened", zap.String("subscription", sub.ID()))

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.closing:
			_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		case err := <-readErr:
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("status stream closed", zap.Error(err))
			}
			return
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
