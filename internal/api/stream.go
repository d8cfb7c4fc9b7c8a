package api

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nugget/sensorwatch/internal/events"
)

const (
	streamBuffer    = 64
	streamWriteWait = 10 * time.Second
	streamPongWait  = 60 * time.Second
	streamPingEvery = streamPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The stream is read-only telemetry for local dashboards.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents upgrades to a WebSocket and forwards bus events as JSON
// text frames. ?source=alert,feed limits the stream to those sources.
// Slow clients miss events rather than slowing the pipeline.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.fail(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}

	var sources []string
	if q := r.URL.Query().Get("source"); q != "" {
		sources = strings.Split(q, ",")
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	logger := s.logger.With("client", clientID)
	logger.Info("event stream opened", "remote", r.RemoteAddr, "sources", sources)

	ch := s.bus.Subscribe(streamBuffer)
	defer s.bus.Unsubscribe(ch)
	defer func() {
		if n := s.bus.Dropped(ch); n > 0 {
			logger.Warn("event stream client fell behind", "dropped", n)
		}
	}()

	// The read loop only services control frames and detects close.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Debug("event stream read ended", "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingEvery)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			logger.Info("event stream closed")
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if len(sources) > 0 && !slices.Contains(sources, evt.Source) {
				continue
			}
			if err := writeEvent(conn, evt); err != nil {
				logger.Debug("event stream write failed", "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, evt events.Event) error {
	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(evt)
}
