package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aparcar/asu/buildfix/internal/broadcast"
	"github.com/aparcar/asu/buildfix/internal/logfields"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	heartbeatInterval = 30 * time.Second
	writeWait         = 10 * time.Second
)

// handleLogs handles GET /api/v1/projects/:project/logs. WebSocket upgrade
// requests get a WebSocket stream, everything else Server-Sent Events. The
// stream replays the durable log, follows the active run and ends with it.
func (s *Server) handleLogs(c *gin.Context) {
	project := c.Param("project")

	afterSeq, err := resumePoint(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if websocket.IsWebSocketUpgrade(c.Request) {
		s.streamWebSocket(c, project, afterSeq)
		return
	}
	s.streamSSE(c, project, afterSeq)
}

// resumePoint reads the sequence number to continue after from the
// Last-Event-ID header or the "after" query parameter.
func resumePoint(c *gin.Context) (int64, error) {
	raw := c.GetHeader("Last-Event-ID")
	if raw == "" {
		raw = c.Query("after")
	}
	if raw == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("invalid resume sequence %q", raw)
	}
	return seq, nil
}

func (s *Server) streamSSE(c *gin.Context, project string, afterSeq int64) {
	ctx := c.Request.Context()

	sub, err := s.logs.SubscribeFrom(ctx, project, afterSeq)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to subscribe to logs"})
		return
	}
	defer sub.Unsubscribe()

	// Prepare SSE headers
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	w.Flush()

	// Heartbeat ticker
	hb := time.NewTicker(heartbeatInterval)
	defer hb.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-hb.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				slog.Debug("Log stream ping write failed", logfields.Subscriber(sub.ID), logfields.Error(err))
				return
			}
			w.Flush()
		case event, ok := <-sub.Events():
			if !ok {
				fmt.Fprintf(w, "event: end\ndata: %s\n\n", endPayload(sub))
				w.Flush()
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				slog.Error("Failed to encode log event", logfields.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", event.Sequence, data); err != nil {
				slog.Debug("Log stream write failed", logfields.Subscriber(sub.ID), logfields.Error(err))
				return
			}
			w.Flush()
		}
	}
}

func (s *Server) streamWebSocket(c *gin.Context, project string, afterSeq int64) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", logfields.Project(project), logfields.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sub, err := s.logs.SubscribeFrom(ctx, project, afterSeq)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(writeWait))
		return
	}
	defer sub.Unsubscribe()

	// The client only sends control frames; a read error means it left
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					slog.Debug("WebSocket closed unexpectedly", logfields.Subscriber(sub.ID), logfields.Error(err))
				}
				return
			}
		}
	}()

	hb := time.NewTicker(heartbeatInterval)
	defer hb.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-hb.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case event, ok := <-sub.Events():
			if !ok {
				reason := "end of stream"
				if sub.Dropped() {
					reason = "subscriber too slow"
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				slog.Debug("WebSocket write failed", logfields.Subscriber(sub.ID), logfields.Error(err))
				return
			}
		}
	}
}

func endPayload(sub *broadcast.Subscription) string {
	if sub.Dropped() {
		return `{"reason":"subscriber too slow"}`
	}
	return `{"reason":"end of stream"}`
}
