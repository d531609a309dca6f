package server

import (
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/openfroyo/hermit/pkg/telemetry"
)

const (
	eventBuffer  = 256
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin:     func(*http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// eventFilter builds a filter from the type, fingerprint and level query
// parameters. type takes a comma separated list.
func eventFilter(c *gin.Context) telemetry.EventFilter {
	var filters []telemetry.EventFilter
	if types := c.Query("type"); types != "" {
		filters = append(filters, telemetry.FilterByType(strings.Split(types, ",")...))
	}
	if fp := c.Query("fingerprint"); fp != "" {
		filters = append(filters, telemetry.FilterByFingerprint(fp))
	}
	if level := c.Query("level"); level != "" {
		filters = append(filters, telemetry.FilterByLevel(level))
	}
	return func(ev telemetry.Event) bool {
		for _, f := range filters {
			if !f(ev) {
				return false
			}
		}
		return true
	}
}

// events streams executor events as JSON text messages until the client
// goes away. A client that falls behind loses events rather than slowing
// the executor.
func (s *Server) events(c *gin.Context) {
	filter := eventFilter(c)

	ws, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer ws.Close()

	ch := make(chan telemetry.Event, eventBuffer)
	var dropped atomic.Int64
	unsubscribe := s.core.Telemetry().Events.Subscribe(func(ev telemetry.Event) {
		select {
		case ch <- ev:
		default:
			dropped.Add(1)
		}
	}, filter)
	defer func() {
		unsubscribe()
		if n := dropped.Load(); n > 0 {
			s.logger.Warn().Int64("dropped", n).Msg("Slow event stream client lost events")
		}
	}()

	// The read side only detects the peer closing the connection.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case ev := <-ch:
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-gone:
			return
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeTimeout))
			return
		}
	}
}
