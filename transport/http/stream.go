package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	streamWriteWait  = 5 * time.Second
	streamPingPeriod = 30 * time.Second
)

// Stream pushes every rotated token of a running session over a websocket.
// The connection closes normally when the session stops.
func (h *AttendanceHandlers) Stream(c *gin.Context) {
	tokens, unsubscribe, err := h.svc.SubscribeTokens(c.GetString(issuerKey), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	defer unsubscribe()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already replied to the client.
		h.logger.WarnContext(c.Request.Context(), "stream.upgrade.fail", "error", err)
		return
	}
	defer conn.Close()

	// The display only listens; reading surfaces the peer closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case issued, ok := <-tokens:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session stopped")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(tokenView(issued)); err != nil {
				h.logger.DebugContext(c.Request.Context(), "stream.write.fail", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
