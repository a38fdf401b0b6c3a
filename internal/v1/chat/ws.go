package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// wsConn adapts a websocket to the line protocol: one text message per line
// in either direction. Orderly closes surface as io.EOF like the TCP path.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadLine() (string, error) {
	_, data, err := c.conn.ReadMessage()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return "", io.EOF
	}
	return string(data), err
}

func (c *wsConn) WriteString(s string) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte(s))
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// WebsocketHandler upgrades browser clients onto the same session loop the
// TCP listener uses.
func WebsocketHandler(h *Hub, allowedOrigins []string) gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("Failed to upgrade connection", "error", err)
			return
		}
		s := NewSession(h, &wsConn{conn: conn})
		// The request context dies when this handler returns; the session
		// outlives it.
		go s.Run(context.WithoutCancel(c.Request.Context()))
	}
}

func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil // Allow non-browser clients (e.g., for testing)
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}
