package chat

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
)

// tcpConn adapts a raw TCP socket to the line protocol.
type tcpConn struct {
	conn   net.Conn
	reader *bufio.Reader
}

func newTCPConn(c net.Conn) *tcpConn {
	return &tcpConn{conn: c, reader: bufio.NewReader(c)}
}

func (c *tcpConn) ReadLine() (string, error) {
	return c.reader.ReadString('\n')
}

func (c *tcpConn) WriteString(s string) error {
	_, err := io.WriteString(c.conn, s)
	return err
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}

// Serve accepts TCP clients on ln and runs one session per connection until
// the listener closes. Closing the listener is the shutdown signal; Serve
// then returns nil and Hub.Shutdown reaps the live sessions.
func Serve(ctx context.Context, h *Hub, ln net.Listener) error {
	slog.Info("Chat listener started", "addr", ln.Addr().String(), "node", h.Node())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s := NewSession(h, newTCPConn(conn))
		go s.Run(ctx)
	}
}
