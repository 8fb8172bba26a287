package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/mardata-chat/internal/models"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a control message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10
)

// StreamDialer opens notebook event streams over WebSocket.
type StreamDialer struct {
	wsURL   string
	session *Session
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

// StreamConn is an open notebook event stream.
type StreamConn struct {
	conn   *websocket.Conn
	logger *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewStreamDialer creates a dialer for the stream endpoint at wsURL, e.g. "ws://localhost:8000/api".
func NewStreamDialer(wsURL string, session *Session, logger *slog.Logger) StreamDialer {
	return StreamDialer{
		wsURL:   strings.TrimRight(wsURL, "/"),
		session: session,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
		logger: logger.With(slog.String("module", "stream")),
	}
}

// Dial opens the event stream of notebookID. Errors wrap models.ErrStream.
func (d StreamDialer) Dial(ctx context.Context, notebookID string) (*StreamConn, error) {
	u := d.wsURL + "/ws/" + url.PathEscape(notebookID)

	header := http.Header{}
	if tok := d.session.Token(); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}

	conn, resp, err := d.dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: %w (status %d)", models.ErrStream, u, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial %s: %w", models.ErrStream, u, err)
	}

	sc := &StreamConn{
		conn:   conn,
		logger: d.logger.With(slog.String("notebookID", notebookID)),
		done:   make(chan struct{}),
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go sc.keepAlive()

	sc.logger.Debug("Stream connected", slog.String("url", u))
	return sc, nil
}

// ReadEvent blocks until the next event arrives. It returns io.EOF when the stream was closed normally,
// by either side. Frames that are not valid events are skipped.
func (c *StreamConn) ReadEvent() (models.Event, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return models.Event{}, io.EOF
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return models.Event{}, io.EOF
			}
			return models.Event{}, fmt.Errorf("%w: %w", models.ErrStream, err)
		}

		var ev models.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("Skipping malformed stream frame",
				slog.String("frame", string(data)),
				slog.String(errLoggerKey, err.Error()))
			continue
		}
		return ev, nil
	}
}

// Close sends a close frame and releases the connection. It is safe to call more than once.
func (c *StreamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); werr != nil &&
			!errors.Is(werr, websocket.ErrCloseSent) {
			c.logger.Debug("Failed to send close frame", slog.String(errLoggerKey, werr.Error()))
		}
		err = c.conn.Close()
	})
	return err
}

func (c *StreamConn) keepAlive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("Ping failed", slog.String(errLoggerKey, err.Error()))
				return
			}
		}
	}
}
