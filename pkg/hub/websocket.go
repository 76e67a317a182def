package hub

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cuemby/colony/pkg/errdefs"
	"github.com/cuemby/colony/pkg/log"
)

// wsConn adapts a websocket connection to the Conn interface with
// JSON-encoded frames. Gorilla allows one concurrent reader and one
// concurrent writer, which matches the Conn contract exactly.
type wsConn struct {
	ws       *websocket.Conn
	writeMu  sync.Mutex
	closedMu sync.Mutex
	closed   bool
}

// NewWebsocketConn wraps an established websocket connection
func NewWebsocketConn(ws *websocket.Conn) Conn {
	return &wsConn{ws: ws}
}

func (c *wsConn) ReadFrame() (*Frame, error) {
	var f Frame
	if err := c.ws.ReadJSON(&f); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, errdefs.ErrTransportClosed
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return &f, nil
}

func (c *wsConn) WriteFrame(f *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(f); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *wsConn) Close() error {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}

func (c *wsConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// Listener accepts websocket hub connections on /hub
type Listener struct {
	hub      *Hub
	server   *http.Server
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewListener creates the websocket listener for the hub
func NewListener(hub *Hub, addr string) *Listener {
	l := &Listener{
		hub:    hub,
		logger: log.WithComponent("hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; origin checks do not apply
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/hub", l.handleUpgrade)
	l.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return l
}

func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	_ = l.hub.Serve(context.Background(), NewWebsocketConn(ws))
}

// ListenAndServe blocks serving hub connections
func (l *Listener) ListenAndServe() error {
	err := l.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Serve serves on an existing listener, for tests binding port 0
func (l *Listener) Serve(ln net.Listener) error {
	err := l.server.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and closes the listener
func (l *Listener) Shutdown(ctx context.Context) error {
	return l.server.Shutdown(ctx)
}

// Dial connects to a hub endpoint, e.g. ws://host:7946/hub
func Dial(ctx context.Context, url string) (Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial hub %s: %w", url, err)
	}
	return NewWebsocketConn(ws), nil
}
