// Package stream pushes task progress to websocket clients.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/phrazzld/glyph-api/internal/poll"
)

// Frame types.
const (
	FrameProgress = "progress"
	FrameFinished = "finished"
	FrameError    = "error"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512
)

// Frame is one message sent to the client.
type Frame struct {
	Type  string         `json:"type"`
	Task  *poll.Snapshot `json:"task,omitempty"`
	Error string         `json:"error,omitempty"`
}

// Waiter blocks until a task progresses.
type Waiter interface {
	Wait(ctx context.Context, taskID string, since poll.Fingerprint, maxWait time.Duration) (*poll.Snapshot, error)
}

// Config tunes keepalive and origin checks.
type Config struct {
	// PingPeriod is how often an idle connection is pinged. The client must
	// answer within PongWait.
	PingPeriod time.Duration
	PongWait   time.Duration

	// AllowedOrigins lists browser origins besides the server's own that may
	// open a stream. "*" allows any origin.
	AllowedOrigins []string
}

// DefaultConfig returns a Config with reasonable defaults
func DefaultConfig() Config {
	return Config{
		PingPeriod: 20 * time.Second,
		PongWait:   30 * time.Second,
	}
}

// Handler streams snapshots of a single task over a websocket until the task
// finishes or the client goes away.
type Handler struct {
	waiter   Waiter
	config   Config
	upgrader websocket.Upgrader
	logger   *slog.Logger
	clients  atomic.Int64
}

// NewHandler creates a Handler.
func NewHandler(waiter Waiter, config Config, logger *slog.Logger) *Handler {
	if config.PingPeriod <= 0 {
		config.PingPeriod = DefaultConfig().PingPeriod
	}
	if config.PongWait <= config.PingPeriod {
		config.PongWait = config.PingPeriod + config.PingPeriod/2
	}
	return &Handler{
		waiter: waiter,
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(config.AllowedOrigins),
		},
		logger: logger.With("component", "stream"),
	}
}

// originChecker accepts requests without an Origin header (non-browser
// clients), same-host origins and the configured list.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimSuffix(strings.ToLower(o), "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set["*"] {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		return set[strings.ToLower(u.Scheme+"://"+u.Host)]
	}
}

// Clients returns the number of open connections.
func (h *Handler) Clients() int64 {
	return h.clients.Load()
}

// Serve upgrades the request and streams taskID. The caller is expected to
// have checked that the task exists.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, taskID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already wrote an HTTP error
		h.logger.WarnContext(r.Context(), "websocket upgrade failed", "task_id", taskID, "error", err)
		return
	}
	defer conn.Close()

	h.clients.Add(1)
	defer h.clients.Add(-1)

	log := h.logger.With("task_id", taskID)
	log.Debug("stream client connected")

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	go h.readPump(conn, cancel)

	if err := h.writePump(ctx, conn, taskID); err != nil && !errors.Is(err, context.Canceled) {
		log.Debug("stream ended", "error", err)
	}
}

// readPump consumes client frames so pongs and close messages are processed.
// It cancels the stream when the connection breaks.
func (h *Handler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on conn.
func (h *Handler) writePump(ctx context.Context, conn *websocket.Conn, taskID string) error {
	// No real fingerprint matches, so the first wait returns at once
	since := poll.Fingerprint("initial")

	for {
		snap, err := h.waiter.Wait(ctx, taskID, since, h.config.PingPeriod)
		if err != nil {
			if ctx.Err() == nil {
				_ = h.write(conn, Frame{Type: FrameError, Error: "task unavailable"})
				h.close(conn, websocket.CloseGoingAway, "task unavailable")
			}
			return err
		}

		changed := snap.Since != since
		since = snap.Since

		switch {
		case snap.Success != nil:
			if err := h.write(conn, Frame{Type: FrameFinished, Task: snap}); err != nil {
				return err
			}
			h.close(conn, websocket.CloseNormalClosure, "task finished")
			return nil
		case changed:
			if err := h.write(conn, Frame{Type: FrameProgress, Task: snap}); err != nil {
				return err
			}
		default:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, frame Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(frame)
}

func (h *Handler) close(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
