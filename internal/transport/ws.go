// Package transport carries live voice sessions over WebSocket.
//
// A client connects to the handler, optionally naming its session with the
// session_id query parameter. Binary messages are raw PCM16LE mono frames.
// Text messages are JSON control messages:
//
//	{"type":"audio","data":"<base64 PCM>"}
//	{"type":"end_of_speech"}
//	{"type":"barge_in"}
//	{"type":"clear_history"}
//	{"type":"ping"}
//
// Every outbound pipeline event is sent as one JSON text message by a single
// writer goroutine draining a bounded queue. Audio events are dropped when the
// queue is full; all other events wait for space.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
)

const (
	// DefaultOutboundBuffer is the outbound queue capacity per connection.
	DefaultOutboundBuffer = 256

	// DefaultReadLimit bounds the size of one inbound message.
	DefaultReadLimit = 1 << 20

	// DefaultWriteTimeout bounds a single outbound write.
	DefaultWriteTimeout = 5 * time.Second

	// flushTimeout bounds the end-of-stream ASR flush on disconnect.
	flushTimeout = 10 * time.Second
)

var (
	// ErrClosed is returned by Publish once the connection has gone away.
	ErrClosed = errors.New("transport: connection closed")

	// ErrBufferFull is returned by an unreliable Publish that was dropped.
	ErrBufferFull = errors.New("transport: outbound buffer full")
)

// Coordinator is the slice of the pipeline coordinator the transport drives.
type Coordinator interface {
	CreateSession(ctx context.Context, id string, pub pipeline.Publisher) (*pipeline.Session, error)
	PushFrame(id string, frame []byte) (bool, error)
	EndOfSpeech(ctx context.Context, id string) error
	FlushSpeech(ctx context.Context, id string) error
	HandleBargeIn(ctx context.Context, id string) error
	ClearHistory(ctx context.Context, id string) error
	CleanupSession(ctx context.Context, id string) error
}

// Config tunes the WebSocket handler. Zero values select the defaults.
type Config struct {
	OutboundBuffer int
	ReadLimit      int64
	WriteTimeout   time.Duration

	// OriginPatterns lists additional allowed browser origins.
	OriginPatterns []string
}

// Handler accepts WebSocket connections and binds each one to a pipeline
// session.
type Handler struct {
	coord Coordinator
	cfg   Config
	conns sync.WaitGroup
}

// NewHandler returns a handler serving sessions of coord.
func NewHandler(coord Coordinator, cfg Config) *Handler {
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = DefaultOutboundBuffer
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	return &Handler{coord: coord, cfg: cfg}
}

// Wait blocks until every connection served so far has been torn down.
func (h *Handler) Wait() {
	h.conns.Wait()
}

// inbound is a JSON control message. Data is base64 on the wire.
type inbound struct {
	Type string `json:"type"`
	Data []byte `json:"data,omitempty"`
}

// ServeHTTP upgrades the request and runs the session until the client
// disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.conns.Add(1)
	defer h.conns.Done()

	id := r.URL.Query().Get("session_id")
	if id == "" {
		id = uuid.NewString()
	}
	log := observe.Logger(r.Context()).With("session_id", id)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		log.Warn("transport: websocket accept failed", "err", err)
		return
	}
	ws.SetReadLimit(h.cfg.ReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := newConn(ctx, ws, id, h.cfg)
	go c.writeLoop()

	if _, err := h.coord.CreateSession(ctx, id, c); err != nil {
		log.Warn("transport: create session", "err", err)
		reason := "session could not be created"
		if errors.Is(err, pipeline.ErrSessionExists) {
			reason = "session already exists"
		}
		c.stop()
		ws.Close(websocket.StatusPolicyViolation, reason)
		return
	}
	log.Info("transport: connected", "remote", r.RemoteAddr)

	h.readLoop(ctx, c, log)

	// End of stream: transcribe what is left, then tear the session down.
	flushCtx, flushCancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	if err := h.coord.FlushSpeech(flushCtx, id); err != nil {
		log.Debug("transport: final flush", "err", err)
	}
	if err := h.coord.CleanupSession(flushCtx, id); err != nil {
		log.Debug("transport: cleanup", "err", err)
	}
	flushCancel()

	c.stop()
	ws.Close(websocket.StatusNormalClosure, "session ended")
	log.Info("transport: disconnected", "dropped_audio", c.dropped.Load())
}

func (h *Handler) readLoop(ctx context.Context, c *conn, log *slog.Logger) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				log.Debug("transport: read loop ended", "err", err)
			} else {
				log.Warn("transport: read failed", "err", err)
			}
			return
		}
		switch typ {
		case websocket.MessageBinary:
			h.pushFrame(c, data, log)
		case websocket.MessageText:
			h.handleControl(ctx, c, data, log)
		}
	}
}

func (h *Handler) pushFrame(c *conn, frame []byte, log *slog.Logger) {
	if _, err := h.coord.PushFrame(c.id, frame); err != nil {
		log.Debug("transport: push frame", "err", err)
	}
}

func (h *Handler) handleControl(ctx context.Context, c *conn, data []byte, log *slog.Logger) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		c.publishEvent(ctx, pipeline.ErrorEvent(c.id, "invalid message: "+err.Error()))
		return
	}

	var err error
	switch msg.Type {
	case "audio":
		h.pushFrame(c, msg.Data, log)
	case "end_of_speech":
		err = h.coord.EndOfSpeech(ctx, c.id)
	case "barge_in":
		err = h.coord.HandleBargeIn(ctx, c.id)
	case "clear_history":
		err = h.coord.ClearHistory(ctx, c.id)
	case "ping":
		c.publishEvent(ctx, pipeline.NewEvent(pipeline.EventPong, c.id))
	default:
		c.publishEvent(ctx, pipeline.ErrorEvent(c.id, fmt.Sprintf("unknown message type %q", msg.Type)))
	}
	if err != nil && ctx.Err() == nil {
		log.Warn("transport: control message failed", "type", msg.Type, "err", err)
		c.publishEvent(ctx, pipeline.ErrorEvent(c.id, msg.Type+" failed"))
	}
}

// conn is the outbound side of one connection. It implements
// [pipeline.Publisher].
type conn struct {
	ws           *websocket.Conn
	id           string
	writeTimeout time.Duration

	out     chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	dropped atomic.Int64
}

func newConn(parent context.Context, ws *websocket.Conn, id string, cfg Config) *conn {
	ctx, cancel := context.WithCancel(parent)
	return &conn{
		ws:           ws,
		id:           id,
		writeTimeout: cfg.WriteTimeout,
		out:          make(chan []byte, cfg.OutboundBuffer),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// Publish queues payload for the writer. A reliable publish waits for queue
// space; an unreliable one is dropped when the queue is full.
func (c *conn) Publish(ctx context.Context, payload []byte, reliable bool) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	if !reliable {
		select {
		case c.out <- payload:
			return nil
		default:
			c.dropped.Add(1)
			return ErrBufferFull
		}
	}
	select {
	case c.out <- payload:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *conn) publishEvent(ctx context.Context, ev pipeline.Event) {
	payload, err := ev.Marshal()
	if err != nil {
		slog.Error("transport: encode event", "session_id", c.id, "err", err)
		return
	}
	if err := c.Publish(ctx, payload, true); err != nil {
		slog.Debug("transport: publish", "session_id", c.id, "err", err)
	}
}

// writeLoop is the only writer of the connection.
func (c *conn) writeLoop() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case payload := <-c.out:
			wctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					slog.Warn("transport: write failed", "session_id", c.id, "err", err)
				}
				c.cancel()
				return
			}
		}
	}
}

// stop ends the writer and waits for it.
func (c *conn) stop() {
	c.cancel()
	<-c.done
}
