package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dmitrymomot/pharmaq/core/event"
	"github.com/dmitrymomot/pharmaq/core/logger"
)

const (
	DefaultStreamBuffer = 64
	streamWriteTimeout  = 10 * time.Second
	streamPingInterval  = 30 * time.Second
	streamPongTimeout   = 2 * streamPingInterval
)

// Stream fans job events out to websocket clients. Each client may narrow
// the stream with ?queue=a,b. A client that cannot keep up loses events
// rather than slowing the bus.
type Stream struct {
	upgrader websocket.Upgrader
	buffer   int
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	closed  bool

	dropped atomic.Int64
}

type streamClient struct {
	queues []string
	send   chan event.Event
	done   chan struct{}
	once   sync.Once
}

func (c *streamClient) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *streamClient) wants(topic string) bool {
	return len(c.queues) == 0 || slices.Contains(c.queues, topic)
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithStreamBuffer sets the per-client event buffer.
func WithStreamBuffer(n int) StreamOption {
	return func(s *Stream) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// WithStreamLogger sets the connection logger.
func WithStreamLogger(l *slog.Logger) StreamOption {
	return func(s *Stream) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStreamOrigins restricts browser clients to the given origins.
// Without it the upgrader only accepts same-host origins.
func WithStreamOrigins(origins ...string) StreamOption {
	return func(s *Stream) {
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(origins, origin)
		}
	}
}

// NewStream creates an event stream. Subscribe its EventHandler to the bus
// and mount it with WithEventStream.
func NewStream(opts ...StreamOption) *Stream {
	s := &Stream{
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
		},
		buffer:  DefaultStreamBuffer,
		logger:  logger.Discard(),
		clients: make(map[*streamClient]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EventHandler returns a bus handler that forwards every event to clients.
func (s *Stream) EventHandler() event.Handler {
	return event.NewEventHandler(func(_ context.Context, evt event.Event) error {
		s.broadcast(evt)
		return nil
	})
}

// Clients returns the number of connected clients.
func (s *Stream) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Dropped returns how many events were discarded for slow clients.
func (s *Stream) Dropped() int64 {
	return s.dropped.Load()
}

// Close disconnects every client and rejects new ones.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for c := range s.clients {
		c.close()
		delete(s.clients, c)
	}
}

func (s *Stream) broadcast(evt event.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for c := range s.clients {
		if !c.wants(evt.Topic) {
			continue
		}
		select {
		case c.send <- evt:
		default:
			s.dropped.Add(1)
		}
	}
}

func (s *Stream) add(c *streamClient) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	return true
}

func (s *Stream) remove(c *streamClient) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
}

// ServeHTTP upgrades the request and streams events until either side closes.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied with an HTTP error
		s.logger.DebugContext(r.Context(), "websocket upgrade failed", logger.Error(err))
		return
	}
	defer conn.Close()

	c := &streamClient{
		queues: parseQueues(r.URL.Query().Get("queue")),
		send:   make(chan event.Event, s.buffer),
		done:   make(chan struct{}),
	}
	if !s.add(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(streamWriteTimeout))
		return
	}
	defer s.remove(c)

	s.logger.InfoContext(r.Context(), "event stream client connected",
		slog.Any("queues", c.queues),
		logger.Count("clients", s.Clients()))

	go s.readLoop(conn, c)
	s.writeLoop(r.Context(), conn, c)

	s.logger.InfoContext(r.Context(), "event stream client disconnected")
}

// readLoop discards client messages and notices when the peer goes away.
func (s *Stream) readLoop(conn *websocket.Conn, c *streamClient) {
	defer c.close()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Stream) writeLoop(ctx context.Context, conn *websocket.Conn, c *streamClient) {
	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(streamWriteTimeout))
			return
		case evt := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func parseQueues(raw string) []string {
	var out []string
	for q := range strings.SplitSeq(raw, ",") {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	return out
}
