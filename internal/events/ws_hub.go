package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/carwash-dispatch/internal/observability"
)

const (
	writeWait = 5 * time.Second
	sendQueue = 16
)

var errSlowSubscriber = errors.New("send queue full")

// Conn is the part of a websocket connection the hub writes to.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// wsSession is one subscriber connection. Events are queued and written by
// the session's own goroutine, so Publish never waits on a client.
type wsSession struct {
	conn   Conn
	out    chan Event
	mu     sync.Mutex
	closed bool
}

func (s *wsSession) enqueue(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.out <- e:
		return true
	default:
		return false
	}
}

// close stops the writer after it flushes what is queued. It reports whether
// this call did the closing.
func (s *wsSession) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.out)
	return true
}

func (s *wsSession) write(e Event) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(e)
}

// Hub streams lifecycle events of a request to the websocket sessions
// watching it.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*wsSession]struct{}
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{sessions: make(map[string]map[*wsSession]struct{}), logger: logger}
}

// Subscribe registers conn for requestID and returns the func that removes
// it. When snapshot is non-nil it is evaluated after registration and written
// before any published event, so the subscriber misses no transition. Events
// published meanwhile wait in the session queue.
func (h *Hub) Subscribe(requestID string, conn Conn, snapshot func() (Event, error)) (func(), error) {
	s := &wsSession{conn: conn, out: make(chan Event, sendQueue)}
	h.mu.Lock()
	set, ok := h.sessions[requestID]
	if !ok {
		set = make(map[*wsSession]struct{})
		h.sessions[requestID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	unsubscribe := func() {
		h.remove(requestID, s)
		s.close()
	}

	if snapshot != nil {
		e, err := snapshot()
		if err == nil {
			err = s.write(e)
		}
		if err != nil {
			unsubscribe()
			return nil, err
		}
	}
	go h.writeLoop(requestID, s)
	return unsubscribe, nil
}

func (h *Hub) writeLoop(requestID string, s *wsSession) {
	failed := false
	for e := range s.out {
		if failed {
			continue
		}
		if err := s.write(e); err != nil {
			failed = true
			h.drop(requestID, s, err)
		}
	}
}

// drop unregisters a session that cannot keep up and closes its connection,
// which also unblocks a write stuck on it.
func (h *Hub) drop(requestID string, s *wsSession, reason error) {
	h.remove(requestID, s)
	if !s.close() {
		return
	}
	h.logger.Warn("ws session dropped", "request_id", requestID, "error", reason)
	observability.EventsDropped.WithLabelValues("ws").Inc()
	_ = s.conn.Close()
}

func (h *Hub) remove(requestID string, s *wsSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.sessions[requestID]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.sessions, requestID)
	}
}

// Subscribers returns how many sessions watch requestID.
func (h *Hub) Subscribers(requestID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[requestID])
}

// Publish never fails or blocks; sessions whose queue is full are dropped.
func (h *Hub) Publish(ctx context.Context, e Event) error {
	h.mu.RLock()
	targets := make([]*wsSession, 0, len(h.sessions[e.RequestID]))
	for s := range h.sessions[e.RequestID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.enqueue(e) {
			h.drop(e.RequestID, s, errSlowSubscriber)
		}
	}
	return nil
}
