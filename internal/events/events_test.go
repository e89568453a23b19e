package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/carwash-dispatch/internal/models"
)

type recordingPublisher struct {
	got []Event
	err error
}

func (r *recordingPublisher) Publish(ctx context.Context, e Event) error {
	r.got = append(r.got, e)
	return r.err
}

func TestFanout_DeliversToAllAndJoinsErrors(t *testing.T) {
	ok := &recordingPublisher{}
	bad := &recordingPublisher{err: errors.New("broker down")}
	f := Fanout{ok, nil, bad}

	err := f.Publish(context.Background(), Event{Type: RequestCreated, RequestID: "q1"})
	assert.ErrorContains(t, err, "broker down")
	assert.Len(t, ok.got, 1)
	assert.Len(t, bad.got, 1)
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisher_KeysByRequest(t *testing.T) {
	w := &fakeWriter{}
	k := &KafkaPublisher{writer: w, timeout: time.Second}

	e := Event{Type: RequestAccepted, RequestID: "q1", Status: models.StatusAccepted, ProviderID: "p1"}
	require.NoError(t, k.Publish(context.Background(), e))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "q1", string(w.msgs[0].Key))

	var decoded Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, RequestAccepted, decoded.Type)
	assert.Equal(t, "p1", decoded.ProviderID)

	w.err = errors.New("leader not available")
	err := k.Publish(context.Background(), e)
	assert.ErrorContains(t, err, "kafka publish request.accepted")
}

func TestHub_StreamsEventsForRequest(t *testing.T) {
	hub := NewHub(nil)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		unsubscribe, err := hub.Subscribe(r.URL.Query().Get("id"), conn, nil)
		if err != nil {
			return
		}
		defer unsubscribe()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?id=q1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers("q1") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Publish(context.Background(), Event{Type: RequestCreated, RequestID: "other"}))
	require.NoError(t, hub.Publish(context.Background(), Event{Type: RequestAccepted, RequestID: "q1", Status: models.StatusAccepted}))

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var got Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, RequestAccepted, got.Type)
	assert.Equal(t, "q1", got.RequestID)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Subscribers("q1") == 0 }, time.Second, 5*time.Millisecond)
}

type fakeConn struct {
	mu      sync.Mutex
	written []Event
	stall   bool
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn(stall bool) *fakeConn {
	return &fakeConn{stall: stall, closed: make(chan struct{})}
}

func (c *fakeConn) WriteJSON(v any) error {
	if c.stall {
		<-c.closed
		return errors.New("use of closed network connection")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, v.(Event))
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.written...)
}

func TestHub_SnapshotPrecedesEvents(t *testing.T) {
	hub := NewHub(nil)
	conn := newFakeConn(false)

	unsubscribe, err := hub.Subscribe("q1", conn, func() (Event, error) {
		// a transition lands while the snapshot is being read
		require.NoError(t, hub.Publish(context.Background(), Event{Type: RequestAccepted, RequestID: "q1"}))
		return Event{Type: Snapshot, RequestID: "q1", Status: models.StatusPending}, nil
	})
	require.NoError(t, err)
	defer unsubscribe()
	require.NoError(t, hub.Publish(context.Background(), Event{Type: RequestStarted, RequestID: "q1"}))

	require.Eventually(t, func() bool { return len(conn.events()) == 3 }, time.Second, 5*time.Millisecond)
	got := conn.events()
	assert.Equal(t, Snapshot, got[0].Type)
	assert.Equal(t, RequestAccepted, got[1].Type)
	assert.Equal(t, RequestStarted, got[2].Type)
}

func TestHub_SnapshotErrorUnsubscribes(t *testing.T) {
	hub := NewHub(nil)
	_, err := hub.Subscribe("q1", newFakeConn(false), func() (Event, error) {
		return Event{}, errors.New("db is gone")
	})
	assert.ErrorContains(t, err, "db is gone")
	assert.Equal(t, 0, hub.Subscribers("q1"))
}

func TestHub_StalledSubscriberDoesNotBlockPublish(t *testing.T) {
	hub := NewHub(nil)
	stalled := newFakeConn(true)
	_, err := hub.Subscribe("q1", stalled, nil)
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < sendQueue+2; i++ {
		require.NoError(t, hub.Publish(context.Background(), Event{Type: RequestAccepted, RequestID: "q1"}))
	}
	assert.Less(t, time.Since(start), writeWait)

	select {
	case <-stalled.closed:
	case <-time.After(time.Second):
		t.Fatal("stalled connection was not closed")
	}
	assert.Equal(t, 0, hub.Subscribers("q1"))

	healthy := newFakeConn(false)
	unsubscribe, err := hub.Subscribe("q1", healthy, nil)
	require.NoError(t, err)
	defer unsubscribe()
	require.NoError(t, hub.Publish(context.Background(), Event{Type: RequestStarted, RequestID: "q1"}))
	assert.Eventually(t, func() bool { return len(healthy.events()) == 1 }, time.Second, 5*time.Millisecond)
}
