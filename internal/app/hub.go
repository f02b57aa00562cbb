package app

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/elevated/internal/voice"
)

const (
	// defaultHubBuffer is the per-client event queue length. A client that
	// falls further behind is disconnected.
	defaultHubBuffer = 64

	// hubWriteTimeout bounds a single websocket write.
	hubWriteTimeout = 5 * time.Second
)

// hubMessage is the JSON frame pushed to websocket observers. The first frame
// of every connection is a snapshot; every later frame is an event.
type hubMessage struct {
	Type     string          `json:"type"`
	Snapshot *voice.Snapshot `json:"snapshot,omitempty"`
	Event    *voice.Event    `json:"event,omitempty"`
}

// hubClient is one connected websocket observer.
type hubClient struct {
	events chan voice.Event

	// kicked is closed when the client is dropped for being too slow or the
	// hub shuts down.
	kicked   chan struct{}
	kickOnce sync.Once
	slow     bool
}

func (c *hubClient) kick(slow bool) {
	c.kickOnce.Do(func() {
		c.slow = slow
		close(c.kicked)
	})
}

// eventHub fans controller events out to websocket observers. Publishing
// never blocks the controller: a client whose queue is full is dropped.
type eventHub struct {
	ctrl   *voice.Controller
	log    *slog.Logger
	buffer int
	accept *websocket.AcceptOptions

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool

	unsubscribe func()
}

func newEventHub(ctrl *voice.Controller, log *slog.Logger) *eventHub {
	h := &eventHub{
		ctrl:    ctrl,
		log:     log,
		buffer:  defaultHubBuffer,
		accept:  &websocket.AcceptOptions{},
		clients: make(map[*hubClient]struct{}),
	}
	h.unsubscribe = ctrl.Subscribe(h.publish)
	return h
}

// publish runs on the controller's event path.
func (h *eventHub) publish(ev voice.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.events <- ev:
		default:
			delete(h.clients, c)
			c.kick(true)
		}
	}
}

func (h *eventHub) add() *hubClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	c := &hubClient{
		events: make(chan voice.Event, h.buffer),
		kicked: make(chan struct{}),
	}
	h.clients[c] = struct{}{}
	return c
}

func (h *eventHub) remove(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// clientCount returns the number of connected observers.
func (h *eventHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request to a websocket, sends the current snapshot,
// and then streams events until the client goes away.
func (h *eventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, h.accept)
	if err != nil {
		h.log.Warn("app: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// Register before taking the snapshot so no event between the two is lost.
	c := h.add()
	if c == nil {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.remove(c)

	ctx := conn.CloseRead(r.Context())

	snap := h.ctrl.Snapshot()
	if err := h.write(ctx, conn, hubMessage{Type: "snapshot", Snapshot: &snap}); err != nil {
		h.log.Debug("app: observer write failed", "err", err)
		return
	}
	h.log.Debug("app: observer connected", "remote_addr", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.kicked:
			if c.slow {
				h.log.Warn("app: dropping slow observer", "remote_addr", r.RemoteAddr)
				conn.Close(websocket.StatusPolicyViolation, "observer too slow")
			} else {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
			}
			return
		case ev := <-c.events:
			if err := h.write(ctx, conn, hubMessage{Type: "event", Event: &ev}); err != nil {
				h.log.Debug("app: observer write failed", "err", err)
				return
			}
		}
	}
}

func (h *eventHub) write(ctx context.Context, conn *websocket.Conn, msg hubMessage) error {
	ctx, cancel := context.WithTimeout(ctx, hubWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

// Close unsubscribes from the controller and disconnects every observer.
// Later calls are no-ops.
func (h *eventHub) Close() error {
	// Unsubscribe first: publish holds the controller's subscriber lock while
	// taking h.mu.
	h.unsubscribe()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.kick(false)
	}
	return nil
}
