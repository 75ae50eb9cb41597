// Package ui connects the companion process to its UI over a local
// WebSocket. Outbound events are fire-and-forget; inbound frames are either
// events, routed to listeners, or command invocations, answered with a
// result frame.
package ui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Frame types.
const (
	TypeEvent  = "event"
	TypeInvoke = "invoke"
	TypeResult = "result"
)

const writeTimeout = 5 * time.Second

var (
	ErrNoObserver     = errors.New("no UI connected")
	ErrUnknownCommand = errors.New("unknown command")
)

// Message is the JSON frame exchanged with the UI.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event,omitempty"`
	Command string          `json:"command,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// CommandFunc handles one invocation. The returned value is sent back as
// the result payload.
type CommandFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Hub fans events out to every connected UI and routes what they send back.
type Hub struct {
	logger  *slog.Logger
	origins []string

	ctx    context.Context // parent of every command; cancelled by Close
	cancel context.CancelFunc

	mu        sync.Mutex
	clients   map[*client]struct{}
	listeners map[string]map[uint64]*listener
	commands  map[string]CommandFunc
	nextID    uint64
	closed    bool
}

type listener struct {
	fn   func([]byte)
	done chan struct{}
}

// client wraps one WebSocket connection. Writes are serialized.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(ctx context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, msg)
}

// NewHub creates a hub. origins are the allowed Origin host patterns; an
// empty list only admits same-host pages.
func NewHub(logger *slog.Logger, origins []string) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		logger:    logger,
		origins:   origins,
		ctx:       ctx,
		cancel:    cancel,
		clients:   make(map[*client]struct{}),
		listeners: make(map[string]map[uint64]*listener),
		commands:  make(map[string]CommandFunc),
	}
}

// Handle registers fn for command.
func (h *Hub) Handle(command string, fn CommandFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands[command] = fn
}

// Emit sends event to every connected UI.
func (h *Hub) Emit(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	if len(clients) == 0 {
		return ErrNoObserver
	}
	var errs []error
	for _, c := range clients {
		if err := c.write(h.ctx, Message{Type: TypeEvent, Event: event, Payload: raw}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Listen subscribes fn to inbound event. done is closed when the hub shuts
// down; cancel removes the subscription.
func (h *Hub) Listen(event string, fn func([]byte)) (<-chan struct{}, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	l := &listener{fn: fn, done: make(chan struct{})}
	if h.closed {
		close(l.done)
		return l.done, func() {}
	}
	id := h.nextID
	h.nextID++
	if h.listeners[event] == nil {
		h.listeners[event] = make(map[uint64]*listener)
	}
	h.listeners[event][id] = l

	return l.done, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.listeners[event], id)
	}
}

// Close disconnects every UI and releases every listener.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.cancel()
	for _, ls := range h.listeners {
		for _, l := range ls {
			close(l.done)
		}
	}
	h.listeners = make(map[string]map[uint64]*listener)
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	// The close handshake waits on the peer; do not let one slow UI
	// hold up the rest.
	for c := range clients {
		go c.conn.Close(websocket.StatusGoingAway, "shutting down")
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Warn("failed to accept websocket", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	c := &client{conn: conn}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
	}()

	h.logger.Info("ui connected", "remote", r.RemoteAddr)

	ctx := r.Context()
	for {
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				h.logger.Debug("ui read ended", "error", err)
			}
			return
		}

		switch msg.Type {
		case TypeEvent:
			h.dispatch(msg.Event, msg.Payload)
		case TypeInvoke:
			// Commands may block for minutes (a login waiting on a
			// verification code), so the read loop must keep going.
			go h.invoke(c, msg)
		default:
			h.logger.Warn("unknown frame type", "type", msg.Type)
		}
	}
}

func (h *Hub) dispatch(event string, payload []byte) {
	h.mu.Lock()
	fns := make([]func([]byte), 0, len(h.listeners[event]))
	for _, l := range h.listeners[event] {
		fns = append(fns, l.fn)
	}
	h.mu.Unlock()

	if len(fns) == 0 {
		h.logger.Debug("event with no listener", "event", event)
	}
	for _, fn := range fns {
		fn(payload)
	}
}

func (h *Hub) invoke(c *client, msg Message) {
	h.mu.Lock()
	fn, ok := h.commands[msg.Command]
	h.mu.Unlock()

	reply := Message{Type: TypeResult, ID: msg.ID}
	if !ok {
		reply.Error = fmt.Sprintf("%v: %s", ErrUnknownCommand, msg.Command)
	} else {
		result, err := fn(h.ctx, msg.Payload)
		if err != nil {
			reply.Error = err.Error()
		} else if reply.Payload, err = json.Marshal(result); err != nil {
			reply.Error = fmt.Sprintf("encode result: %v", err)
		}
	}

	if err := c.write(h.ctx, reply); err != nil {
		h.logger.Warn("failed to send result", "command", msg.Command, "error", err)
	}
}
