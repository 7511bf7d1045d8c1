// Package rosbridge implements the thin asynchronous clients the interpreter
// uses to talk to a rosbridge endpoint: a websocket connection primitive, a
// service client (single request/response) and an action client
// (goal/feedback/result over topics), plus resolution of an action's wire
// type via the rosapi introspection service.
package rosbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ConnectionError reports a transport-level failure: refused or dropped
// connections, failed writes, or a connection closing while a call was
// outstanding. It is surfaced to the interpreter's auto-run supervisor
// rather than crashing the process.
type ConnectionError struct {
	Addr string
	Op   string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rosbridge %s: connection error (%s)", e.Addr, e.Op)
	}
	return fmt.Sprintf("rosbridge %s: %s: %v", e.Addr, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Handler receives the payload of a published message on a subscribed topic
// (the "msg" field of the rosbridge publish envelope). Handlers run on the
// connection's receive goroutine and must not block.
type Handler func(payload map[string]any)

// Conn is a connection to a rosbridge server. It serializes writes, runs a
// single receive loop, and dispatches incoming messages to topic handlers
// and pending service calls. All methods are safe for concurrent use.
type Conn struct {
	addr   string
	logger *slog.Logger

	writeMu sync.Mutex
	ws      *websocket.Conn

	mu       sync.Mutex
	topics   map[string]map[uint64]Handler
	subID    uint64
	services map[string]chan map[string]any
	onError  func(error)

	closeOnce sync.Once
	done      chan struct{}
}

// DialOption configures a Conn.
type DialOption func(*Conn)

// WithLogger sets the connection's logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) DialOption {
	return func(c *Conn) { c.logger = logger }
}

// WithErrorHandler installs a callback invoked once when the connection
// fails or closes unexpectedly. The callback runs on the receive goroutine.
func WithErrorHandler(fn func(error)) DialOption {
	return func(c *Conn) { c.onError = fn }
}

// Dial connects to a rosbridge server at hostname:port and starts the
// receive loop.
func Dial(ctx context.Context, hostname string, port int, opts ...DialOption) (*Conn, error) {
	addr := fmt.Sprintf("%s:%d", hostname, port)
	u := url.URL{Scheme: "ws", Host: addr}

	c := &Conn{
		addr:     addr,
		logger:   slog.Default(),
		topics:   make(map[string]map[uint64]Handler),
		services: make(map[string]chan map[string]any),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Op: "dial", Err: err}
	}
	c.ws = ws

	go c.receiveLoop()
	return c, nil
}

// Addr returns the remote hostname:port.
func (c *Conn) Addr() string { return c.addr }

// Done returns a channel closed when the connection is no longer usable.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close tears the connection down. Pending service calls fail with a
// ConnectionError. Safe to call multiple times.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) receiveLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// deliberate close, not an error
			default:
				c.fail(&ConnectionError{Addr: c.addr, Op: "receive", Err: err})
			}
			c.Close()
			return
		}
		msg, err := decodeMessage(data)
		if err != nil {
			c.logger.Warn("discarding malformed message", "addr", c.addr, "error", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Conn) dispatch(msg map[string]any) {
	op, _ := msg["op"].(string)
	switch op {
	case "publish":
		topic, _ := msg["topic"].(string)
		payload, _ := msg["msg"].(map[string]any)
		c.mu.Lock()
		handlers := make([]Handler, 0, len(c.topics[topic]))
		for _, h := range c.topics[topic] {
			handlers = append(handlers, h)
		}
		c.mu.Unlock()
		for _, h := range handlers {
			h(payload)
		}
	case "service_response":
		id, _ := msg["id"].(string)
		c.mu.Lock()
		ch := c.services[id]
		delete(c.services, id)
		c.mu.Unlock()
		if ch != nil {
			ch <- msg
		}
	default:
		c.logger.Debug("ignoring message", "addr", c.addr, "op", op)
	}
}

// fail notifies the error handler and unblocks every pending service call.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	onError := c.onError
	waiters := c.services
	c.services = make(map[string]chan map[string]any)
	c.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	if onError != nil {
		onError(err)
	}
}

func (c *Conn) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return &ConnectionError{Addr: c.addr, Op: "send"}
	default:
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return &ConnectionError{Addr: c.addr, Op: "send", Err: err}
	}
	return nil
}

// Advertise announces intent to publish on a topic with the given type.
func (c *Conn) Advertise(topic, typeName string) error {
	return c.send(map[string]any{"op": "advertise", "topic": topic, "type": typeName})
}

// Publish publishes a payload on a topic.
func (c *Conn) Publish(topic string, payload any) error {
	return c.send(map[string]any{
		"op":    "publish",
		"id":    "publish:" + topic + ":" + uuid.NewString(),
		"topic": topic,
		"msg":   payload,
	})
}

// Subscribe registers a handler for a topic and, for the topic's first
// handler, asks the server to start publishing it. A topic may carry any
// number of handlers at once; every handler sees every message. The returned
// cancel removes this handler, sending unsubscribe only when it was the
// topic's last. Cancel is idempotent.
func (c *Conn) Subscribe(topic string, h Handler) (func(), error) {
	c.mu.Lock()
	handlers := c.topics[topic]
	first := len(handlers) == 0
	if handlers == nil {
		handlers = make(map[uint64]Handler)
		c.topics[topic] = handlers
	}
	c.subID++
	id := c.subID
	handlers[id] = h
	c.mu.Unlock()

	if first {
		if err := c.send(map[string]any{"op": "subscribe", "topic": topic}); err != nil {
			c.removeHandler(topic, id)
			return nil, err
		}
	}
	return func() {
		if c.removeHandler(topic, id) {
			_ = c.send(map[string]any{"op": "unsubscribe", "topic": topic})
		}
	}, nil
}

// removeHandler drops one topic handler and reports whether it was the last.
func (c *Conn) removeHandler(topic string, id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	handlers, ok := c.topics[topic]
	if !ok {
		return false
	}
	if _, ok := handlers[id]; !ok {
		return false
	}
	delete(handlers, id)
	if len(handlers) > 0 {
		return false
	}
	delete(c.topics, topic)
	return true
}

// callService issues a service call and returns a channel that yields the
// raw response message, or is closed on connection failure.
func (c *Conn) callService(id, service string, args any) (<-chan map[string]any, error) {
	ch := make(chan map[string]any, 1)
	c.mu.Lock()
	c.services[id] = ch
	c.mu.Unlock()

	err := c.send(map[string]any{"op": "call_service", "id": id, "service": service, "args": args})
	if err != nil {
		c.mu.Lock()
		delete(c.services, id)
		c.mu.Unlock()
		return nil, err
	}
	return ch, nil
}

// decodeMessage parses a wire message preserving integer fidelity
// (numbers decode as json.Number, not float64).
func decodeMessage(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var msg map[string]any
	if err := dec.Decode(&msg); err != nil {
		return nil, err
	}
	return msg, nil
}
