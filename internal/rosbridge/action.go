package rosbridge

import (
	"context"
	"errors"
	"sync"
)

// ErrGoalInProgress is returned when a second goal is sent on an action
// client whose previous goal has neither completed nor been cancelled.
// Exactly one goal may be outstanding per client instance; violating this is
// a usage error, not a recoverable condition.
var ErrGoalInProgress = errors.New("rosbridge: goal already in progress")

// FeedbackCallback is invoked once per feedback message with the parsed
// feedback payload. It runs on the connection's receive goroutine.
type FeedbackCallback func(feedback map[string]any)

// ActionClient drives one long-running remote action over the three topic
// phases: it publishes the goal, receives zero or more feedback messages,
// and suspends in WaitForResult until the terminal result message.
//
// Topic layout follows the actionlib convention relative to the server name:
// <server>/goal, <server>/feedback, <server>/result and <server>/cancel.
type ActionClient struct {
	conn       *Conn
	server     string
	actionType string

	mu        sync.Mutex
	active    bool
	cancelled bool
	feedback  FeedbackCallback
	unsubs    []func()

	resultCh chan Result
}

// NewActionClient creates a client for the named action server. actionType
// is the action's message type as reported by the type resolver; it is used
// when advertising the goal topic and may be empty when the server side does
// not require it.
func NewActionClient(conn *Conn, server, actionType string) *ActionClient {
	return &ActionClient{
		conn:       conn,
		server:     server,
		actionType: actionType,
		resultCh:   make(chan Result, 1),
	}
}

// Server returns the action server name.
func (c *ActionClient) Server() string { return c.server }

// RegisterFeedbackCallback installs the callback invoked for each feedback
// message. It must be called before SendGoal.
func (c *ActionClient) RegisterFeedbackCallback(fn FeedbackCallback) {
	c.mu.Lock()
	c.feedback = fn
	c.mu.Unlock()
}

// SendGoal transmits the goal and opens the feedback channel. The goal
// payload is the flat key to value map produced by the port marshaler.
func (c *ActionClient) SendGoal(goal map[string]any) error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return ErrGoalInProgress
	}
	c.active = true
	c.cancelled = false
	c.mu.Unlock()

	unsubFeedback, err := c.conn.Subscribe(c.server+"/feedback", func(payload map[string]any) {
		fb, _ := payload["feedback"].(map[string]any)
		if fb == nil {
			return
		}
		c.mu.Lock()
		fn := c.feedback
		c.mu.Unlock()
		if fn != nil {
			fn(fb)
		}
	})
	if err != nil {
		c.reset()
		return err
	}
	unsubResult, err := c.conn.Subscribe(c.server+"/result", func(payload map[string]any) {
		c.mu.Lock()
		c.active = false
		c.mu.Unlock()
		select {
		case c.resultCh <- resultValues(payload):
		default:
			// a result is already pending; keep the first
		}
	})
	if err != nil {
		unsubFeedback()
		c.reset()
		return err
	}
	c.mu.Lock()
	c.unsubs = []func(){unsubFeedback, unsubResult}
	c.mu.Unlock()

	if c.actionType != "" {
		if err := c.conn.Advertise(c.server+"/goal", c.actionType+"Goal"); err != nil {
			c.Close()
			return err
		}
	}
	if err := c.conn.Publish(c.server+"/goal", goal); err != nil {
		c.Close()
		return err
	}
	return nil
}

// WaitForResult suspends until the terminal result message arrives, the
// connection fails, or the context is cancelled.
func (c *ActionClient) WaitForResult(ctx context.Context) (Result, error) {
	select {
	case res := <-c.resultCh:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.conn.Done():
		return nil, &ConnectionError{Addr: c.conn.Addr(), Op: "wait for " + c.server}
	}
}

// CancelGoal requests cancellation of the outstanding goal. It is safe to
// call at any time: after the goal has completed, or a second time, it is a
// no-op.
func (c *ActionClient) CancelGoal() error {
	c.mu.Lock()
	if !c.active || c.cancelled {
		c.mu.Unlock()
		return nil
	}
	c.cancelled = true
	c.mu.Unlock()
	return c.conn.Publish(c.server+"/cancel", map[string]any{})
}

// Close drops the client's own topic subscriptions, leaving any other
// client's subscriptions on the same server untouched. The client must not
// be reused afterwards.
func (c *ActionClient) Close() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
	c.reset()
}

func (c *ActionClient) reset() {
	c.mu.Lock()
	c.active = false
	c.mu.Unlock()
}

// resultValues extracts the flat result payload from a result topic
// message; a message without a nested result field is taken as the payload
// itself.
func resultValues(payload map[string]any) Result {
	if res, ok := payload["result"].(map[string]any); ok {
		return Result(res)
	}
	return Result(payload)
}
