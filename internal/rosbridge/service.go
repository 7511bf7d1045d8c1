package rosbridge

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrCallInProgress is returned when a second call is started on a service
// client whose previous call has not completed. Each client instance allows
// at most one outstanding call.
var ErrCallInProgress = errors.New("rosbridge: service call already in progress")

// Result is the flat key to value payload of a service response or action
// result.
type Result map[string]any

// Success reports the remote outcome: the value of the "success" field.
// A missing or non-boolean field counts as failure, never as an error.
func (r Result) Success() bool {
	ok, _ := r["success"].(bool)
	return ok
}

// ServiceClient issues request/response calls against one named service.
// Call looks synchronous to the caller but suspends on a channel until the
// matching response arrives; it never busy-waits and never hangs silently on
// a dead connection.
type ServiceClient struct {
	conn    *Conn
	service string

	sem chan struct{}
}

// NewServiceClient creates a client for the named service.
func NewServiceClient(conn *Conn, service string) *ServiceClient {
	c := &ServiceClient{conn: conn, service: service, sem: make(chan struct{}, 1)}
	c.sem <- struct{}{}
	return c
}

// Service returns the target service name.
func (c *ServiceClient) Service() string { return c.service }

// Call sends the request and suspends until the matching response, a
// connection failure, or context cancellation.
func (c *ServiceClient) Call(ctx context.Context, args map[string]any) (Result, error) {
	select {
	case <-c.sem:
	default:
		return nil, ErrCallInProgress
	}
	defer func() { c.sem <- struct{}{} }()

	id := "call_service:" + c.service + ":" + uuid.NewString()
	ch, err := c.conn.callService(id, c.service, args)
	if err != nil {
		return nil, err
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, &ConnectionError{Addr: c.conn.Addr(), Op: "call " + c.service}
		}
		return responseValues(msg), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.conn.Done():
		return nil, &ConnectionError{Addr: c.conn.Addr(), Op: "call " + c.service}
	}
}

// responseValues extracts the flat response payload from a service_response
// message. The rosbridge-level "result" flag folds into the payload's
// success field when the payload itself carries none.
func responseValues(msg map[string]any) Result {
	values, _ := msg["values"].(map[string]any)
	if values == nil {
		values = make(map[string]any)
	}
	if _, ok := values["success"]; !ok {
		if res, ok := msg["result"].(bool); ok {
			values["success"] = res
		}
	}
	return Result(values)
}
