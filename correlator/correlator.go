// Package correlator pairs remote procedure calls with their responses.
//
// Invoke never expires a call on its own: a call the broker never answers stays
// pending until the Correlator is discarded. Callers that need an upper bound
// use InvokeTimeout or Call with a deadline.
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbocsi/gorti/proto"
)

// SourceRPC tags errors of calls that registered no error callback.
const SourceRPC = "rpc"

var ErrCallTimeout = errors.New("call timed out")

// RemoteError carries the error payload of a response, exactly as received.
type RemoteError struct {
	Method  string
	Payload json.RawMessage
}

func (e *RemoteError) Error() string {
	var text string
	if err := json.Unmarshal(e.Payload, &text); err != nil {
		text = string(e.Payload)
	}
	return fmt.Sprintf("%s: remote error: %s", e.Method, text)
}

type Transmitter interface {
	SendFrame(f proto.Frame) error
	NextCID() int64
}

type ResultFunc func(data json.RawMessage)
type ErrorFunc func(err error)

type call struct {
	method   string
	onResult ResultFunc
	onError  ErrorFunc
	timer    *time.Timer
}

type Correlator struct {
	tx      Transmitter
	onError func(source string, err error)
	log     *slog.Logger

	mu      sync.Mutex
	pending map[int64]*call
}

func New(tx Transmitter, onError func(source string, err error), logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	if onError == nil {
		onError = func(string, error) {}
	}
	return &Correlator{
		tx:      tx,
		onError: onError,
		log:     logger.With("component", "correlator"),
		pending: make(map[int64]*call),
	}
}

// Invoke sends a call and returns its id. onError may be nil, in which case
// remote errors are reported with SourceRPC.
func (c *Correlator) Invoke(method string, payload any, onResult ResultFunc, onError ErrorFunc) (int64, error) {
	return c.invoke(method, payload, 0, onResult, onError)
}

// InvokeTimeout is Invoke with an expiry. An expired call is forgotten and
// onError receives ErrCallTimeout.
func (c *Correlator) InvokeTimeout(method string, payload any, timeout time.Duration, onResult ResultFunc, onError ErrorFunc) (int64, error) {
	return c.invoke(method, payload, timeout, onResult, onError)
}

// Call invokes method and waits for its response or for ctx to end.
func (c *Correlator) Call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	type outcome struct {
		data json.RawMessage
		err  error
	}
	done := make(chan outcome, 1)
	id, err := c.Invoke(method, payload,
		func(data json.RawMessage) { done <- outcome{data: data} },
		func(err error) { done <- outcome{err: err} },
	)
	if err != nil {
		return nil, err
	}

	select {
	case o := <-done:
		return o.data, o.err
	case <-ctx.Done():
		c.Cancel(id)
		return nil, ctx.Err()
	}
}

func (c *Correlator) invoke(method string, payload any, timeout time.Duration, onResult ResultFunc, onError ErrorFunc) (int64, error) {
	f, err := proto.NewFrame(method, payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal %s payload: %w", method, err)
	}
	id := c.tx.NextCID()
	f.CID = id

	pc := &call{method: method, onResult: onResult, onError: onError}
	c.mu.Lock()
	c.pending[id] = pc
	if timeout > 0 {
		pc.timer = time.AfterFunc(timeout, func() { c.expire(id) })
	}
	c.mu.Unlock()

	if err := c.tx.SendFrame(f); err != nil {
		c.Cancel(id)
		return 0, fmt.Errorf("failed to send %s: %w", method, err)
	}
	c.log.Debug("Call sent", "method", method, "cid", id)
	return id, nil
}

// Resolve routes a response frame to its call. Responses to unknown or
// already answered ids are ignored and reported as false.
func (c *Correlator) Resolve(f proto.Frame) bool {
	pc := c.take(f.RID)
	if pc == nil {
		return false
	}

	if f.HasError() {
		c.fail(pc, &RemoteError{Method: pc.method, Payload: f.Error})
		return true
	}
	if pc.onResult != nil {
		c.guard(pc.method, func() { pc.onResult(f.Data) })
	}
	return true
}

// Cancel forgets a pending call without invoking any callback.
func (c *Correlator) Cancel(id int64) bool {
	return c.take(id) != nil
}

func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) take(id int64) *call {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	if pc.timer != nil {
		pc.timer.Stop()
	}
	return pc
}

func (c *Correlator) expire(id int64) {
	pc := c.take(id)
	if pc == nil {
		return
	}
	c.log.Warn("Call timed out", "method", pc.method, "cid", id)
	c.fail(pc, fmt.Errorf("%s: %w", pc.method, ErrCallTimeout))
}

func (c *Correlator) fail(pc *call, err error) {
	if pc.onError == nil {
		c.onError(SourceRPC, err)
		return
	}
	c.guard(pc.method, func() { pc.onError(err) })
}

func (c *Correlator) guard(method string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			c.onError(SourceRPC, fmt.Errorf("%s callback panic: %v", method, p))
		}
	}()
	fn()
}
