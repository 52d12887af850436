package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mbocsi/gorti/correlator"
)

// ErrCallTimeout is passed to the error callback of an expired InvokeTimeout call.
var ErrCallTimeout = correlator.ErrCallTimeout

// Invoke calls a remote procedure and returns the call id. Exactly one of
// onResult and onError runs when the response arrives. Without onError,
// remote errors are raised on the Error signal with source "rpc".
// The call never expires on its own; see InvokeTimeout.
func (c *Client) Invoke(method string, payload any, onResult func(json.RawMessage), onError func(error)) (int64, error) {
	return c.calls.Invoke(method, payload, onResult, onError)
}

// InvokeTimeout is Invoke with an expiry after which onError receives ErrCallTimeout.
func (c *Client) InvokeTimeout(method string, payload any, timeout time.Duration, onResult func(json.RawMessage), onError func(error)) (int64, error) {
	return c.calls.InvokeTimeout(method, payload, timeout, onResult, onError)
}

// Call invokes method and waits for the result. A remote error is returned as *correlator.RemoteError.
func (c *Client) Call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	return c.calls.Call(ctx, method, payload)
}

// CancelCall forgets a pending call. Its callbacks will not run.
func (c *Client) CancelCall(id int64) bool {
	return c.calls.Cancel(id)
}

func (c *Client) PendingCalls() int {
	return c.calls.Pending()
}
