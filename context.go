package delayq

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxKeyClient ctxKey = iota
)

var errClientNotInContext = errors.New("delayq: client not found in context, can only be used in a job's Perform")

func withClient[TTx any](ctx context.Context, client *Client[TTx]) context.Context {
	return context.WithValue(ctx, ctxKeyClient, client)
}

// ClientFromContext returns the Client that's working the current job. It can
// be used from a job's Perform to enqueue follow up jobs.
//
// It panics if the context doesn't contain a Client, which never happens for
// the context passed to Perform by WorkOff or Run.
func ClientFromContext[TTx any](ctx context.Context) *Client[TTx] {
	client, err := ClientFromContextSafely[TTx](ctx)
	if err != nil {
		panic(err)
	}
	return client
}

// ClientFromContextSafely is like ClientFromContext, but returns an error
// instead of panicking if the context doesn't contain a Client.
func ClientFromContextSafely[TTx any](ctx context.Context) (*Client[TTx], error) {
	client, exists := ctx.Value(ctxKeyClient).(*Client[TTx])
	if !exists || client == nil {
		return nil, errClientNotInContext
	}
	return client, nil
}
