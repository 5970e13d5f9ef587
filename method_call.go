package delayq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const methodCallTypeName = "delayq.MethodCall"

// MethodReceiver identifies what a MethodCall is invoked on. A receiver with
// an empty ID is a class receiver and its methods are invoked without an
// instance. A receiver with an ID is an instance receiver and is loaded
// through the finder given to RegisterInstanceMethod each time the call is
// performed, so it reflects the receiver's state at run time rather than at
// enqueue time.
type MethodReceiver struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
}

// ClassReceiver returns a receiver for class level methods on typeName.
func ClassReceiver(typeName string) MethodReceiver {
	return MethodReceiver{Type: typeName}
}

// InstanceReceiver returns a receiver for the instance of typeName with the
// given ID.
func InstanceReceiver(typeName, id string) MethodReceiver {
	return MethodReceiver{ID: id, Type: typeName}
}

// MethodCall is a built-in unit of work that invokes a named method on a
// receiver with a list of JSON arguments. Methods must be bound in the
// registry of the process that works the job with RegisterClassMethod or
// RegisterInstanceMethod; a call to an unbound method fails with an
// UnknownMethodError and is retried like any other failure.
type MethodCall struct {
	Args     []json.RawMessage `json:"args,omitempty"`
	Method   string            `json:"method"`
	Receiver MethodReceiver    `json:"receiver"`

	registry *Registry
}

// NewMethodCall returns a MethodCall for method on receiver. Each arg is
// marshaled to JSON.
func NewMethodCall(receiver MethodReceiver, method string, args ...any) (*MethodCall, error) {
	if receiver.Type == "" {
		return nil, &ArgumentError{Message: "method call receiver type must not be empty"}
	}
	if method == "" {
		return nil, &ArgumentError{Message: "method call method must not be empty"}
	}

	call := &MethodCall{Method: method, Receiver: receiver}

	for i, arg := range args {
		argBytes, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("error marshaling argument %d of %s: %w", i, call.Name(), err)
		}
		call.Args = append(call.Args, argBytes)
	}

	return call, nil
}

// Name returns "Type.Method" for a class receiver and "Type#Method" for an
// instance receiver.
func (c *MethodCall) Name() string {
	if c.Receiver.ID == "" {
		return c.Receiver.Type + "." + c.Method
	}
	return c.Receiver.Type + "#" + c.Method
}

// Perform invokes the bound method.
func (c *MethodCall) Perform(ctx context.Context) error {
	if c.registry == nil {
		return errors.New("method call must be decoded by a registry before it's performed")
	}

	fn := c.registry.lookupMethod(methodKey{
		instance: c.Receiver.ID != "",
		method:   c.Method,
		typeName: c.Receiver.Type,
	})
	if fn == nil {
		return &UnknownMethodError{Name: c.Name()}
	}

	return fn(ctx, c.Receiver.ID, c.Args)
}

type methodKey struct {
	instance bool
	method   string
	typeName string
}

type methodFunc func(ctx context.Context, receiverID string, args []json.RawMessage) error

// RegisterClassMethod binds method on the class receiver typeName to fn.
//
// Panics if the method is already bound.
func RegisterClassMethod(registry *Registry, typeName, method string, fn func(ctx context.Context, args []json.RawMessage) error) {
	registry.addMethod(methodKey{method: method, typeName: typeName}, func(ctx context.Context, _ string, args []json.RawMessage) error {
		return fn(ctx, args)
	})
}

// RegisterInstanceMethod binds method on instances of typeName to fn. Before
// each invocation the receiver is loaded by its ID using find. An error from
// find fails the job.
//
// Panics if the method is already bound.
func RegisterInstanceMethod[T any](registry *Registry, typeName, method string,
	find func(ctx context.Context, id string) (T, error),
	fn func(ctx context.Context, receiver T, args []json.RawMessage) error,
) {
	registry.addMethod(methodKey{instance: true, method: method, typeName: typeName}, func(ctx context.Context, id string, args []json.RawMessage) error {
		receiver, err := find(ctx, id)
		if err != nil {
			return fmt.Errorf("error loading %s receiver %q: %w", typeName, id, err)
		}
		return fn(ctx, receiver, args)
	})
}

func (r *Registry) addMethod(key methodKey, fn methodFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.methods[key]; ok {
		panic(fmt.Sprintf("method %q on %q is already bound", key.method, key.typeName))
	}

	r.methods[key] = fn
}

func (r *Registry) lookupMethod(key methodKey) methodFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.methods[key]
}
