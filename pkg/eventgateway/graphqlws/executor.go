package graphqlws

import (
	"context"
	"errors"
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/randalmurphal/eventgateway/pkg/eventgateway/destination"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/notification"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/producer"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/stomprelay"
)

// Request is the payload of a start message.
type Request struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

// Stream is a live sequence of documents owned by one subscriber.
type Stream interface {
	C() <-chan *notification.Document
	Cancel()
}

// Result is the outcome of executing a request. Exactly one of Errors,
// Stream and Data is meaningful: errors win, then a stream, then data.
type Result struct {
	Data   any
	Stream Stream
	Errors gqlerror.List
}

// Executor runs a GraphQL request.
type Executor interface {
	Execute(ctx context.Context, req Request) Result
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) Result

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, req Request) Result { return f(ctx, req) }

// Opener opens the stream for a subscription field.
type Opener func(ctx context.Context, req destination.Request) (Stream, error)

// HubOpener serves subscriptions from the in-process hub.
func HubOpener(f *producer.PublisherFactory) Opener {
	return func(ctx context.Context, req destination.Request) (Stream, error) {
		s, err := f.OpenRequest(ctx, req)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// RelayOpener serves subscriptions from a STOMP broker. resolver maps the
// request to broker destinations; nil uses destination.NewStompResolver.
func RelayOpener(f *stomprelay.PublisherFactory, resolver destination.Resolver) Opener {
	if resolver == nil {
		resolver = destination.NewStompResolver(nil)
	}
	return func(ctx context.Context, req destination.Request) (Stream, error) {
		s, err := f.Open(ctx, resolver.Resolve(req))
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// SubscriptionExecutor executes single-field subscription operations by
// opening a document stream.
type SubscriptionExecutor struct {
	open      Opener
	fieldName string
}

// ExecutorOption configures a SubscriptionExecutor.
type ExecutorOption func(*SubscriptionExecutor)

// WithFieldName sets the subscription root field.
// Default: destination.DefaultFieldName ("engineEvents").
func WithFieldName(name string) ExecutorOption {
	return func(e *SubscriptionExecutor) {
		if name != "" {
			e.fieldName = name
		}
	}
}

// NewSubscriptionExecutor creates an executor that opens streams with open.
func NewSubscriptionExecutor(open Opener, opts ...ExecutorOption) *SubscriptionExecutor {
	e := &SubscriptionExecutor{open: open, fieldName: destination.DefaultFieldName}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FieldName returns the subscription root field.
func (e *SubscriptionExecutor) FieldName() string { return e.fieldName }

// Execute implements Executor. Invalid requests are reported in
// Result.Errors.
func (e *SubscriptionExecutor) Execute(ctx context.Context, req Request) Result {
	doc, parseErr := parser.ParseQuery(&ast.Source{Name: "request", Input: req.Query})
	if parseErr != nil {
		return errorResult(parseErr)
	}

	op, err := e.operation(doc, req.OperationName)
	if err != nil {
		return errorResult(err)
	}

	field, err := e.field(op)
	if err != nil {
		return errorResult(err)
	}

	args := make(map[string]any, len(field.Arguments))
	for _, arg := range field.Arguments {
		v, err := arg.Value.Value(req.Variables)
		if err != nil {
			return errorResult(fmt.Errorf("argument %s: %w", arg.Name, err))
		}
		args[arg.Name] = v
	}

	stream, err := e.open(ctx, destination.Request{FieldName: field.Name, Arguments: args})
	if err != nil {
		return errorResult(fmt.Errorf("open %s: %w", field.Name, err))
	}
	return Result{Stream: stream}
}

func (e *SubscriptionExecutor) operation(doc *ast.QueryDocument, name string) (*ast.OperationDefinition, error) {
	var op *ast.OperationDefinition
	switch {
	case name != "":
		op = doc.Operations.ForName(name)
		if op == nil {
			return nil, fmt.Errorf("unknown operation %q", name)
		}
	case len(doc.Operations) == 1:
		op = doc.Operations[0]
	case len(doc.Operations) == 0:
		return nil, fmt.Errorf("no operation in request")
	default:
		return nil, fmt.Errorf("operationName is required when the request has %d operations", len(doc.Operations))
	}
	if op.Operation != ast.Subscription {
		return nil, fmt.Errorf("%s operations are not supported", op.Operation)
	}
	return op, nil
}

func (e *SubscriptionExecutor) field(op *ast.OperationDefinition) (*ast.Field, error) {
	if len(op.SelectionSet) != 1 {
		return nil, fmt.Errorf("subscription must select exactly one root field")
	}
	field, ok := op.SelectionSet[0].(*ast.Field)
	if !ok || field.Name != e.fieldName {
		return nil, fmt.Errorf("unknown subscription field; expected %q", e.fieldName)
	}
	return field, nil
}

func errorResult(err error) Result {
	var gqlErr *gqlerror.Error
	if errors.As(err, &gqlErr) {
		return Result{Errors: gqlerror.List{gqlErr}}
	}
	return Result{Errors: gqlerror.List{gqlerror.Wrap(err)}}
}
