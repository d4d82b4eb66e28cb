// Package router fans normalized events out to registered sinks. Delivery is
// synchronous and in registration order so a sink observes events in stream
// order; a failing sink is logged and skipped, never stalls the stream.
package router

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/feedmux/internal/errs"
	"github.com/coachpo/feedmux/internal/observability"
	"github.com/coachpo/feedmux/internal/schema"
)

// Sink consumes canonical events. Implementations live in the sink package;
// the interface is declared here, on the consumer side.
type Sink interface {
	Write(ctx context.Context, evt *schema.Event) error
}

// Filter narrows a registration to one exchange and/or symbol. Empty fields
// match everything.
type Filter struct {
	Exchange string
	Symbol   string
}

func (f Filter) matches(evt *schema.Event) bool {
	if f.Exchange != "" && f.Exchange != evt.Exchange {
		return false
	}
	if f.Symbol != "" && f.Symbol != evt.Symbol {
		return false
	}
	return true
}

type binding struct {
	filter Filter
	sink   Sink
}

// Router is the event dispatch fabric.
type Router struct {
	routes    map[schema.EventType][]binding
	coalescer *Coalescer

	dispatched metric.Int64Counter
	sinkErrors metric.Int64Counter
}

// Option configures a Router.
type Option func(*Router)

// WithCoalescer routes order events through c before delivery, replacing the
// raw payload with the accumulated order state.
func WithCoalescer(c *Coalescer) Option {
	return func(r *Router) { r.coalescer = c }
}

// New builds an empty router.
func New(opts ...Option) (*Router, error) {
	meter := otel.Meter("feedmux/router")
	dispatched, err := meter.Int64Counter("feedmux.router.dispatched")
	if err != nil {
		return nil, err
	}
	sinkErrors, err := meter.Int64Counter("feedmux.router.sink_errors")
	if err != nil {
		return nil, err
	}
	r := &Router{
		routes:     make(map[schema.EventType][]binding),
		dispatched: dispatched,
		sinkErrors: sinkErrors,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Register binds a sink to an event kind under an optional filter. All
// registration happens before streaming starts; Emit does not lock.
func (r *Router) Register(kind schema.EventType, filter Filter, s Sink) {
	r.routes[kind] = append(r.routes[kind], binding{filter: filter, sink: s})
}

// Emit delivers one event to every matching sink in registration order.
// Implements dialect.Emitter.
func (r *Router) Emit(ctx context.Context, evt *schema.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if evt.Type == schema.EventOrder && r.coalescer != nil {
		payload, ok := evt.Payload.(schema.OrderPayload)
		if ok {
			state, err := r.coalescer.Merge(ctx, evt.Exchange, evt.Symbol, payload, evt.Timestamp)
			if err != nil {
				r.reportSinkError(ctx, evt, err)
			} else {
				merged := *evt
				merged.Payload = state
				evt = &merged
			}
		}
	}

	r.dispatched.Add(ctx, 1, metric.WithAttributes(
		attribute.String("exchange", evt.Exchange),
		attribute.String("type", string(evt.Type)),
	))

	for _, b := range r.routes[evt.Type] {
		if !b.filter.matches(evt) {
			continue
		}
		if err := b.sink.Write(ctx, evt); err != nil {
			r.reportSinkError(ctx, evt, errs.New(errs.KindSinkError,
				errs.WithExchange(evt.Exchange), errs.WithMessage("sink write"), errs.WithCause(err)))
		}
	}

	// Once every sink has seen an order's final state, nothing remains
	// pending for it.
	if r.coalescer != nil && evt.Type == schema.EventOrder {
		if state, ok := evt.Payload.(*schema.OrderState); ok && state.Status.Terminal() {
			if _, err := r.coalescer.ConsumeUnhandled(ctx, evt.Exchange, state.OrderID); err != nil {
				r.reportSinkError(ctx, evt, err)
			}
		}
	}
	return nil
}

func (r *Router) reportSinkError(ctx context.Context, evt *schema.Event, err error) {
	r.sinkErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("exchange", evt.Exchange)))
	observability.Log().Error("sink delivery failed",
		observability.F("exchange", evt.Exchange),
		observability.F("symbol", evt.Symbol),
		observability.F("type", string(evt.Type)),
		observability.F("error", err),
	)
}
