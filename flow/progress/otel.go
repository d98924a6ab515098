package progress

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracedFabric decorates a Fabric with OpenTelemetry span events.
//
// Every Publish is recorded as a short span named after the event type,
// carrying the workflow ID, stage and percent as attributes. Error events
// set span status to Error. The inner fabric does the real work; tracing
// failures cannot affect delivery.
type TracedFabric[M any] struct {
	inner  Fabric[M]
	tracer trace.Tracer
}

// NewTracedFabric wraps inner with span emission on the given tracer.
//
//	tracer := otel.Tracer("poflow")
//	fabric := progress.NewTracedFabric(redisFabric, tracer)
func NewTracedFabric[M any](inner Fabric[M], tracer trace.Tracer) *TracedFabric[M] {
	return &TracedFabric[M]{inner: inner, tracer: tracer}
}

// PutWorkflow delegates to the inner fabric.
func (f *TracedFabric[M]) PutWorkflow(ctx context.Context, workflowID string, meta M, ttl time.Duration) error {
	return f.inner.PutWorkflow(ctx, workflowID, meta, ttl)
}

// GetWorkflow delegates to the inner fabric.
func (f *TracedFabric[M]) GetWorkflow(ctx context.Context, workflowID string) (M, error) {
	return f.inner.GetWorkflow(ctx, workflowID)
}

// DeleteWorkflow delegates to the inner fabric.
func (f *TracedFabric[M]) DeleteWorkflow(ctx context.Context, workflowID string) error {
	return f.inner.DeleteWorkflow(ctx, workflowID)
}

// Publish records a span for the event, then delegates.
func (f *TracedFabric[M]) Publish(ctx context.Context, channel string, ev Event) error {
	ctx, span := f.tracer.Start(ctx, "progress."+string(ev.Type),
		trace.WithAttributes(
			attribute.String("workflow.id", ev.WorkflowID),
			attribute.String("workflow.stage", ev.Stage),
			attribute.Int("workflow.percent", ev.Percent),
			attribute.String("channel", channel),
		))
	defer span.End()

	if ev.Type == EventError {
		span.SetStatus(codes.Error, ev.Message)
	}
	return f.inner.Publish(ctx, channel, ev)
}

// Subscribe delegates to the inner fabric.
func (f *TracedFabric[M]) Subscribe(ctx context.Context, channels ...string) (<-chan Event, func(), error) {
	return f.inner.Subscribe(ctx, channels...)
}
