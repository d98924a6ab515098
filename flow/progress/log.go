package progress

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// LoggedFabric decorates a Fabric with structured logging of every published
// event. Events log at debug, error events at warn. The inner fabric does
// the real work.
type LoggedFabric[M any] struct {
	inner Fabric[M]
	log   *logrus.Entry
}

// NewLoggedFabric wraps inner with event logging.
func NewLoggedFabric[M any](inner Fabric[M], log *logrus.Entry) *LoggedFabric[M] {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &LoggedFabric[M]{inner: inner, log: log}
}

// PutWorkflow delegates to the inner fabric.
func (f *LoggedFabric[M]) PutWorkflow(ctx context.Context, workflowID string, meta M, ttl time.Duration) error {
	return f.inner.PutWorkflow(ctx, workflowID, meta, ttl)
}

// GetWorkflow delegates to the inner fabric.
func (f *LoggedFabric[M]) GetWorkflow(ctx context.Context, workflowID string) (M, error) {
	return f.inner.GetWorkflow(ctx, workflowID)
}

// DeleteWorkflow delegates to the inner fabric.
func (f *LoggedFabric[M]) DeleteWorkflow(ctx context.Context, workflowID string) error {
	return f.inner.DeleteWorkflow(ctx, workflowID)
}

// Publish logs the event, then delegates.
func (f *LoggedFabric[M]) Publish(ctx context.Context, channel string, ev Event) error {
	entry := f.log.WithFields(logrus.Fields{
		"channel":  channel,
		"workflow": ev.WorkflowID,
		"stage":    ev.Stage,
		"percent":  ev.Percent,
	})
	if ev.Type == EventError {
		entry.Warn(ev.Message)
	} else {
		entry.Debug(ev.Message)
	}
	return f.inner.Publish(ctx, channel, ev)
}

// Subscribe delegates to the inner fabric.
func (f *LoggedFabric[M]) Subscribe(ctx context.Context, channels ...string) (<-chan Event, func(), error) {
	return f.inner.Subscribe(ctx, channels...)
}
