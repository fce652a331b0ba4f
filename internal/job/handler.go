package job

import "context"

// Handler executes one attempt of a job. A returned error whose chain
// reports Retriable() == false fails the job without further attempts.
type Handler interface {
	Handle(ctx context.Context, j *Job) (map[string]any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, j *Job) (map[string]any, error)

// Handle calls f(ctx, j).
func (f HandlerFunc) Handle(ctx context.Context, j *Job) (map[string]any, error) {
	return f(ctx, j)
}

// Listener observes jobs reaching a terminal state (completed, failed or
// cancelled). Implementations must not block.
type Listener interface {
	OnJobFinished(ctx context.Context, v View)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ctx context.Context, v View)

// OnJobFinished calls f(ctx, v).
func (f ListenerFunc) OnJobFinished(ctx context.Context, v View) {
	f(ctx, v)
}
