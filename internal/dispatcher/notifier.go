package dispatcher

import (
	"context"

	"go.uber.org/zap"

	"provisioner/internal/job"
)

// DefaultSource is the CloudEvents source used when none is configured.
const DefaultSource = "provisioner"

// Notifier turns finished jobs that carry a webhook into dispatched events.
type Notifier struct {
	dispatcher Dispatcher
	source     string
	logger     *zap.SugaredLogger
}

var _ job.Listener = (*Notifier)(nil)

// NewNotifier creates a job listener that posts to d.
func NewNotifier(d Dispatcher, source string, logger *zap.SugaredLogger) *Notifier {
	if source == "" {
		source = DefaultSource
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Notifier{dispatcher: d, source: source, logger: logger.Named("notifier")}
}

// OnJobFinished queues the job's completion event. It never blocks.
func (n *Notifier) OnJobFinished(_ context.Context, v job.View) {
	if v.Webhook == nil || v.Webhook.URL == "" {
		return
	}
	event := job.BuildEvent(n.source, v)
	if event == nil {
		return
	}

	err := n.dispatcher.Dispatch(&Event{
		Payload:     event,
		Destination: v.Webhook.URL,
		SigningKey:  v.Webhook.Key,
	})
	if err != nil {
		n.logger.Warnw("Job webhook not queued", "job_id", v.ID, "status", v.Status, "error", err)
	}
}
