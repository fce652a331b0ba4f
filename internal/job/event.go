package job

import (
	"provisioner/pkg/cloudevent"
)

// Event types for job terminal callbacks
const (
	EventTypeCompleted = "provisioner.job.completed"
	EventTypeFailed    = "provisioner.job.failed"
	EventTypeCancelled = "provisioner.job.cancelled"
)

// EventType maps a terminal status to its webhook event type.
// It returns "" for non-terminal statuses.
func EventType(s Status) string {
	switch s {
	case StatusCompleted:
		return EventTypeCompleted
	case StatusFailed:
		return EventTypeFailed
	case StatusCancelled:
		return EventTypeCancelled
	default:
		return ""
	}
}

// BuildEvent creates the CloudEvent announcing a finished job.
// It returns nil for jobs that have not finished.
func BuildEvent(source string, v View) *cloudevent.CloudEvent {
	eventType := EventType(v.Status)
	if eventType == "" {
		return nil
	}

	data := map[string]any{
		"jobId":    v.ID,
		"jobType":  string(v.Type),
		"status":   string(v.Status),
		"attempts": v.Attempts,
	}
	if v.UserID != nil {
		data["userId"] = *v.UserID
	}
	if v.CompletedAt != nil {
		data["completedAt"] = v.CompletedAt.UTC()
	}
	if v.Error != "" {
		data["error"] = v.Error
	}
	if len(v.Result) > 0 {
		data["result"] = v.Result
	}
	return cloudevent.New(eventType, source, v.ID, data)
}
