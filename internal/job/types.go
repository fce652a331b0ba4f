// Package job implements the in-memory priority job queue and the job
// service consumed by the HTTP API.
package job

import (
	"context"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Type identifies the handler a job is routed to.
type Type string

// Job types
const (
	TypeMachineStart  Type = "machine_start"
	TypeMachineStop   Type = "machine_stop"
	TypeMachineReset  Type = "machine_reset"
	TypeMachineExtend Type = "machine_extend"
	TypeChainStart    Type = "chain_start"
	TypeChainStop     Type = "chain_stop"
	TypeCleanup       Type = "cleanup"
	TypeHealthCheck   Type = "health_check"
)

// Types lists every job type in registration order.
var Types = []Type{
	TypeMachineStart,
	TypeMachineStop,
	TypeMachineReset,
	TypeMachineExtend,
	TypeChainStart,
	TypeChainStop,
	TypeCleanup,
	TypeHealthCheck,
}

// Valid reports whether t is a known job type.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of a job.
type Status string

// Status constants
const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority orders the queue. Lower values are served first.
type Priority int

// Priority levels
const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

var priorityNames = [...]string{"critical", "high", "normal", "low", "background"}

func (p Priority) String() string {
	if p.Valid() {
		return priorityNames[p]
	}
	return "unknown"
}

// Valid reports whether p is one of the defined levels.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// ParsePriority accepts a level name or its numeric value.
// An empty string yields PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PriorityNormal, nil
	}
	for i, name := range priorityNames {
		if s == name {
			return Priority(i), nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && Priority(n).Valid() {
		return Priority(n), nil
	}
	return 0, errors.Newf("unknown priority %q", s)
}

// Callback runs after a job completes successfully. Its error is logged
// and never changes the job's outcome.
type Callback func(ctx context.Context, j *Job) error

// Webhook is an optional completion notification target.
type Webhook struct {
	URL string `json:"url"`
	Key string `json:"-"` // HMAC signing key
}

// Job is a unit of work tracked by the queue. Fields are owned by the
// queue; handlers read Payload and UserID and must not mutate the job.
type Job struct {
	ID          string
	Type        Type
	Priority    Priority
	UserID      int64 // 0 for system jobs
	Payload     map[string]any
	Status      Status
	Attempts    int
	MaxAttempts int
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       string
	Result      map[string]any
	Callback    Callback
	DedupKey    string
	Webhook     *Webhook

	seq uint64
}

// String returns a string payload value, or "" when absent.
func (j *Job) String(key string) string {
	v, _ := j.Payload[key].(string)
	return v
}

// Int64 returns an integer payload value. Numbers decoded from JSON
// arrive as float64 and numeric strings are accepted.
func (j *Job) Int64(key string) (int64, bool) {
	switch v := j.Payload[key].(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// Bool returns a boolean payload value, or def when absent or not a bool.
func (j *Job) Bool(key string, def bool) bool {
	if v, ok := j.Payload[key].(bool); ok {
		return v
	}
	return def
}

// View is a read-only, JSON-friendly copy of a job.
type View struct {
	ID          string         `json:"job_id"`
	Type        Type           `json:"job_type"`
	UserID      *int64         `json:"user_id"`
	Status      Status         `json:"status"`
	Priority    string         `json:"priority"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at"`
	Error       string         `json:"error,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Webhook     *Webhook       `json:"-"`
}

func (j *Job) view() View {
	v := View{
		ID:          j.ID,
		Type:        j.Type,
		Status:      j.Status,
		Priority:    j.Priority.String(),
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		CreatedAt:   j.CreatedAt,
		StartedAt:   copyTime(j.StartedAt),
		CompletedAt: copyTime(j.CompletedAt),
		Error:       j.Error,
		Result:      maps.Clone(j.Result),
		Webhook:     j.Webhook,
	}
	if j.UserID != 0 {
		uid := j.UserID
		v.UserID = &uid
	}
	return v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// EnqueueRequest describes a job to add to the queue. The zero Priority is
// PriorityCritical; callers set the level explicitly.
type EnqueueRequest struct {
	Type        Type
	UserID      int64
	Payload     map[string]any
	Priority    Priority
	MaxAttempts int // 0 uses the queue default
	DedupKey    string
	Callback    Callback
	Webhook     *Webhook
}

// QueueStatus summarizes queue occupancy and lifetime counters.
type QueueStatus struct {
	QueueLength   int            `json:"queue_length"`
	RunningJobs   int            `json:"running_jobs"`
	TotalJobs     int            `json:"total_jobs"`
	CompletedJobs int            `json:"completed_jobs"`
	FailedJobs    int            `json:"failed_jobs"`
	RetriedJobs   int            `json:"retried_jobs"`
	ByStatus      map[Status]int `json:"by_status"`
	Workers       int            `json:"workers"`
	IsRunning     bool           `json:"is_running"`
}
