package job

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"provisioner/internal/apperrors"
)

// Validation limits
const (
	maxDedupKeyLength = 128
	maxPayloadEntries = 32
	maxAttemptsLimit  = 10
	maxWebhookKeyLen  = 256
)

// dedupKeyPattern allows alphanumeric, hyphens, underscores, dots and colons
var dedupKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.:-]*$`)

// requiredPayload lists the payload keys each job type cannot run without.
var requiredPayload = map[Type][]string{
	TypeMachineStart:  {"instance_id", "template_id"},
	TypeMachineStop:   {"instance_id"},
	TypeMachineReset:  {"instance_id"},
	TypeMachineExtend: {"instance_id"},
	TypeChainStart:    {"chain_id", "chain_instance_id"},
	TypeChainStop:     {"chain_instance_id"},
}

// CreateRequest is the API body for submitting a job.
type CreateRequest struct {
	Type        string         `json:"type"`
	UserID      int64          `json:"user_id"`
	Payload     map[string]any `json:"payload"`
	Priority    string         `json:"priority"`
	DedupKey    string         `json:"dedup_key"`
	MaxAttempts int            `json:"max_attempts"`
	Callback    *CallbackSpec  `json:"callback,omitempty"`
}

// CallbackSpec requests a webhook when the job finishes.
type CallbackSpec struct {
	URL string `json:"url"`
	Key string `json:"key,omitempty"` // HMAC signing key
}

// CreateResponse is returned when a job is accepted.
type CreateResponse struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

// Service validates API requests and fronts the queue.
type Service struct {
	queue  *Queue
	logger *zap.SugaredLogger
}

// NewService creates a new job service.
func NewService(queue *Queue, logger *zap.SugaredLogger) *Service {
	return &Service{
		queue:  queue,
		logger: logger.Named("jobs"),
	}
}

// Create validates and enqueues a job. A deduplicated request returns the
// id and current status of the existing job.
func (s *Service) Create(ctx context.Context, req *CreateRequest) (*CreateResponse, error) {
	enq, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	id, err := s.queue.Enqueue(ctx, enq)
	if err != nil {
		s.logger.Errorw("Job enqueue failed", "jobType", req.Type, "error", err)
		return nil, err
	}

	status, ok := s.queue.Status(id)
	if !ok {
		status = StatusQueued
	}
	return &CreateResponse{ID: id, Status: status}, nil
}

// Get returns a job by id.
func (s *Service) Get(_ context.Context, id string) (View, error) {
	v, ok := s.queue.Get(id)
	if !ok {
		return View{}, apperrors.NotFound("job", id)
	}
	return v, nil
}

// Cancel cancels a job that has not started yet.
func (s *Service) Cancel(_ context.Context, id string) error {
	if s.queue.Cancel(id) {
		return nil
	}
	status, ok := s.queue.Status(id)
	if !ok {
		return apperrors.NotFound("job", id)
	}
	return apperrors.Conflict("job", id, fmt.Sprintf("cannot cancel a job in status %s", status))
}

// UserJobs lists a user's most recent jobs.
func (s *Service) UserJobs(_ context.Context, userID int64, limit int) ([]View, error) {
	if userID <= 0 {
		return nil, apperrors.Validation("userId", "user id must be positive")
	}
	return s.queue.UserJobs(userID, limit), nil
}

// QueueStatus reports queue occupancy.
func (s *Service) QueueStatus(_ context.Context) QueueStatus {
	return s.queue.QueueStatus()
}

// validate checks an API request and converts it to an EnqueueRequest.
// Does not modify the request.
func (s *Service) validate(req *CreateRequest) (EnqueueRequest, error) {
	t := Type(req.Type)
	if req.Type == "" {
		return EnqueueRequest{}, apperrors.Validation("type", "job type is required")
	}
	if !t.Valid() {
		return EnqueueRequest{}, apperrors.Validation("type", fmt.Sprintf("unknown job type %q", req.Type))
	}

	if req.UserID < 0 {
		return EnqueueRequest{}, apperrors.Validation("user_id", "user id cannot be negative")
	}

	priority, err := ParsePriority(req.Priority)
	if err != nil {
		return EnqueueRequest{}, apperrors.Validation("priority", err.Error())
	}

	if req.MaxAttempts < 0 || req.MaxAttempts > maxAttemptsLimit {
		return EnqueueRequest{}, apperrors.Validation("max_attempts", fmt.Sprintf("max_attempts must be between 0 and %d", maxAttemptsLimit))
	}

	if req.DedupKey != "" {
		if len(req.DedupKey) > maxDedupKeyLength {
			return EnqueueRequest{}, apperrors.Validation("dedup_key", fmt.Sprintf("dedup key exceeds maximum length of %d", maxDedupKeyLength))
		}
		if !dedupKeyPattern.MatchString(req.DedupKey) {
			return EnqueueRequest{}, apperrors.Validation("dedup_key", "dedup key must be alphanumeric (hyphens, underscores, dots and colons allowed)")
		}
	}

	if len(req.Payload) > maxPayloadEntries {
		return EnqueueRequest{}, apperrors.Validation("payload", fmt.Sprintf("payload exceeds maximum of %d entries", maxPayloadEntries))
	}
	for _, key := range requiredPayload[t] {
		if v, ok := req.Payload[key]; !ok || v == nil || v == "" {
			return EnqueueRequest{}, apperrors.Validation("payload."+key, key+" is required")
		}
	}

	webhook, err := ParseCallback(req.Callback)
	if err != nil {
		return EnqueueRequest{}, err
	}

	return EnqueueRequest{
		Type:        t,
		UserID:      req.UserID,
		Payload:     req.Payload,
		Priority:    priority,
		MaxAttempts: req.MaxAttempts,
		DedupKey:    req.DedupKey,
		Webhook:     webhook,
	}, nil
}

// ParseCallback validates a callback request. A nil or empty spec yields
// no webhook.
func ParseCallback(spec *CallbackSpec) (*Webhook, error) {
	if spec == nil || spec.URL == "" {
		return nil, nil
	}
	if err := validateURL(spec.URL); err != nil {
		return nil, apperrors.Validation("callback.url", fmt.Sprintf("invalid callback URL: %v", err))
	}
	if len(spec.Key) > maxWebhookKeyLen {
		return nil, apperrors.Validation("callback.key", fmt.Sprintf("callback key exceeds maximum length of %d", maxWebhookKeyLen))
	}
	return &Webhook{URL: spec.URL, Key: spec.Key}, nil
}

func validateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return errors.Newf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return errors.New("URL must have a host")
	}
	return nil
}
