package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

// State is a job's position in the queue lifecycle. Terminal outcomes are
// not states: completed and exhausted jobs are removed.
type State string

const (
	StateWaiting State = "waiting"
	StateDelayed State = "delayed"
	StateActive  State = "active"
)

// Sentinel errors surfaced by queue operations.
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobActive         = errors.New("job is active and cannot be modified")
	ErrDuplicateJobID    = errors.New("job id already exists")
	ErrAttemptsExhausted = errors.New("job attempts exhausted")
	ErrInvalidPayload    = errors.New("invalid job payload")
	ErrLeaseLost         = errors.New("job lease no longer held")
)

// JobData is the versioned payload stored with every job.
type JobData struct {
	Email       domain.EmailJob    `json:"email"`
	CampaignOrg domain.CampaignOrg `json:"campaignOrg"`
}

// Validate rejects malformed payloads at the queue boundary. A payload that
// fails here is never enqueued and never parsed best-effort on the way out.
func (d *JobData) Validate() error {
	if d.Email.Version != domain.PayloadVersion {
		return fmt.Errorf("%w: payload version %d, want %d", ErrInvalidPayload, d.Email.Version, domain.PayloadVersion)
	}
	if d.Email.EmailID == "" || d.Email.CampaignID == "" {
		return fmt.Errorf("%w: missing email or campaign id", ErrInvalidPayload)
	}
	if d.CampaignOrg.ID == "" {
		return fmt.Errorf("%w: missing organization id", ErrInvalidPayload)
	}
	if d.Email.RecipientEmail == "" || d.Email.SenderEmail == "" {
		return fmt.Errorf("%w: missing recipient or sender address", ErrInvalidPayload)
	}
	return nil
}

// Job is a queued send-one-email unit as read back from the substrate.
type Job struct {
	ID          string
	Name        string
	Data        JobData
	Priority    int
	State       State
	Attempts    int
	MaxAttempts int
	EnqueuedAt  time.Time
	ReadyAt     time.Time // meaningful for delayed jobs
}

// Options control a single enqueue.
type Options struct {
	JobID       string
	Delay       time.Duration
	Priority    int
	MaxAttempts int           // 0 uses the queue default
	Backoff     time.Duration // base for exponential backoff; 0 uses default
}

// BulkEntry pairs a payload with its enqueue options for EnqueueBulk.
type BulkEntry struct {
	Name string
	Data JobData
	Opts Options
}

// Counts reports queue depth per state.
type Counts struct {
	Waiting int64 `json:"waiting"`
	Delayed int64 `json:"delayed"`
	Active  int64 `json:"active"`
}

func marshalData(d *JobData) (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal job payload: %w", err)
	}
	return string(b), nil
}

func unmarshalData(raw string, d *JobData) error {
	if err := json.Unmarshal([]byte(raw), d); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return d.Validate()
}
