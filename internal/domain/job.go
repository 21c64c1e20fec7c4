package domain

import "time"

// EmailStatus enumerates the terminal states persisted on an email record.
type EmailStatus string

const (
	EmailQueued   EmailStatus = "QUEUED"
	EmailSent     EmailStatus = "SENT"
	EmailError    EmailStatus = "ERROR"
	EmailSuppress EmailStatus = "SUPPRESS"
	EmailLimit    EmailStatus = "LIMIT"
)

// TransportKind selects which transport adapter delivers a job.
type TransportKind string

const (
	TransportSMTP TransportKind = "SMTP"
	TransportSES  TransportKind = "SES"
)

// PayloadVersion is the current wire version of EmailJob. Jobs carrying a
// different version are rejected at the queue boundary rather than
// best-effort parsed.
const PayloadVersion = 1

// EmailJob is the payload of one send-one-email job. It is self-contained:
// the worker needs no lookups to evaluate the pause, window, and throttle
// gates, only to render and deliver.
type EmailJob struct {
	Version        int           `json:"version"`
	EmailID        string        `json:"emailId"`
	CampaignID     string        `json:"campaignId"`
	OrganizationID string        `json:"organizationId"`
	RecipientID    string        `json:"recipientId"`
	RecipientEmail string        `json:"recipientEmail"`
	FirstName      string        `json:"firstName,omitempty"`
	LastName       string        `json:"lastName,omitempty"`
	CompanyName    string        `json:"companyName,omitempty"`
	SenderID       string        `json:"senderId"`
	SenderEmail    string        `json:"senderEmail"`
	Transport      TransportKind `json:"transport"`

	// Sending window, denormalized from the campaign at enqueue time.
	StartTimeUTC string   `json:"startTimeUTC,omitempty"` // "HH:mm", empty = unbounded
	EndTimeUTC   string   `json:"endTimeUTC,omitempty"`
	ActiveDays   []string `json:"activeDays,omitempty"` // empty = every day
	Timezone     string   `json:"timezone,omitempty"`

	// ActualInterval is this job's spacing from its predecessor in the
	// original batch, in milliseconds. Reschedules walk it forward to
	// preserve relative ordering.
	ActualInterval int64 `json:"actualInterval"`

	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// CampaignOrg is the organization context carried alongside every job.
type CampaignOrg struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Priority labels map to numeric ranks; lower runs first, equal ranks run
// FIFO.
const (
	PriorityMostImportant = 1
	PriorityHigh          = 5
	PriorityMedium        = 10 // default
	PriorityLow           = 50
)

var priorityRanks = map[string]int{
	"MOST_IMPORTANT": PriorityMostImportant,
	"HIGH":           PriorityHigh,
	"MEDIUM":         PriorityMedium,
	"LOW":            PriorityLow,
}

// PriorityRank maps a priority label to its numeric rank. Unknown labels
// fall back to MEDIUM.
func PriorityRank(label string) int {
	if rank, ok := priorityRanks[label]; ok {
		return rank
	}
	return PriorityMedium
}
