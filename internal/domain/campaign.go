package domain

// CampaignStatus enumerates campaign-level states written by the dispatcher.
type CampaignStatus string

const (
	CampaignActive    CampaignStatus = "ACTIVE"
	CampaignCompleted CampaignStatus = "COMPLETED"
	CampaignLimit     CampaignStatus = "LIMIT"
)

// Campaign is the sending configuration read from the relational store.
// The paused flag is deliberately absent: pause state is registry
// membership, not a campaign column.
type Campaign struct {
	ID             string
	OrganizationID string
	Name           string
	Subject        string
	SenderName     string
	SenderEmail    string
	ReplyToEmail   string
	HTMLBody       string
	Status         CampaignStatus

	// Sending window. StartTimeUTC/EndTimeUTC are "HH:mm" in UTC; empty
	// means unbounded on that side. ActiveDays holds upper-case weekday
	// names; empty means every day. Timezone applies to weekday
	// evaluation only.
	StartTimeUTC string
	EndTimeUTC   string
	ActiveDays   []string
	Timezone     string
}

// Organization carries the sending allowance the quota governor enforces.
type Organization struct {
	ID             string
	Name           string
	AllowedEmails  int64
	SentEmailCount int64
	Blocked        bool
}

// SMTPCredentials identify one relay sending identity. BindAddr optionally
// pins the local source address and participates in the pool key.
type SMTPCredentials struct {
	Host     string
	Port     int
	User     string
	Password string
	BindAddr string
}
