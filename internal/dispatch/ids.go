package dispatch

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/google/uuid"
)

// JobTypeCampaignEmail is the job type embedded in campaign email job ids.
const JobTypeCampaignEmail = "CAMPAIGN_EMAIL"

var delayedSuffixRe = regexp.MustCompile(`-delayed-(\d+)$`)

// NewJobID builds a job id embedding the campaign and recipient ids plus a
// short random suffix against collisions. The embedded campaign id keeps
// ids greppable even though lookup goes through the campaign index.
func NewJobID(jobType, campaignID, recipientID string) string {
	return fmt.Sprintf("%s-%s-%s-%s", jobType, campaignID, recipientID, uuid.New().String()[:8])
}

// NextDelayedID derives the replacement id for a rescheduled job. A job id
// is never reused for two different scheduled instants: each reschedule
// retires the old id and appends or increments a `-delayed-N` suffix.
func NextDelayedID(id string) string {
	m := delayedSuffixRe.FindStringSubmatch(id)
	if m == nil {
		return id + "-delayed-1"
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return id + "-delayed-1"
	}
	return delayedSuffixRe.ReplaceAllString(id, "") + "-delayed-" + strconv.Itoa(n+1)
}
