package dispatch

import "time"

// Classification is the policy bucket for a provider rejection code.
type Classification int

const (
	// ClassUnclassified codes follow the generic failure path: the queue's
	// own attempt and backoff policy governs further retries.
	ClassUnclassified Classification = iota
	// ClassReputationDefer codes signal volume or reputation pushback.
	// Continuing to hit the sender invites harder blocking, so every
	// pending job for that sender in the campaign is deferred.
	ClassReputationDefer
)

// Rule is the policy attached to one provider code.
type Rule struct {
	Class Classification
	Defer time.Duration // deferral window for ClassReputationDefer
}

// DefaultReputationDefer is how long a sender is backed off when a provider
// rejects for reputation reasons.
const DefaultReputationDefer = 8 * time.Hour

// defaultReputationCodes are the SMTP codes treated as reputation pushback:
// 421/450/451/452 transient relay and rate rejections, 550/554 policy
// blocks that in practice clear after volume drops.
var defaultReputationCodes = []int{421, 450, 451, 452, 550, 554}

// RetryClassifier maps provider rejection codes to policy. The whole policy
// lives in this one table; call sites never switch on codes themselves.
type RetryClassifier struct {
	rules map[int]Rule
}

// NewRetryClassifier builds the default table. Overrides replace or extend
// per-code deferral windows from configuration; a zero duration in the
// overrides removes the code from the reputation set.
func NewRetryClassifier(overrides map[int]time.Duration) *RetryClassifier {
	rules := make(map[int]Rule, len(defaultReputationCodes)+len(overrides))
	for _, code := range defaultReputationCodes {
		rules[code] = Rule{Class: ClassReputationDefer, Defer: DefaultReputationDefer}
	}
	for code, d := range overrides {
		if d <= 0 {
			delete(rules, code)
			continue
		}
		rules[code] = Rule{Class: ClassReputationDefer, Defer: d}
	}
	return &RetryClassifier{rules: rules}
}

// Classify returns the policy for a provider code. Unknown codes come back
// as ClassUnclassified.
func (c *RetryClassifier) Classify(code int) Rule {
	if rule, ok := c.rules[code]; ok {
		return rule
	}
	return Rule{Class: ClassUnclassified}
}
