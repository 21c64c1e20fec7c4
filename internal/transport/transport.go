// Package transport delivers rendered campaign emails to providers. It
// holds the Transport interface the dispatch worker sends through, an SMTP
// relay adapter backed by a pooled-session connection pool, and an AWS SES
// adapter.
package transport

import (
	"context"
	"regexp"
	"strings"
)

// Message is one email to deliver.
type Message struct {
	FromName  string
	FromEmail string
	ReplyTo   string
	To        string
	Subject   string
	HTMLBody  string

	// SMTP relay credentials, ignored by provider-API adapters.
	SMTP SMTPAuth
}

// SMTPAuth carries the relay identity for one send.
type SMTPAuth struct {
	Host     string
	Port     int
	User     string
	Password string
	BindAddr string // optional local source address
}

// Result is a provider verdict. A rejection is a Result, not an error:
// errors are reserved for transport-level failures (dial, timeout, IO).
type Result struct {
	Accepted  bool
	MessageID string // provider message id when accepted
	Code      int    // provider status code when rejected
	Response  string // provider response text when rejected
}

// Transport delivers one message and reports the provider verdict.
type Transport interface {
	Send(ctx context.Context, msg *Message) (*Result, error)
}

var (
	tagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	blankRe  = regexp.MustCompile(`\n{3,}`)
	breakRe  = regexp.MustCompile(`(?i)<(?:br\s*/?|/p|/div|/tr|/li|/h[1-6])>`)
	hiddenRe = regexp.MustCompile(`(?is)<(?:style|script|head)[^>]*>.*?</(?:style|script|head)>`)
)

// plainTextFromHTML derives the text/plain alternative for a multipart
// message. Layout fidelity does not matter, only that the part is readable.
func plainTextFromHTML(html string) string {
	text := hiddenRe.ReplaceAllString(html, "")
	text = breakRe.ReplaceAllString(text, "\n")
	text = tagRe.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "&nbsp;", " ")
	text = strings.ReplaceAll(text, "&amp;", "&")
	text = strings.ReplaceAll(text, "&lt;", "<")
	text = strings.ReplaceAll(text, "&gt;", ">")
	text = strings.ReplaceAll(text, "&quot;", `"`)
	text = strings.ReplaceAll(text, "&#39;", "'")
	text = blankRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
