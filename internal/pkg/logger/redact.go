package logger

import "strings"

// RedactEmail masks an email address for safe logging.
// "john.doe@example.com" → "jo***@example.com"
// Short local parts (≤2 chars) are fully masked: "ab@example.com" → "***@example.com"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

// RedactCredential masks an SMTP username for safe logging. Relay usernames
// are frequently email addresses; anything else keeps only its first two
// characters.
func RedactCredential(user string) string {
	if strings.Contains(user, "@") {
		return RedactEmail(user)
	}
	if len(user) > 2 {
		return user[:2] + "***"
	}
	return "***"
}
