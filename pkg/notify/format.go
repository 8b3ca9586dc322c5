package notify

import (
	"fmt"
	"html"
	"strings"
	"unicode/utf8"
)

const (
	maxTitleLen = 200
	maxBodyLen  = 3500
)

var severityIcons = map[Severity]string{
	SeverityCritical: "🔴",
	SeverityHigh:     "🟠",
	SeverityWarning:  "🟡",
	SeverityInfo:     "🔔",
}

// FormatText renders a message as a single text block for chat channels.
func FormatText(msg Message) string {
	title := clip(msg.Subject, maxTitleLen)
	if title == "" {
		title = "Alert"
	}
	parts := []string{fmt.Sprintf("%s [%s] %s", severityIcons[msg.Severity], strings.ToUpper(string(msg.Severity)), title)}
	body := strings.TrimSpace(msg.Body)
	if body != "" && body != title {
		parts = append(parts, "", clip(body, maxBodyLen))
	}
	return strings.Join(parts, "\n")
}

// FormatEmail renders the subject line and HTML body for email delivery.
func FormatEmail(msg Message) (subject, body string) {
	subject = "[Salesflow] " + clip(msg.Subject, 150)
	text := html.EscapeString(FormatText(msg))
	text = strings.ReplaceAll(text, "\n", "<br>\n")
	body = "<div style='font-family: sans-serif; max-width: 600px;'><pre style='white-space: pre-wrap;'>" +
		text + "</pre></div>"
	return subject, body
}

// clip truncates s to at most n runes.
func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
