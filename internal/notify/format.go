package notify

import (
	"fmt"
	"html"
	"strings"
)

const (
	maxTextRunes    = 500
	maxShownKeyword = 5
)

// FormatLead renders a lead as a Telegram HTML message.
func FormatLead(lead Lead) string {
	var b strings.Builder
	b.WriteString("<b>New lead</b>")
	if lead.ConfigurationName != "" {
		fmt.Fprintf(&b, " · %s", html.EscapeString(lead.ConfigurationName))
	}
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "<b>Chat:</b> %s\n", html.EscapeString(lead.SourceTitle))
	keywords := lead.Keywords
	if len(keywords) > maxShownKeyword {
		keywords = keywords[:maxShownKeyword]
	}
	fmt.Fprintf(&b, "<b>Keywords:</b> %s\n", html.EscapeString(strings.Join(keywords, ", ")))
	if lead.SenderUsername != "" {
		fmt.Fprintf(&b, "<b>Sender:</b> @%s\n", html.EscapeString(lead.SenderUsername))
	}

	b.WriteString("\n")
	b.WriteString(html.EscapeString(Truncate(lead.Text, maxTextRunes)))

	if lead.Link != "" {
		fmt.Fprintf(&b, "\n\n<a href=\"%s\">Open message</a>", html.EscapeString(lead.Link))
	}
	return b.String()
}

// Truncate shortens s to at most n runes, appending "..." when cut.
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
