// Package sanitize normalizes free-text admin input before it is stored.
// Single-line fields are escaped outright; user notes and host remarks keep
// the small markup subset the panel renders.
package sanitize

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// notePolicy strips everything the note/remark renderer does not show.
var notePolicy = func() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowElements("p", "pre", "code", "blockquote")
	return p
}()

// Text trims and HTML-escapes a single-line field: usernames, service
// names, search queries, host addresses.
func Text(input string) string {
	return html.EscapeString(strings.TrimSpace(input))
}

func TextPtr(input *string) *string {
	if input == nil {
		return nil
	}
	value := Text(*input)
	return &value
}

// Markdown sanitizes a note or remark body through the note policy.
func Markdown(input string) string {
	value := strings.TrimSpace(input)
	if value == "" {
		return ""
	}
	return notePolicy.Sanitize(value)
}

func MarkdownPtr(input *string) *string {
	if input == nil {
		return nil
	}
	value := Markdown(*input)
	return &value
}
