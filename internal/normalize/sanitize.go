package normalize

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var policy = bluemonday.StrictPolicy()

// PlainText strips every HTML element from input and returns the
// remaining text unescaped. Script and style contents are dropped.
func PlainText(input string) string {
	if !strings.ContainsAny(input, "<>&") {
		return input
	}
	return html.UnescapeString(policy.Sanitize(input))
}
