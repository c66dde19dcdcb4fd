package observability

import (
	"net/url"
	"strings"
	"unicode"
)

const (
	maxTargetRunes = 180
	maxMethodRunes = 10
)

// RedactURL reduces an outbound request target to scheme, host and path for spans
// and log lines. Credentials, query strings and fragments are dropped because
// cart endpoints may carry tokens there.
func RedactURL(target string) string {
	if strings.TrimSpace(target) == "" {
		return "/"
	}
	u, err := url.Parse(target)
	if err != nil {
		// Unparseable targets still get the query cut off by hand.
		if i := strings.IndexAny(target, "?#"); i >= 0 {
			target = target[:i]
		}
		return printable(target, maxTargetRunes)
	}
	redacted := url.URL{Scheme: u.Scheme, Host: u.Host, Path: u.Path, RawPath: u.RawPath}
	out := redacted.String()
	if out == "" {
		out = "/"
	}
	return printable(out, maxTargetRunes)
}

// RedactMethod keeps an HTTP method printable and short.
func RedactMethod(method string) string {
	return strings.ToUpper(printable(method, maxMethodRunes))
}

func printable(value string, limit int) string {
	var b strings.Builder
	n := 0
	for _, r := range value {
		if n == limit {
			break
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}
