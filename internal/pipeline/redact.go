package pipeline

import "net/url"

// redact drops credentials and query strings (pre-signed URLs) before logging.
func redact(u *url.URL) string {
	clean := *u
	clean.User = nil
	clean.RawQuery = ""
	clean.Fragment = ""
	return clean.String()
}

// RedactSource is redact for raw references; unparsable input is hidden entirely.
func RedactSource(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid source>"
	}
	return redact(u)
}
