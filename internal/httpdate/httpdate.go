// Package httpdate formats and parses RFC 7231 IMF-fixdate timestamps,
// grounded on
// original_source/poseidon/http/http_datetime.cpp/.hpp (named in the
// supplemented features list, spec.md §1 leaves HTTP header parsing
// grammar out of scope but the Date header value format is a narrow,
// self-contained utility worth carrying).
package httpdate

import "time"

// Layout is the IMF-fixdate format required by RFC 7231 §7.1.1.1 for the
// Date, Last-Modified, Expires, and If-Modified-Since headers.
const Layout = "Mon, 02 Jan 2006 15:04:05 GMT"

// Format renders t as an IMF-fixdate string in GMT.
func Format(t time.Time) string {
	return t.UTC().Format(Layout)
}

// Now returns the current time formatted as an IMF-fixdate string.
func Now() string {
	return Format(time.Now())
}

// Parse accepts IMF-fixdate and the two obsolete RFC 7231 formats
// (rfc850-date and asctime-date) that a conforming HTTP server must still
// tolerate when reading incoming headers.
func Parse(s string) (time.Time, error) {
	layouts := []string{
		Layout,
		"Monday, 02-Jan-06 15:04:05 GMT", // rfc850-date
		"Mon Jan  2 15:04:05 2006",       // asctime-date
	}
	var lastErr error
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}
