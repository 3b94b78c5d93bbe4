package attendance

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

// QRPayload renders the scan link embedded in a session's QR image. It
// is the only place the session token leaves the server.
func QRPayload(s Session) string {
	return fmt.Sprintf("attendance://scan?sid=%s&t=%s", url.QueryEscape(s.ID), url.QueryEscape(s.Token))
}

// Payload is the decoded form of a redemption attempt. Exactly one of
// the two shapes is populated: a 6-digit fallback Code, or a SessionID
// plus the literal Token lifted from a QR link.
type Payload struct {
	SessionID string
	Token     string
	Code      string
}

// ParsePayload accepts the three redemption shapes: a bare 6-digit
// fallback code, a scan link (custom scheme or absolute URL) carrying
// sid and t query parameters, and any string that merely contains a
// sid=...&t=... fragment. Anything else is an InvalidPayload rejection.
func ParsePayload(raw string) (Payload, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Payload{}, reject(InvalidPayload, "empty payload")
	}

	if isDigits(raw) {
		if len(raw) != 6 {
			return Payload{}, reject(InvalidPayload, "numeric code must be 6 digits")
		}
		return Payload{Code: raw}, nil
	}

	if u, err := url.Parse(raw); err == nil {
		q := u.Query()
		if sid, tok := q.Get("sid"), q.Get("t"); sid != "" && tok != "" {
			return Payload{SessionID: sid, Token: tok}, nil
		}
	}

	// Lenient fallback: pull the query-shaped fragment out of whatever
	// the scanner handed us.
	if sid, tok := scanQueryFragment(raw); sid != "" && tok != "" {
		return Payload{SessionID: sid, Token: tok}, nil
	}

	return Payload{}, reject(InvalidPayload, "no sid/t pair found")
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// scanQueryFragment finds sid= and t= pairs anywhere in raw, treating ?,
// &, # and whitespace as separators.
func scanQueryFragment(raw string) (sid, token string) {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '?' || r == '&' || r == '#' || unicode.IsSpace(r)
	})
	for _, f := range fields {
		switch {
		case strings.HasPrefix(f, "sid="):
			if v, err := url.QueryUnescape(f[len("sid="):]); err == nil {
				sid = v
			}
		case strings.HasPrefix(f, "t="):
			if v, err := url.QueryUnescape(f[len("t="):]); err == nil {
				token = v
			}
		}
	}
	return sid, token
}
