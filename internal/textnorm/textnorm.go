// Package textnorm canonicalizes user-visible name fields for stable
// comparison and storage.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// fingerprintSep joins fingerprint fields; it never survives Sanitize, so a
// field value cannot forge a boundary.
const fingerprintSep = "\x1f"

// Sanitize canonicalizes a human/username field:
//
//   - NFC normalize (case is preserved, never folded)
//   - convert all Unicode space separators to ' '
//   - strip invisible format (Cf) and control (Cc) characters
//   - collapse consecutive whitespace to a single space
//   - trim leading/trailing whitespace
//
// Invisible characters and exotic spacing previously caused repeated
// false-positive change announcements; every path that stores or compares
// name fields must go through this.
func Sanitize(v string) string {
	if v == "" {
		return ""
	}
	s := norm.NFC.String(v)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.Is(unicode.Zs, r):
			b.WriteRune(' ')
		case unicode.Is(unicode.Cf, r) || unicode.Is(unicode.Cc, r):
			// dropped; newlines/tabs are not expected in names
		default:
			b.WriteRune(r)
		}
	}

	return strings.Join(strings.Fields(b.String()), " ")
}

// Fingerprint returns a stable equality key over a user's current visible
// identity fields. If any field changes after canonicalization, the
// fingerprint changes.
func Fingerprint(firstName, lastName, username string) string {
	return Sanitize(firstName) + fingerprintSep + Sanitize(lastName) + fingerprintSep + Sanitize(username)
}

// Truncate limits s to at most max runes.
func Truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
