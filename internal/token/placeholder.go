// Package token implements the placeholder codec and the scoped token
// map that backs redaction and restoration.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Marker is the literal opening of every placeholder. Wire contract:
// changing it breaks token maps in flight.
const Marker = "«token:"

// placeholderRe recognizes complete placeholders. The exact shape is a
// wire contract shared with the streaming detokenizer.
var placeholderRe = regexp.MustCompile(`«token:[A-Z_]+:[0-9a-f]{4}»`)

// Recognizer returns the compiled placeholder recognition pattern.
func Recognizer() *regexp.Regexp {
	return placeholderRe
}

// Placeholder builds the deterministic surrogate for a raw value:
// «token:TYPE:HHHH» where HHHH is a 4-hex prefix of
// HMAC-SHA256(scopeSalt, raw). The 16-bit prefix collides at modest
// cardinality; placeholders are display identifiers, the token map is
// the lookup authority.
func Placeholder(tokenType, raw string, scopeSalt []byte) string {
	mac := hmac.New(sha256.New, scopeSalt)
	mac.Write([]byte(raw))
	digest := hex.EncodeToString(mac.Sum(nil))
	return Marker + tokenType + ":" + digest[:4] + "»"
}

// ScopeSalt derives per-conversation key material from the process
// secret. Identical raw values map to identical placeholders within a
// conversation and to different placeholders across conversations.
func ScopeSalt(processSecret, conversationID string) []byte {
	if conversationID == "" {
		conversationID = "default"
	}
	mac := hmac.New(sha256.New, []byte(processSecret))
	mac.Write([]byte(conversationID))
	return mac.Sum(nil)
}

// IsPlaceholderPrefix reports whether s is a strict prefix of some
// well-formed placeholder. The streaming detokenizer uses this to
// decide whether a chunk tail must be retained for the next chunk.
func IsPlaceholderPrefix(s string) bool {
	if s == "" {
		return false
	}
	if len(s) < len(Marker) {
		return strings.HasPrefix(Marker, s)
	}
	if !strings.HasPrefix(s, Marker) {
		return false
	}

	rest := s[len(Marker):]
	i := 0
	for i < len(rest) && (rest[i] == '_' || (rest[i] >= 'A' && rest[i] <= 'Z')) {
		i++
	}
	if i == len(rest) {
		return true
	}
	if i == 0 || rest[i] != ':' {
		return false
	}

	hex := rest[i+1:]
	j := 0
	for j < len(hex) && j < 4 && isHexDigit(hex[j]) {
		j++
	}
	if j == len(hex) {
		return true
	}
	if j < 4 {
		return false
	}
	// Four hex digits consumed; only a partial closing guillemet may
	// follow (a complete one would have matched the recognizer).
	return hex[j:] == "\xc2"
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}
