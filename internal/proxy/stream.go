package proxy

import (
	"veil/internal/token"
)

// maxRetainBytes bounds the tail held back between chunks. A complete
// placeholder is well under this.
const maxRetainBytes = 64

// StreamingDetokenizer restores placeholders across chunk boundaries.
// It operates on a snapshot of the token map taken when the stream
// started; placeholders minted later in other requests never resolve.
//
// Each chunk is appended to a small carry buffer, complete placeholders
// are resolved, and any trailing bytes that could still grow into a
// placeholder are held back for the next chunk. Everything else is
// emitted immediately.
type StreamingDetokenizer struct {
	kv     map[string]string
	meta   map[string]string
	allow  map[string]bool
	buffer string
}

// NewStreamingDetokenizer builds a detokenizer over the kv/meta
// snapshot. Only the named categories are restored; secrets are
// excluded regardless of the list.
func NewStreamingDetokenizer(kv, meta map[string]string, allowCategories []string) *StreamingDetokenizer {
	allow := make(map[string]bool, len(allowCategories))
	for _, c := range allowCategories {
		if c == "secret" {
			continue
		}
		allow[c] = true
	}
	return &StreamingDetokenizer{kv: kv, meta: meta, allow: allow}
}

// ProcessChunk consumes one chunk of stream text and returns the bytes
// that are safe to emit now.
func (d *StreamingDetokenizer) ProcessChunk(chunk string) string {
	d.buffer += chunk

	resolved := token.Recognizer().ReplaceAllStringFunc(d.buffer, d.resolve)

	emit, tail := splitRetained(resolved)
	d.buffer = tail
	return emit
}

// Flush returns whatever is still held back, unresolved. Called when
// the stream ends so no bytes are lost.
func (d *StreamingDetokenizer) Flush() string {
	out := d.buffer
	d.buffer = ""
	return out
}

func (d *StreamingDetokenizer) resolve(placeholder string) string {
	raw, ok := d.kv[placeholder]
	if !ok || !d.allow[d.meta[placeholder]] {
		return placeholder
	}
	return raw
}

// splitRetained finds the earliest position in the trailing window
// where the suffix could still be completed into a placeholder by
// later bytes. Complete placeholders left in place (unknown or
// disallowed) are never retained since their closing guillemet fails
// the prefix check.
func splitRetained(s string) (emit, tail string) {
	start := len(s) - maxRetainBytes
	if start < 0 {
		start = 0
	}
	for i := start; i < len(s); i++ {
		// Both guillemets start with 0xc2; the prefix check sorts out
		// which one this is.
		if s[i] != 0xc2 {
			continue
		}
		if token.IsPlaceholderPrefix(s[i:]) {
			return s[:i], s[i:]
		}
	}
	return s, ""
}
