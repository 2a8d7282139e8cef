// Package provider adapts the gateway to the request and response
// envelopes of the upstream LLM APIs. Each adapter knows how to pull
// message text out of a request body, push rewritten text back in, and
// rewrite one streaming line at a time.
package provider

import "strings"

// Adapter maps between the gateway's plain-text view of a conversation
// and one provider's wire format.
type Adapter interface {
	// Name identifies the provider ("openai", "anthropic", "gemini").
	Name() string

	// ExtractMessages returns the text of each message in body, aligned
	// by index. Messages without extractable text yield "".
	ExtractMessages(body map[string]any) []string

	// InjectMessages writes texts back into body at the same indexes.
	// Empty entries leave the original message untouched.
	InjectMessages(body map[string]any, texts []string)

	// ExtractResponseText returns the primary text of a non-streaming
	// response body.
	ExtractResponseText(body map[string]any) string

	// InjectResponseText replaces the primary text of a non-streaming
	// response body.
	InjectResponseText(body map[string]any, text string)

	// StreamingRequested reports whether the request asks for a
	// streaming response.
	StreamingRequested(path string, body map[string]any) bool

	// RewriteStreamLine applies rewrite to the text payload of one
	// stream line and reports whether the line terminates the stream.
	// Lines without text pass through unchanged.
	RewriteStreamLine(line string, rewrite func(string) string) (out string, terminal bool)

	// TextFrame synthesizes a stream line carrying text, for flushing
	// retained detokenizer buffer before the stream ends.
	TextFrame(text string) string
}

// ForPath selects the adapter for an upstream API path. Returns nil
// when the path is not a recognized completion endpoint.
func ForPath(path string) Adapter {
	switch {
	case strings.Contains(path, "/v1/chat/completions"):
		return OpenAI{}
	case strings.Contains(path, "/v1/messages"):
		return Anthropic{}
	case strings.Contains(path, ":generateContent"), strings.Contains(path, ":streamGenerateContent"):
		return Gemini{}
	}
	return nil
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
