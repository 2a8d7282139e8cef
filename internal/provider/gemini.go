package provider

import (
	"encoding/json"
	"strings"
)

// Gemini adapts the generateContent API. Streaming responses are
// newline-delimited JSON objects; a frame with a finishReason
// terminates the stream.
type Gemini struct{}

func (Gemini) Name() string { return "gemini" }

func (Gemini) ExtractMessages(body map[string]any) []string {
	contents := asSlice(body["contents"])
	texts := make([]string, len(contents))
	for i, c := range contents {
		texts[i] = geminiPartText(asMap(c))
	}
	return texts
}

func geminiPartText(content map[string]any) string {
	for _, part := range asSlice(content["parts"]) {
		if text := asString(asMap(part)["text"]); text != "" {
			return text
		}
	}
	return ""
}

func (Gemini) InjectMessages(body map[string]any, texts []string) {
	contents := asSlice(body["contents"])
	for i, c := range contents {
		if i >= len(texts) || texts[i] == "" {
			continue
		}
		for _, part := range asSlice(asMap(c)["parts"]) {
			p := asMap(part)
			if asString(p["text"]) != "" {
				p["text"] = texts[i]
				break
			}
		}
	}
}

func (Gemini) ExtractResponseText(body map[string]any) string {
	candidates := asSlice(body["candidates"])
	if len(candidates) == 0 {
		return ""
	}
	return geminiPartText(asMap(asMap(candidates[0])["content"]))
}

func (Gemini) InjectResponseText(body map[string]any, text string) {
	candidates := asSlice(body["candidates"])
	if len(candidates) == 0 {
		return
	}
	for _, part := range asSlice(asMap(asMap(candidates[0])["content"])["parts"]) {
		p := asMap(part)
		if asString(p["text"]) != "" {
			p["text"] = text
			return
		}
	}
}

func (Gemini) StreamingRequested(path string, body map[string]any) bool {
	return strings.Contains(path, ":streamGenerateContent")
}

func (Gemini) RewriteStreamLine(line string, rewrite func(string) string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || !strings.HasPrefix(trimmed, "{") {
		return line, false
	}

	var frame map[string]any
	if err := json.Unmarshal([]byte(trimmed), &frame); err != nil {
		return line, false
	}
	candidates := asSlice(frame["candidates"])
	if len(candidates) == 0 {
		return line, false
	}
	candidate := asMap(candidates[0])
	terminal := asString(candidate["finishReason"]) != ""

	content := asMap(candidate["content"])
	text := geminiPartText(content)
	if text == "" {
		return line, terminal
	}

	rewritten := rewrite(text)
	if rewritten == text {
		return line, terminal
	}
	for _, part := range asSlice(content["parts"]) {
		p := asMap(part)
		if asString(p["text"]) != "" {
			p["text"] = rewritten
			break
		}
	}
	out, err := json.Marshal(frame)
	if err != nil {
		return line, terminal
	}
	return string(out), terminal
}

func (Gemini) TextFrame(text string) string {
	frame := map[string]any{
		"candidates": []any{
			map[string]any{
				"content": map[string]any{
					"parts": []any{map[string]any{"text": text}},
					"role":  "model",
				},
			},
		},
	}
	out, _ := json.Marshal(frame)
	return string(out)
}
