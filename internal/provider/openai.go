package provider

import (
	"encoding/json"
	"strings"
)

// OpenAI adapts the chat completions API. Streaming responses are SSE
// frames ending with a data: [DONE] sentinel.
type OpenAI struct{}

func (OpenAI) Name() string { return "openai" }

func (OpenAI) ExtractMessages(body map[string]any) []string {
	messages := asSlice(body["messages"])
	texts := make([]string, len(messages))
	for i, m := range messages {
		texts[i] = asString(asMap(m)["content"])
	}
	return texts
}

func (OpenAI) InjectMessages(body map[string]any, texts []string) {
	messages := asSlice(body["messages"])
	for i, m := range messages {
		if i >= len(texts) || texts[i] == "" {
			continue
		}
		if msg := asMap(m); msg != nil {
			msg["content"] = texts[i]
		}
	}
}

func (OpenAI) ExtractResponseText(body map[string]any) string {
	choices := asSlice(body["choices"])
	if len(choices) == 0 {
		return ""
	}
	return asString(asMap(asMap(choices[0])["message"])["content"])
}

func (OpenAI) InjectResponseText(body map[string]any, text string) {
	choices := asSlice(body["choices"])
	if len(choices) == 0 {
		return
	}
	if msg := asMap(asMap(choices[0])["message"]); msg != nil {
		msg["content"] = text
	}
}

func (OpenAI) StreamingRequested(path string, body map[string]any) bool {
	stream, _ := body["stream"].(bool)
	return stream
}

func (OpenAI) RewriteStreamLine(line string, rewrite func(string) string) (string, bool) {
	payload, ok := strings.CutPrefix(line, "data: ")
	if !ok {
		return line, false
	}
	if strings.TrimSpace(payload) == "[DONE]" {
		return line, true
	}

	var frame map[string]any
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		return line, false
	}
	choices := asSlice(frame["choices"])
	if len(choices) == 0 {
		return line, false
	}
	delta := asMap(asMap(choices[0])["delta"])
	content, ok := delta["content"].(string)
	if !ok || content == "" {
		return line, false
	}

	rewritten := rewrite(content)
	if rewritten == content {
		return line, false
	}
	delta["content"] = rewritten
	out, err := json.Marshal(frame)
	if err != nil {
		return line, false
	}
	return "data: " + string(out), false
}

func (OpenAI) TextFrame(text string) string {
	frame := map[string]any{
		"object": "chat.completion.chunk",
		"choices": []any{
			map[string]any{
				"index": 0,
				"delta": map[string]any{"content": text},
			},
		},
	}
	out, _ := json.Marshal(frame)
	return "data: " + string(out)
}
