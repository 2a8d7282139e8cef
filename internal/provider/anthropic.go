package provider

import (
	"encoding/json"
	"strings"
)

// Anthropic adapts the messages API. Streaming responses are typed SSE
// events; message_stop terminates the stream.
type Anthropic struct{}

func (Anthropic) Name() string { return "anthropic" }

func (Anthropic) ExtractMessages(body map[string]any) []string {
	messages := asSlice(body["messages"])
	texts := make([]string, len(messages))
	for i, m := range messages {
		texts[i] = anthropicMessageText(asMap(m))
	}
	return texts
}

// anthropicMessageText handles both string content and the block-list
// form, reading the first text block.
func anthropicMessageText(msg map[string]any) string {
	switch content := msg["content"].(type) {
	case string:
		return content
	case []any:
		for _, block := range content {
			b := asMap(block)
			if asString(b["type"]) == "text" {
				return asString(b["text"])
			}
		}
	}
	return ""
}

func (Anthropic) InjectMessages(body map[string]any, texts []string) {
	messages := asSlice(body["messages"])
	for i, m := range messages {
		if i >= len(texts) || texts[i] == "" {
			continue
		}
		msg := asMap(m)
		if msg == nil {
			continue
		}
		switch content := msg["content"].(type) {
		case string:
			msg["content"] = texts[i]
		case []any:
			for _, block := range content {
				b := asMap(block)
				if asString(b["type"]) == "text" {
					b["text"] = texts[i]
					break
				}
			}
		}
	}
}

func (Anthropic) ExtractResponseText(body map[string]any) string {
	content := asSlice(body["content"])
	if len(content) == 0 {
		return ""
	}
	return asString(asMap(content[0])["text"])
}

func (Anthropic) InjectResponseText(body map[string]any, text string) {
	content := asSlice(body["content"])
	if len(content) == 0 {
		return
	}
	if block := asMap(content[0]); block != nil {
		block["text"] = text
	}
}

func (Anthropic) StreamingRequested(path string, body map[string]any) bool {
	stream, _ := body["stream"].(bool)
	return stream
}

func (Anthropic) RewriteStreamLine(line string, rewrite func(string) string) (string, bool) {
	if strings.HasPrefix(line, "event: ") {
		return line, strings.TrimSpace(strings.TrimPrefix(line, "event: ")) == "message_stop"
	}
	payload, ok := strings.CutPrefix(line, "data: ")
	if !ok {
		return line, false
	}

	var frame map[string]any
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		return line, false
	}
	switch asString(frame["type"]) {
	case "message_stop":
		return line, true
	case "content_block_delta":
	default:
		return line, false
	}

	delta := asMap(frame["delta"])
	text, ok := delta["text"].(string)
	if !ok || text == "" {
		return line, false
	}

	rewritten := rewrite(text)
	if rewritten == text {
		return line, false
	}
	delta["text"] = rewritten
	out, err := json.Marshal(frame)
	if err != nil {
		return line, false
	}
	return "data: " + string(out), false
}

func (Anthropic) TextFrame(text string) string {
	frame := map[string]any{
		"type":  "content_block_delta",
		"index": 0,
		"delta": map[string]any{"type": "text_delta", "text": text},
	}
	out, _ := json.Marshal(frame)
	return "event: content_block_delta\ndata: " + string(out)
}
