package provider

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestForPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/v1/chat/completions", "openai"},
		{"/v1/messages", "anthropic"},
		{"/v1beta/models/gemini-pro:generateContent", "gemini"},
		{"/v1beta/models/gemini-pro:streamGenerateContent", "gemini"},
		{"/v1/embeddings", ""},
	}
	for _, tt := range tests {
		adapter := ForPath(tt.path)
		if tt.want == "" {
			if adapter != nil {
				t.Errorf("ForPath(%q)=%s, want nil", tt.path, adapter.Name())
			}
			continue
		}
		if adapter == nil || adapter.Name() != tt.want {
			t.Errorf("ForPath(%q), want %s", tt.path, tt.want)
		}
	}
}

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestOpenAI_Messages(t *testing.T) {
	body := decode(t, `{"model":"gpt-4o","messages":[
		{"role":"system","content":"be terse"},
		{"role":"user","content":"mail alice@example.com"}]}`)

	adapter := OpenAI{}
	texts := adapter.ExtractMessages(body)
	if len(texts) != 2 || texts[1] != "mail alice@example.com" {
		t.Fatalf("unexpected texts: %v", texts)
	}

	adapter.InjectMessages(body, []string{"", "mail «token:PII:ab12»"})
	texts = adapter.ExtractMessages(body)
	if texts[0] != "be terse" {
		t.Errorf("empty inject mutated message: %q", texts[0])
	}
	if texts[1] != "mail «token:PII:ab12»" {
		t.Errorf("inject failed: %q", texts[1])
	}
}

func TestOpenAI_ResponseText(t *testing.T) {
	body := decode(t, `{"choices":[{"message":{"role":"assistant","content":"hi «token:PII:ab12»"}}]}`)
	adapter := OpenAI{}
	if got := adapter.ExtractResponseText(body); got != "hi «token:PII:ab12»" {
		t.Errorf("extract=%q", got)
	}
	adapter.InjectResponseText(body, "hi alice@example.com")
	if got := adapter.ExtractResponseText(body); got != "hi alice@example.com" {
		t.Errorf("inject failed: %q", got)
	}
}

func TestOpenAI_StreamLines(t *testing.T) {
	adapter := OpenAI{}
	upper := func(s string) string { return strings.ToUpper(s) }

	out, terminal := adapter.RewriteStreamLine(`data: {"choices":[{"delta":{"content":"hello"},"index":0}]}`, upper)
	if terminal {
		t.Error("content frame marked terminal")
	}
	if !strings.Contains(out, `"HELLO"`) {
		t.Errorf("rewrite missed: %q", out)
	}

	out, terminal = adapter.RewriteStreamLine("data: [DONE]", upper)
	if !terminal || out != "data: [DONE]" {
		t.Errorf("sentinel handling: out=%q terminal=%v", out, terminal)
	}

	out, terminal = adapter.RewriteStreamLine("", upper)
	if terminal || out != "" {
		t.Errorf("blank line handling: out=%q terminal=%v", out, terminal)
	}

	// Role-only delta has no text to rewrite.
	line := `data: {"choices":[{"delta":{"role":"assistant"},"index":0}]}`
	if out, _ := adapter.RewriteStreamLine(line, upper); out != line {
		t.Errorf("no-text frame mutated: %q", out)
	}
}

func TestOpenAI_TextFrame(t *testing.T) {
	frame := OpenAI{}.TextFrame("tail text")
	payload, ok := strings.CutPrefix(frame, "data: ")
	if !ok {
		t.Fatalf("frame missing data prefix: %q", frame)
	}
	body := decode(t, payload)
	choices := body["choices"].([]any)
	delta := choices[0].(map[string]any)["delta"].(map[string]any)
	if delta["content"] != "tail text" {
		t.Errorf("frame delta=%v", delta)
	}
}

func TestAnthropic_Messages(t *testing.T) {
	body := decode(t, `{"model":"claude","messages":[
		{"role":"user","content":"plain text"},
		{"role":"user","content":[{"type":"text","text":"block text"}]}]}`)

	adapter := Anthropic{}
	texts := adapter.ExtractMessages(body)
	if texts[0] != "plain text" || texts[1] != "block text" {
		t.Fatalf("unexpected texts: %v", texts)
	}

	adapter.InjectMessages(body, []string{"rewritten plain", "rewritten block"})
	texts = adapter.ExtractMessages(body)
	if texts[0] != "rewritten plain" || texts[1] != "rewritten block" {
		t.Errorf("inject failed: %v", texts)
	}
}

func TestAnthropic_ResponseText(t *testing.T) {
	body := decode(t, `{"content":[{"type":"text","text":"answer"}]}`)
	adapter := Anthropic{}
	if got := adapter.ExtractResponseText(body); got != "answer" {
		t.Errorf("extract=%q", got)
	}
	adapter.InjectResponseText(body, "restored")
	if got := adapter.ExtractResponseText(body); got != "restored" {
		t.Errorf("inject failed: %q", got)
	}
}

func TestAnthropic_StreamLines(t *testing.T) {
	adapter := Anthropic{}
	upper := func(s string) string { return strings.ToUpper(s) }

	out, terminal := adapter.RewriteStreamLine(
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello"}}`, upper)
	if terminal {
		t.Error("delta frame marked terminal")
	}
	if !strings.Contains(out, `"HELLO"`) {
		t.Errorf("rewrite missed: %q", out)
	}

	if _, terminal := adapter.RewriteStreamLine("event: message_stop", upper); !terminal {
		t.Error("message_stop event not terminal")
	}
	if _, terminal := adapter.RewriteStreamLine(`data: {"type":"message_stop"}`, upper); !terminal {
		t.Error("message_stop data not terminal")
	}
	if _, terminal := adapter.RewriteStreamLine("event: content_block_start", upper); terminal {
		t.Error("start event marked terminal")
	}
}

func TestGemini_Messages(t *testing.T) {
	body := decode(t, `{"contents":[{"role":"user","parts":[{"text":"ping 10.0.0.1"}]}]}`)
	adapter := Gemini{}

	texts := adapter.ExtractMessages(body)
	if len(texts) != 1 || texts[0] != "ping 10.0.0.1" {
		t.Fatalf("unexpected texts: %v", texts)
	}

	adapter.InjectMessages(body, []string{"ping «token:OPS_SENSITIVE:ab12»"})
	if got := adapter.ExtractMessages(body)[0]; got != "ping «token:OPS_SENSITIVE:ab12»" {
		t.Errorf("inject failed: %q", got)
	}
}

func TestGemini_ResponseText(t *testing.T) {
	body := decode(t, `{"candidates":[{"content":{"role":"model","parts":[{"text":"pong"}]}}]}`)
	adapter := Gemini{}
	if got := adapter.ExtractResponseText(body); got != "pong" {
		t.Errorf("extract=%q", got)
	}
	adapter.InjectResponseText(body, "rewritten")
	if got := adapter.ExtractResponseText(body); got != "rewritten" {
		t.Errorf("inject failed: %q", got)
	}
}

func TestGemini_StreamLines(t *testing.T) {
	adapter := Gemini{}
	upper := func(s string) string { return strings.ToUpper(s) }

	out, terminal := adapter.RewriteStreamLine(
		`{"candidates":[{"content":{"parts":[{"text":"chunk"}],"role":"model"}}]}`, upper)
	if terminal {
		t.Error("mid-stream frame marked terminal")
	}
	if !strings.Contains(out, `"CHUNK"`) {
		t.Errorf("rewrite missed: %q", out)
	}

	_, terminal = adapter.RewriteStreamLine(
		`{"candidates":[{"content":{"parts":[{"text":"end"}],"role":"model"},"finishReason":"STOP"}]}`, upper)
	if !terminal {
		t.Error("finishReason frame not terminal")
	}
}

func TestGemini_StreamingRequested(t *testing.T) {
	adapter := Gemini{}
	if !adapter.StreamingRequested("/v1beta/models/gemini-pro:streamGenerateContent", nil) {
		t.Error("streamGenerateContent not detected")
	}
	if adapter.StreamingRequested("/v1beta/models/gemini-pro:generateContent", nil) {
		t.Error("generateContent misdetected as streaming")
	}
}
