// Package proxy implements the transparent gateway between clients and
// the upstream LLM providers: detect, decide, redact, forward, restore.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"veil/internal/audit"
	"veil/internal/detect"
	"veil/internal/policy"
	"veil/internal/provider"
	"veil/internal/redact"
	"veil/internal/safety"
	"veil/internal/telemetry"
)

// Request context headers.
const (
	HeaderCaller         = "x-mcp-caller"
	HeaderRegion         = "x-mcp-region"
	HeaderEnv            = "x-mcp-env"
	HeaderConversationID = "x-mcp-conversation-id"
	HeaderDomain         = "x-mcp-domain"
)

// Config holds proxy settings.
type Config struct {
	// Providers maps adapter names to upstream base URLs.
	Providers map[string]string

	SafetyEnabled   bool
	SafetyMode      string
	UpstreamTimeout time.Duration
}

// Proxy is the HTTP handler mediating completion requests.
type Proxy struct {
	cfg       Config
	pipeline  *redact.Pipeline
	engine    *policy.Engine
	filter    *safety.Filter
	auditor   *audit.Logger
	telemetry *telemetry.Provider
	client    *http.Client
}

// New builds the proxy handler.
func New(cfg Config, pipeline *redact.Pipeline, engine *policy.Engine, filter *safety.Filter, auditor *audit.Logger, tel *telemetry.Provider) *Proxy {
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = 120 * time.Second
	}
	if tel == nil {
		tel = telemetry.NoopProvider()
	}
	return &Proxy{
		cfg:       cfg,
		pipeline:  pipeline,
		engine:    engine,
		filter:    filter,
		auditor:   auditor,
		telemetry: tel,
		// Per-request deadlines come from the request context.
		client: &http.Client{},
	}
}

func contextFromHeaders(r *http.Request) policy.Context {
	return policy.Context{
		Caller:         r.Header.Get(HeaderCaller),
		Region:         r.Header.Get(HeaderRegion),
		Env:            r.Header.Get(HeaderEnv),
		ConversationID: r.Header.Get(HeaderConversationID),
		Domain:         r.Header.Get(HeaderDomain),
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	adapter := provider.ForPath(r.URL.Path)
	if adapter == nil {
		writeError(w, http.StatusNotFound, "unsupported endpoint")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	var body map[string]any
	if err := json.Unmarshal(rawBody, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	pctx := contextFromHeaders(r)
	streaming := adapter.StreamingRequested(r.URL.Path, body)

	ctx, span := p.telemetry.StartRequestSpan(r.Context(), pctx.Caller, pctx.Region,
		adapter.Name(), r.Method, r.URL.Path, streaming)

	texts := adapter.ExtractMessages(body)
	combined := strings.Join(texts, "\n")

	var categories []string
	for _, s := range detect.Classify(combined) {
		categories = append(categories, string(s.Type))
	}
	decision := p.engine.Decide(categories, pctx)
	p.telemetry.RecordPolicyDecision(ctx, decision.Action, decision.Target, decision.PolicyVersion)

	if decision.Action == policy.ActionBlock {
		p.writeAudit(audit.Record{
			Caller:        pctx.Caller,
			Context:       pctx,
			Action:        "block",
			Categories:    categories,
			Decision:      &decision,
			PolicyVersion: decision.PolicyVersion,
		})
		p.telemetry.EndRequestSpan(span, http.StatusForbidden, decision.Action, 0, nil)
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":    "Blocked by policy",
			"decision": decision,
		})
		return
	}

	var handle string
	redactions := 0
	if decision.RequiresRedaction {
		sanitized := make([]string, len(texts))
		for i, text := range texts {
			if text == "" {
				continue
			}
			result, err := p.pipeline.Redact(ctx, text, pctx)
			if err != nil {
				status := http.StatusInternalServerError
				if errors.Is(err, redact.ErrPayloadTooLarge) {
					status = http.StatusRequestEntityTooLarge
				}
				p.telemetry.EndRequestSpan(span, status, decision.Action, redactions, err)
				writeError(w, status, err.Error())
				return
			}
			sanitized[i] = result.Sanitized
			redactions += len(result.Redactions)
			if len(result.Redactions) > 0 || handle == "" {
				handle = result.Handle
			}
		}
		adapter.InjectMessages(body, sanitized)
	}

	resp, err := p.forward(ctx, r, adapter, body)
	if err != nil {
		status := http.StatusBadGateway
		msg := "upstream unreachable"
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
			msg = "upstream timeout"
		}
		slog.Error("upstream request failed", "provider", adapter.Name(), "error", err)
		p.telemetry.EndRequestSpan(span, status, decision.Action, redactions, err)
		writeError(w, status, msg)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body) //nolint:errcheck
		p.telemetry.EndRequestSpan(span, resp.StatusCode, decision.Action, redactions, nil)
		return
	}

	p.writeAudit(audit.Record{
		Caller:          pctx.Caller,
		Context:         pctx,
		Action:          decision.Action,
		Categories:      categories,
		Decision:        &decision,
		RedactionCounts: map[string]int{"total": redactions},
		Target:          decision.Target,
		PolicyVersion:   decision.PolicyVersion,
	})

	if streaming {
		p.serveStream(ctx, w, resp, adapter, handle, decision)
		p.telemetry.EndRequestSpan(span, resp.StatusCode, decision.Action, redactions, nil)
		return
	}

	p.serveBuffered(ctx, w, resp, adapter, handle, decision, pctx)
	p.telemetry.EndRequestSpan(span, resp.StatusCode, decision.Action, redactions, nil)
}

// forward sends the (possibly rewritten) request upstream.
func (p *Proxy) forward(ctx context.Context, r *http.Request, adapter provider.Adapter, body map[string]any) (*http.Response, error) {
	base := p.cfg.Providers[adapter.Name()]
	if base == "" {
		return nil, errors.New("no upstream configured for " + adapter.Name())
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(base, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.UpstreamTimeout)
	req, err := http.NewRequestWithContext(ctx, r.Method, url, strings.NewReader(string(payload)))
	if err != nil {
		cancel()
		return nil, err
	}

	for name, values := range r.Header {
		if skipHeader(name) {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	// Tie the timeout to the response body lifetime.
	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func skipHeader(name string) bool {
	switch strings.ToLower(name) {
	case "host", "content-length", "connection", "keep-alive", "te",
		"trailer", "transfer-encoding", "upgrade", "accept-encoding":
		return true
	}
	// Gateway context headers stay inside the perimeter.
	return strings.HasPrefix(strings.ToLower(name), "x-mcp-")
}

// serveBuffered handles a non-streaming upstream response: restore
// allowed placeholders, run the safety filter, and return the body.
func (p *Proxy) serveBuffered(ctx context.Context, w http.ResponseWriter, resp *http.Response, adapter provider.Adapter, handle string, decision policy.Decision, pctx policy.Context) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		writeError(w, http.StatusBadGateway, "reading upstream response failed")
		return
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
		w.WriteHeader(resp.StatusCode)
		w.Write(raw) //nolint:errcheck
		return
	}

	if text := adapter.ExtractResponseText(body); text != "" {
		restored := text
		if handle != "" && decision.AllowDetokenize {
			restored, err = p.pipeline.Detokenize(ctx, text, handle, decision.AllowedCategories, pctx, true)
			if err != nil {
				slog.Error("detokenization failed", "error", err)
				restored = text
			}
		}
		if p.cfg.SafetyEnabled {
			restored = p.filter.Annotate(restored, p.cfg.SafetyMode)
		}
		adapter.InjectResponseText(body, restored)
	}

	out, err := json.Marshal(body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encoding response failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(out) //nolint:errcheck
}

// serveStream relays a streaming response line by line, restoring
// placeholders across chunk boundaries. Retained tail bytes are flushed
// as a synthesized text frame before the stream terminator.
func (p *Proxy) serveStream(ctx context.Context, w http.ResponseWriter, resp *http.Response, adapter provider.Adapter, handle string, decision policy.Decision) {
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/event-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.StatusCode)

	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	var detok *StreamingDetokenizer
	if handle != "" && decision.AllowDetokenize {
		kv, meta, err := p.pipeline.Snapshot(ctx, handle)
		if err != nil {
			slog.Error("token map snapshot failed", "error", err)
		} else {
			detok = NewStreamingDetokenizer(kv, meta, decision.AllowedCategories)
		}
	}

	frameSep := "\n\n"
	if adapter.Name() == "gemini" {
		frameSep = "\n"
	}

	var safetyAccum strings.Builder
	lineHadText := false
	rewrite := func(s string) string {
		lineHadText = true
		if detok == nil {
			safetyAccum.WriteString(s)
			return s
		}
		out := detok.ProcessChunk(s)
		safetyAccum.WriteString(out)
		return out
	}

	flushed := false
	flushTail := func() {
		if flushed {
			return
		}
		flushed = true
		if detok != nil {
			if tail := detok.Flush(); tail != "" {
				safetyAccum.WriteString(tail)
				io.WriteString(w, adapter.TextFrame(tail)+frameSep) //nolint:errcheck
			}
		}
		if warning := p.safetyWarning(safetyAccum.String()); warning != "" {
			io.WriteString(w, adapter.TextFrame(warning)+frameSep) //nolint:errcheck
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lineHadText = false
		out, terminal := adapter.RewriteStreamLine(scanner.Text(), rewrite)
		// A terminal frame carrying its own text (NDJSON finishReason
		// frames) keeps byte order: its rewritten text is emitted
		// before the retained tail.
		if terminal && !lineHadText {
			flushTail()
		}
		if _, err := io.WriteString(w, out+"\n"); err != nil {
			return
		}
		if terminal && lineHadText {
			flushTail()
		}
		flush()
	}
	if err := scanner.Err(); err != nil {
		slog.Error("upstream stream read failed", "error", err)
	}
	// Streams that end without an explicit terminator still flush the
	// retained tail.
	flushTail()
	flush()
}

// safetyWarning returns the warning suffix for text, or "" when the
// filter has nothing to say. Streaming output cannot be rewritten in
// place, so block mode degrades to a warning frame.
func (p *Proxy) safetyWarning(text string) string {
	if !p.cfg.SafetyEnabled || p.cfg.SafetyMode == safety.ModeSilent || text == "" {
		return ""
	}
	annotated := p.filter.Annotate(text, safety.ModeWarning)
	if len(annotated) > len(text) {
		return annotated[len(text):]
	}
	return ""
}

func (p *Proxy) writeAudit(r audit.Record) {
	if p.auditor == nil {
		return
	}
	if err := p.auditor.Write(r); err != nil {
		slog.Error("audit write failed", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
