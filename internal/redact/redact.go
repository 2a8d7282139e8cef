// Package redact replaces detected sensitive values with scoped
// placeholders and restores them for trusted callers.
package redact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"veil/internal/audit"
	"veil/internal/detect"
	"veil/internal/policy"
	"veil/internal/token"
)

var (
	// ErrPayloadTooLarge is returned when a payload exceeds the
	// configured size limit.
	ErrPayloadTooLarge = errors.New("payload exceeds size limit")

	// ErrCallerNotTrusted is returned when an untrusted caller requests
	// detokenization.
	ErrCallerNotTrusted = errors.New("caller not authorized for detokenization")
)

// PayloadText normalizes a request payload for detection. JSON strings
// pass through verbatim; any other JSON value is serialized to compact
// JSON with sorted object keys so detection sees a stable rendering.
func PayloadText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("invalid payload: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Redaction describes one replaced value. Range holds byte offsets
// into the original payload.
type Redaction struct {
	Type        string `json:"type"`
	Placeholder string `json:"placeholder"`
	Range       [2]int `json:"range"`
}

// Result is the outcome of redacting one payload.
type Result struct {
	Sanitized  string      `json:"sanitized"`
	Handle     string      `json:"token_map_handle"`
	Redactions []Redaction `json:"redactions"`
}

// Pipeline performs redaction and detokenization against a token
// store. Placeholders are scoped per conversation via the process
// secret.
type Pipeline struct {
	store           token.Store
	processSecret   string
	maxPayloadBytes int
	trusted         []string
	tokenTTL        time.Duration
	audit           *audit.Logger
}

// Options configures a Pipeline.
type Options struct {
	ProcessSecret   string
	MaxPayloadBytes int
	TrustedCallers  []string
	TokenTTL        time.Duration
	Audit           *audit.Logger
}

// NewPipeline builds a pipeline over store.
func NewPipeline(store token.Store, opts Options) *Pipeline {
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = 256 * 1024
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = token.DefaultTTL
	}
	return &Pipeline{
		store:           store,
		processSecret:   opts.ProcessSecret,
		maxPayloadBytes: opts.MaxPayloadBytes,
		trusted:         opts.TrustedCallers,
		tokenTTL:        opts.TokenTTL,
		audit:           opts.Audit,
	}
}

// Redact replaces every detected sensitive value in payload with a
// placeholder and records the mapping under a fresh handle. Identical
// raw values within one conversation map to identical placeholders.
func (p *Pipeline) Redact(ctx context.Context, payload string, pctx policy.Context) (*Result, error) {
	if len(payload) > p.maxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	spans := detect.FindSpans(payload)
	salt := token.ScopeSalt(p.processSecret, pctx.ConversationID)

	handle, err := p.store.Create(ctx, p.tokenTTL)
	if err != nil {
		return nil, fmt.Errorf("creating token map: %w", err)
	}

	var b strings.Builder
	b.Grow(len(payload))
	last := 0
	redactions := make([]Redaction, 0, len(spans))
	counts := make(map[string]int)

	for _, span := range spans {
		raw := payload[span.Start:span.End]
		tokenType := strings.ToUpper(string(span.Category))
		placeholder := token.Placeholder(tokenType, raw, salt)

		if err := p.store.Put(ctx, handle, placeholder, raw, string(span.Category)); err != nil {
			return nil, fmt.Errorf("storing token mapping: %w", err)
		}

		b.WriteString(payload[last:span.Start])
		b.WriteString(placeholder)
		last = span.End

		redactions = append(redactions, Redaction{
			Type:        string(span.Category),
			Placeholder: placeholder,
			Range:       [2]int{span.Start, span.End},
		})
		counts[string(span.Category)]++
	}
	b.WriteString(payload[last:])

	p.writeAudit(audit.Record{
		Caller:          pctx.Caller,
		Context:         pctx,
		Action:          "redact",
		RedactionCounts: counts,
	})

	return &Result{
		Sanitized:  b.String(),
		Handle:     handle,
		Redactions: redactions,
	}, nil
}

// Detokenize restores placeholders in payload from the token map at
// handle. Secret values are never restored. Unless skipAuth is set the
// caller must be on the trusted list. Unknown placeholders and
// disallowed categories pass through unchanged.
func (p *Pipeline) Detokenize(ctx context.Context, payload, handle string, allowCategories []string, pctx policy.Context, skipAuth bool) (string, error) {
	if !skipAuth && !p.trustedCaller(pctx.Caller) {
		return "", ErrCallerNotTrusted
	}

	allow := make(map[string]bool, len(allowCategories))
	for _, c := range allowCategories {
		if c == string(detect.CategorySecret) {
			continue
		}
		allow[c] = true
	}

	kv, meta, err := p.store.All(ctx, handle)
	if err != nil {
		return "", fmt.Errorf("loading token map: %w", err)
	}

	restored := 0
	out := token.Recognizer().ReplaceAllStringFunc(payload, func(ph string) string {
		raw, ok := kv[ph]
		if !ok || !allow[meta[ph]] {
			return ph
		}
		restored++
		return raw
	})

	p.writeAudit(audit.Record{
		Caller:          pctx.Caller,
		Context:         pctx,
		Action:          "detokenize",
		RedactionCounts: map[string]int{"restored": restored},
	})

	return out, nil
}

// Snapshot returns the current placeholder maps for handle, for use by
// the streaming detokenizer.
func (p *Pipeline) Snapshot(ctx context.Context, handle string) (kv, meta map[string]string, err error) {
	return p.store.All(ctx, handle)
}

func (p *Pipeline) trustedCaller(caller string) bool {
	for _, c := range p.trusted {
		if c == caller {
			return true
		}
	}
	return false
}

func (p *Pipeline) writeAudit(r audit.Record) {
	if p.audit == nil {
		return
	}
	p.audit.Write(r) //nolint:errcheck
}
