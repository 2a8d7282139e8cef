// Package control exposes the gateway's operational API: direct
// classification, redaction, detokenization, routing decisions, audit
// queries, policy reload, and health.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"veil/internal/audit"
	"veil/internal/detect"
	"veil/internal/policy"
	"veil/internal/redact"
	"veil/internal/safety"
	"veil/internal/token"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Handler handles control API requests.
type Handler struct {
	pipeline     *redact.Pipeline
	engine       *policy.Engine
	filter       *safety.Filter
	auditor      *audit.Logger
	store        token.Store
	tokenBackend string
	authToken    string
	mux          *http.ServeMux
}

// Options configures the control handler.
type Options struct {
	Pipeline     *redact.Pipeline
	Engine       *policy.Engine
	Filter       *safety.Filter
	Auditor      *audit.Logger
	Store        token.Store
	TokenBackend string
	// AuthToken, when set, is required as a bearer token on every
	// endpoint except health.
	AuthToken string
}

// New creates a control API handler.
func New(opts Options) *Handler {
	h := &Handler{
		pipeline:     opts.Pipeline,
		engine:       opts.Engine,
		filter:       opts.Filter,
		auditor:      opts.Auditor,
		store:        opts.Store,
		tokenBackend: opts.TokenBackend,
		authToken:    opts.AuthToken,
		mux:          http.NewServeMux(),
	}

	h.mux.HandleFunc("/health", h.handleHealth)
	h.mux.HandleFunc("/classify", h.handleClassify)
	h.mux.HandleFunc("/redact", h.handleRedact)
	h.mux.HandleFunc("/detokenize", h.handleDetokenize)
	h.mux.HandleFunc("/route", h.handleRoute)
	h.mux.HandleFunc("/audit/query", h.handleAuditQuery)
	h.mux.HandleFunc("/policy/reload", h.handlePolicyReload)

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	if h.authToken != "" && r.URL.Path != "/health" {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got != h.authToken {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
	}

	h.mux.ServeHTTP(w, r)
}

// payloadRequest carries a payload that may be a JSON string or any
// structured value; non-strings are serialized before detection.
type payloadRequest struct {
	Payload json.RawMessage `json:"payload"`
	Context policy.Context  `json:"context"`
}

func (r payloadRequest) text(w http.ResponseWriter) (string, bool) {
	text, err := redact.PayloadText(r.Payload)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "errors": []string{err.Error()}})
		return "", false
	}
	return text, true
}

// handleHealth handles GET /health.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := "ok"
	code := http.StatusOK
	if pinger, ok := h.store.(interface{ Ping(context.Context) error }); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pinger.Ping(ctx); err != nil {
			slog.Error("token backend unhealthy", "error", err)
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, code, map[string]any{
		"status":         status,
		"version":        Version,
		"timestamp":      time.Now().UTC(),
		"token_backend":  h.tokenBackend,
		"policy_version": h.engine.Version(),
		"siem_enabled":   h.auditor != nil && h.auditor.SIEMEnabled(),
	})
}

// handleClassify handles POST /classify.
func (h *Handler) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req payloadRequest
	if !decodePost(w, r, &req) {
		return
	}
	text, ok := req.text(w)
	if !ok {
		return
	}

	scores := detect.Classify(text)
	if scores == nil {
		scores = []detect.Score{}
	}
	var categories []string
	for _, s := range scores {
		categories = append(categories, string(s.Type))
	}
	decision := h.engine.Decide(categories, req.Context)

	h.writeAudit(audit.Record{
		Caller:        req.Context.Caller,
		Context:       req.Context,
		Action:        "classify",
		Categories:    categories,
		Decision:      &decision,
		PolicyVersion: decision.PolicyVersion,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":               true,
		"categories":       scores,
		"suggested_action": decision.Action,
	})
}

// handleRedact handles POST /redact.
func (h *Handler) handleRedact(w http.ResponseWriter, r *http.Request) {
	var req payloadRequest
	if !decodePost(w, r, &req) {
		return
	}
	text, ok := req.text(w)
	if !ok {
		return
	}

	result, err := h.pipeline.Redact(r.Context(), text, req.Context)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, redact.ErrPayloadTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, map[string]any{"ok": false, "errors": []string{err.Error()}})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":                true,
		"sanitized_payload": result.Sanitized,
		"token_map_handle":  result.Handle,
		"redactions":        result.Redactions,
	})
}

type detokenizeRequest struct {
	Payload         json.RawMessage `json:"payload"`
	Handle          string          `json:"token_map_handle"`
	AllowCategories []string        `json:"allow_categories"`
	Context         policy.Context  `json:"context"`
}

// handleDetokenize handles POST /detokenize.
func (h *Handler) handleDetokenize(w http.ResponseWriter, r *http.Request) {
	var req detokenizeRequest
	if !decodePost(w, r, &req) {
		return
	}
	text, err := redact.PayloadText(req.Payload)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "errors": []string{err.Error()}})
		return
	}

	out, err := h.pipeline.Detokenize(r.Context(), text, req.Handle, req.AllowCategories, req.Context, false)
	if err != nil {
		if errors.Is(err, redact.ErrCallerNotTrusted) {
			writeJSON(w, http.StatusForbidden, map[string]any{"ok": false, "errors": []string{err.Error()}})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "errors": []string{err.Error()}})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "restored_payload": out})
}

// planStep is one tool invocation in a mediation plan.
type planStep struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// handleRoute handles POST /route: classify, decide, and return the
// mediation plan without forwarding anything.
func (h *Handler) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req payloadRequest
	if !decodePost(w, r, &req) {
		return
	}
	text, ok := req.text(w)
	if !ok {
		return
	}

	var categories []string
	for _, s := range detect.Classify(text) {
		categories = append(categories, string(s.Type))
	}
	decision := h.engine.Decide(categories, req.Context)

	h.writeAudit(audit.Record{
		Caller:        req.Context.Caller,
		Context:       req.Context,
		Action:        "route",
		Categories:    categories,
		Decision:      &decision,
		Target:        decision.Target,
		PolicyVersion: decision.PolicyVersion,
	})

	if decision.Action == policy.ActionBlock {
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":       false,
			"errors":   []string{"Blocked by policy"},
			"decision": decision,
		})
		return
	}

	pre := []planStep{}
	post := []planStep{}
	if decision.RequiresRedaction {
		pre = append(pre, planStep{Tool: "redact", Args: map[string]any{}})
		if decision.AllowDetokenize {
			post = append(post, planStep{
				Tool: "detokenize",
				Args: map[string]any{"allow_categories": decision.AllowedCategories},
			})
		}
	}
	post = append(post, planStep{Tool: "output_safety", Args: map[string]any{}})

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"decision":   decision,
		"categories": categories,
		"plan": map[string]any{
			"target": decision.Target,
			"pre":    pre,
			"post":   post,
		},
	})
}

type auditQueryRequest struct {
	Q     string `json:"q"`
	Limit int    `json:"limit"`
}

// handleAuditQuery handles POST /audit/query.
func (h *Handler) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	var req auditQueryRequest
	if !decodePost(w, r, &req) {
		return
	}
	if h.auditor == nil {
		writeJSON(w, http.StatusOK, map[string]any{"records": []any{}})
		return
	}

	results, err := h.auditor.Query(req.Q, req.Limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if results == nil {
		results = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": results})
}

// handlePolicyReload handles POST /policy/reload.
func (h *Handler) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.engine.Reload(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "errors": []string{err.Error()}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "policy_version": h.engine.Version()})
}

func (h *Handler) writeAudit(record audit.Record) {
	if h.auditor == nil {
		return
	}
	if err := h.auditor.Write(record); err != nil {
		slog.Error("audit write failed", "error", err)
	}
}

func decodePost(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
