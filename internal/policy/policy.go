// Package policy evaluates the declarative routing policy: given the
// categories detected in a payload and the request context, it decides
// whether to allow, redact, route internally, or block.
package policy

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Decision actions.
const (
	ActionAllow        = "allow"
	ActionRedact       = "redact"
	ActionInternalOnly = "internal_only"
	ActionBlock        = "block"
)

// Doc is the declarative policy document.
type Doc struct {
	Version        string         `yaml:"version"`
	GeoConstraints GeoConstraints `yaml:"geo_constraints"`
	CallerRules    CallerRules    `yaml:"caller_rules"`
	Routes         []Route        `yaml:"routes"`
}

// GeoConstraints lists restricted regions and per-region routing.
type GeoConstraints struct {
	RestrictedRegions []string                 `yaml:"restricted_regions"`
	RegionRouting     map[string]RegionRouting `yaml:"region_routing"`
}

// RegionRouting describes where a region's traffic may go.
type RegionRouting struct {
	AllowExternal    bool     `yaml:"allow_external"`
	PreferredModels  []string `yaml:"preferred_models"`
	InternalFallback []string `yaml:"internal_fallback"`
}

// CallerRules holds per-caller trust and constraints.
type CallerRules struct {
	TrustedCallers []string                    `yaml:"trusted_callers"`
	CallerRouting  map[string]CallerConstraint `yaml:"caller_routing"`
}

// CallerConstraint narrows what a specific caller may do.
type CallerConstraint struct {
	AllowCategories []string `yaml:"allow_categories"`
	ForceRedact     bool     `yaml:"force_redact"`
}

// Route is one ordered policy rule. Routes are evaluated in document
// order; the first matching route with a non-empty match category wins.
type Route struct {
	Name            string        `yaml:"name"`
	Match           Match         `yaml:"match"`
	Action          string        `yaml:"action"`
	Redact          RedactOptions `yaml:"redact"`
	AllowModels     []string      `yaml:"allow_models"`
	AllowCategories []string      `yaml:"allow_categories"`
	AppliesTo       AppliesTo     `yaml:"applies_to"`
}

// Match selects which detected category triggers a route. An empty
// category is a catch-all default.
type Match struct {
	Category string `yaml:"category"`
}

// RedactOptions carries redact-action settings.
type RedactOptions struct {
	AllowDetokenize *bool `yaml:"allow_detokenize"`
}

// AppliesTo scopes a route to regions and callers. Nil or "*" matches
// anything.
type AppliesTo struct {
	Regions []string `yaml:"regions"`
	Callers []string `yaml:"callers"`
}

// Context carries per-request identity and locality.
type Context struct {
	Caller         string `json:"caller,omitempty"`
	Region         string `json:"region,omitempty"`
	Env            string `json:"env,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Domain         string `json:"domain,omitempty"`
}

// Decision is the policy outcome for one request.
type Decision struct {
	Action            string   `json:"action"`
	Target            string   `json:"target"`
	RequiresRedaction bool     `json:"requires_redaction"`
	AllowDetokenize   bool     `json:"allow_detokenize"`
	AllowedCategories []string `json:"allowed_categories"`
	PolicyVersion     string   `json:"policy_version"`
}

// Engine evaluates the policy document. The document is read-mostly;
// Reload swaps it whole behind the lock.
type Engine struct {
	mu   sync.RWMutex
	path string
	doc  *Doc
}

// NewEngine loads the policy document from path.
func NewEngine(path string) (*Engine, error) {
	doc, err := loadDoc(path)
	if err != nil {
		return nil, err
	}
	slog.Info("policy engine initialized", "path", path, "version", doc.Version, "routes", len(doc.Routes))
	return &Engine{path: path, doc: doc}, nil
}

// NewEngineFromDoc wraps an already-built document.
func NewEngineFromDoc(doc *Doc) *Engine {
	return &Engine{doc: doc}
}

func loadDoc(path string) (*Doc, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- policy path from trusted config
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	var doc Doc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing policy file: %w", err)
	}
	if doc.Version == "" {
		doc.Version = "1"
	}
	return &doc, nil
}

// Reload re-reads the policy document from disk and swaps it in.
func (e *Engine) Reload() error {
	if e.path == "" {
		return fmt.Errorf("policy engine has no backing file")
	}
	doc, err := loadDoc(e.path)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.doc = doc
	e.mu.Unlock()
	slog.Info("policy reloaded", "version", doc.Version, "routes", len(doc.Routes))
	return nil
}

// Version returns the active policy document version.
func (e *Engine) Version() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.doc.Version
}

// TrustedCaller reports whether caller may invoke detokenize directly.
func (e *Engine) TrustedCaller(caller string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, c := range e.doc.CallerRules.TrustedCallers {
		if c == caller {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func (e *Engine) routeApplies(route Route, ctx Context) bool {
	regions := route.AppliesTo.Regions
	if regions != nil && !contains(regions, "*") {
		if !contains(regions, strings.ToLower(ctx.Region)) {
			return false
		}
	}
	callers := route.AppliesTo.Callers
	if callers != nil && !contains(callers, "*") {
		if !contains(callers, ctx.Caller) {
			return false
		}
	}
	return true
}

func (e *Engine) isRestricted(region string) bool {
	return contains(e.doc.GeoConstraints.RestrictedRegions, strings.ToLower(region))
}

func (e *Engine) regionRouting(region string) RegionRouting {
	if e.isRestricted(region) {
		return e.doc.GeoConstraints.RegionRouting["restricted"]
	}
	return e.doc.GeoConstraints.RegionRouting[strings.ToLower(region)]
}

func intersect(a, b []string) []string {
	out := []string{}
	for _, x := range a {
		if contains(b, x) {
			out = append(out, x)
		}
	}
	return out
}

// Decide evaluates the policy for the detected categories and context.
func (e *Engine) Decide(categories []string, ctx Context) Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	callerConstraint, hasCallerConstraint := e.doc.CallerRules.CallerRouting[ctx.Caller]
	regionRouting := e.regionRouting(ctx.Region)

	decision := Decision{
		Action:            ActionAllow,
		Target:            "internal:default",
		RequiresRedaction: false,
		AllowDetokenize:   true,
		AllowedCategories: []string{"ops_sensitive", "pii"},
		PolicyVersion:     e.doc.Version,
	}

	if hasCallerConstraint && callerConstraint.ForceRedact {
		decision.RequiresRedaction = true
	}

	for _, route := range e.doc.Routes {
		if !e.routeApplies(route, ctx) {
			continue
		}

		m := route.Match.Category
		if m != "" && !contains(categories, m) {
			continue
		}

		action := route.Action
		if action == "" {
			action = ActionAllow
		}
		decision.Action = action

		switch action {
		case ActionBlock:
			return decision

		case ActionRedact:
			decision.RequiresRedaction = true
			var models []string
			if e.isRestricted(ctx.Region) {
				// Restricted regions never route externally, even when
				// the route lists external models.
				models = regionRouting.InternalFallback
				if len(models) == 0 {
					models = []string{"internal:default"}
				}
			} else {
				models = route.AllowModels
				if len(models) == 0 {
					models = regionRouting.PreferredModels
				}
				if len(models) == 0 {
					models = []string{"external:unspecified"}
				}
			}
			decision.Target = models[0]
			decision.AllowDetokenize = true
			if route.Redact.AllowDetokenize != nil {
				decision.AllowDetokenize = *route.Redact.AllowDetokenize
			}

			routeCategories := route.AllowCategories
			if routeCategories == nil {
				routeCategories = []string{"ops_sensitive", "pii"}
			}
			callerCategories := routeCategories
			if hasCallerConstraint && callerConstraint.AllowCategories != nil {
				callerCategories = callerConstraint.AllowCategories
			}
			decision.AllowedCategories = intersect(routeCategories, callerCategories)

		case ActionInternalOnly:
			models := route.AllowModels
			if len(models) == 0 {
				models = regionRouting.InternalFallback
			}
			if len(models) == 0 {
				models = []string{"internal:default"}
			}
			decision.Target = models[0]
			decision.RequiresRedaction = false
			decision.AllowDetokenize = false
		}

		// A catch-all route keeps evaluating; an explicit category
		// match ends the walk.
		if m != "" {
			return decision
		}
	}

	return decision
}
