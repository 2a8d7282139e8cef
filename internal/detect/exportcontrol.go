package detect

import "regexp"

// Aviation program keyword lexicon. Matches here indicate potentially
// export-controlled (ITAR/EAR) content.
var aviationKeywords = []string{
	// Aircraft design and performance
	`\b(?:eVTOL|vertical[\s-]?take[\s-]?off|VTOL)\b`,
	`\b(?:aircraft[\s-]?design|airframe|propulsion[\s-]?system)\b`,
	`\b(?:flight[\s-]?control|avionics|autopilot)\b`,
	`\b(?:aerodynamic|aerodynamics|lift[\s-]?coefficient)\b`,

	// Regulatory and certification
	`\b(?:FAA|Federal[\s-]?Aviation[\s-]?Administration)\b`,
	`\b(?:Part[\s-]?23|Part[\s-]?27|Part[\s-]?29|Part[\s-]?33)\b`,
	`\b(?:type[\s-]?certificate|TC|STC|airworthiness)\b`,
	`\b(?:ITAR|International[\s-]?Traffic[\s-]?in[\s-]?Arms)\b`,
	`\b(?:EAR|Export[\s-]?Administration[\s-]?Regulations)\b`,
	`\b(?:ECCN|export[\s-]?control)\b`,

	// Propulsion and power systems
	`\b(?:battery[\s-]?management|BMS|power[\s-]?distribution)\b`,
	`\b(?:electric[\s-]?motor|propeller|rotor[\s-]?blade)\b`,
	`\b(?:energy[\s-]?density|specific[\s-]?power)\b`,

	// Flight operations
	`\b(?:flight[\s-]?envelope|V-speed|cruise[\s-]?speed)\b`,
	`\b(?:payload[\s-]?capacity|range[\s-]?calculation)\b`,
	`\b(?:takeoff[\s-]?weight|MTOW|maximum[\s-]?takeoff)\b`,

	// Manufacturing and materials
	`\b(?:composite[\s-]?material|carbon[\s-]?fiber|CFRP)\b`,
	`\b(?:manufacturing[\s-]?process|tooling|assembly[\s-]?jig)\b`,
	`\b(?:quality[\s-]?assurance|AS9100|aerospace[\s-]?standard)\b`,
}

var aviationPatterns = compileAviation()

func compileAviation() []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(aviationKeywords))
	for _, kw := range aviationKeywords {
		out = append(out, regexp.MustCompile(`(?i)`+kw))
	}
	return out
}

// exportControlThreshold is the minimum keyword match count that
// classifies content as export controlled.
const exportControlThreshold = 2

// ExportControlResult holds the keyword-density classification outcome.
type ExportControlResult struct {
	Controlled      bool     `json:"is_export_controlled"`
	Confidence      float64  `json:"confidence"`
	MatchedKeywords []string `json:"matched_keywords"`
	MatchCount      int      `json:"match_count"`
}

// ClassifyExportControl scans text against the aviation lexicon and
// classifies it as export controlled when enough keywords match.
// Confidence steps with the match count.
func ClassifyExportControl(text string) ExportControlResult {
	var matches []string
	for _, re := range aviationPatterns {
		matches = append(matches, re.FindAllString(text, -1)...)
	}

	count := len(matches)
	var confidence float64
	switch {
	case count == 0:
		confidence = 0.0
	case count < exportControlThreshold:
		confidence = 0.3
	case count < exportControlThreshold*2:
		confidence = 0.7
	case count < exportControlThreshold*3:
		confidence = 0.85
	default:
		confidence = 0.95
	}

	if len(matches) > 10 {
		matches = matches[:10]
	}
	return ExportControlResult{
		Controlled:      count >= exportControlThreshold,
		Confidence:      confidence,
		MatchedKeywords: matches,
		MatchCount:      count,
	}
}
