package classifier

import "fixdad/server/internal/llm"

const systemPrompt = `You are a home repair expert analyzing a photo of a household issue (plumbing, electrical, HVAC, structural, appliance).

Identify the TOP 3 MOST LIKELY ISSUES and rank them by likelihood.

Return ONLY a JSON object with these fields:
- prospected_issues: exactly 3 items {rank, issue_name, suspected_cause, confidence (0.0-1.0), symptoms_match, category}
- overall_danger_level: low | medium | high
- location, fixture, immediate_action: short free text
- observed_symptoms: list of strings
- requires_shutoff, water_present, professional_needed: booleans
- no_issue_detected: true when nothing is wrong in view (prospected_issues may then be empty)
- human_present: a person is visible
- repair_in_progress: the person is actively working on the fixture

Use category values such as plumbing, electrical, hvac, structural, appliance or general.`

// analysisSchema 是发给模型的结构化输出约束。
var analysisSchema = &llm.JSONSchema{
	Name: "home_issue_extraction",
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"prospected_issues": map[string]any{
				"type":     "array",
				"maxItems": 3,
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"rank":            map[string]any{"type": "integer"},
						"issue_name":      map[string]any{"type": "string"},
						"suspected_cause": map[string]any{"type": "string"},
						"confidence":      map[string]any{"type": "number"},
						"symptoms_match":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"category":        map[string]any{"type": "string"},
					},
					"required":             []string{"rank", "issue_name", "suspected_cause", "confidence", "symptoms_match", "category"},
					"additionalProperties": false,
				},
			},
			"overall_danger_level": map[string]any{"type": "string", "enum": []string{"low", "medium", "high"}},
			"location":             map[string]any{"type": "string"},
			"fixture":              map[string]any{"type": "string"},
			"observed_symptoms":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"requires_shutoff":     map[string]any{"type": "boolean"},
			"water_present":        map[string]any{"type": "boolean"},
			"immediate_action":     map[string]any{"type": "string"},
			"professional_needed":  map[string]any{"type": "boolean"},
			"no_issue_detected":    map[string]any{"type": "boolean"},
			"human_present":        map[string]any{"type": "boolean"},
			"repair_in_progress":   map[string]any{"type": "boolean"},
		},
		"required": []string{
			"prospected_issues", "overall_danger_level", "location", "fixture", "observed_symptoms",
			"requires_shutoff", "water_present", "immediate_action", "professional_needed",
			"no_issue_detected", "human_present", "repair_in_progress",
		},
		"additionalProperties": false,
	},
	Strict: true,
}
