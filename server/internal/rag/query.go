package rag

import (
	"strings"

	"fixdad/server/internal/model"
)

const maxSymptomChars = 220

// BuildQuery 把焦点问题和最新快照拼成检索友好的查询。
// focus 非空时优先使用其中的 fixture/location/issue/category。
func BuildQuery(snap *model.AnalysisSnapshot, focus *model.Focus) string {
	var category, fixture, location, issue, cause string
	if snap != nil {
		fixture, location = snap.Fixture, snap.Location
		if top, ok := snap.TopIssue(); ok && !snap.NoIssueDetected {
			category, issue, cause = top.Category, top.Name, top.SuspectedCause
		}
	}
	if focus != nil {
		category = firstNonEmpty(focus.Category, category)
		fixture = firstNonEmpty(focus.Fixture, fixture)
		location = firstNonEmpty(focus.Location, location)
		if focus.IssueName != "" && focus.IssueName != issue {
			issue, cause = focus.IssueName, ""
		}
	}

	var parts []string
	add := func(label, v string) {
		if v = strings.TrimSpace(v); v != "" {
			parts = append(parts, label+": "+v)
		}
	}
	add("category", category)
	add("fixture", fixture)
	add("location", location)
	add("likely issue", issue)
	add("suspected cause", cause)
	if snap != nil {
		symptoms := strings.Join(snap.ObservedSymptoms, ", ")
		if r := []rune(symptoms); len(r) > maxSymptomChars {
			symptoms = string(r[:maxSymptomChars])
		}
		add("symptoms", symptoms)
		add("danger", string(snap.DangerLevel))
		if snap.RequiresShutoff {
			parts = append(parts, "safety: shutoff recommended")
		}
		if snap.WaterPresent {
			parts = append(parts, "water present")
		}
	}
	parts = append(parts, "step-by-step fix, troubleshooting, tools checklist")
	return strings.Join(parts, " | ")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
