package sdd

import (
	"fmt"
	"strings"
)

var systemPrompts = map[Step]string{
	StepSpec: `You write feature specifications. Produce the complete Markdown content of spec.md: ` +
		`user scenarios, functional requirements, key entities and acceptance criteria. ` +
		`Include a "Constitution Alignment" section explaining how the feature honors the constitution.`,
	StepPlan: `You write implementation plans. Produce the complete Markdown content of plan.md ` +
		`from the specification: technical context, architecture, data model and milestones. ` +
		`Include a "Constitution Check" section.`,
	StepTasks: `You break implementation plans into tasks. Produce the complete Markdown content of tasks.md ` +
		`as an ordered, dependency aware checklist. Include a "Constitution Alignment" section.`,
	StepImplement: `You implement tasks. Answer with a JSON object of the form ` +
		`{"summary": "...", "proposal": {"writes": [{"path": "...", "content": "..."}], "patch": "..."}} ` +
		`or with a raw unified diff.`,
}

// buildPrompt renders the goal and every loaded document.
func buildPrompt(req Request, step Step, loaded loadedContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Feature: %s\nStep: %s\n", req.FeatureID, step)
	if goal := strings.TrimSpace(req.Goal); goal != "" {
		fmt.Fprintf(&b, "Goal: %s\n", goal)
	}
	for _, d := range loaded.docs {
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", d.path, d.content)
	}
	return b.String()
}
