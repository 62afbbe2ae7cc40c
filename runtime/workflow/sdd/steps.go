package sdd

import (
	"fmt"
	"regexp"
	"strings"
)

// Step is a stage of the SDD pipeline.
type Step string

const (
	StepSpec      Step = "spec"
	StepPlan      Step = "plan"
	StepTasks     Step = "tasks"
	StepImplement Step = "implement"
	// StepReview is reserved; runs requesting it fail.
	StepReview Step = "review"
)

var alignmentMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)constitution\s+alignment`),
	regexp.MustCompile(`(?i)constitution\s+check`),
}

// ParseStep validates s.
func ParseStep(s string) (Step, error) {
	switch st := Step(strings.TrimSpace(s)); st {
	case StepSpec, StepPlan, StepTasks, StepImplement, StepReview:
		return st, nil
	default:
		return "", fmt.Errorf("unknown SDD step %q", s)
	}
}

// priorDocs returns the feature documents loaded as context for step.
func (p DocPaths) priorDocs(step Step) []string {
	switch step {
	case StepSpec:
		return []string{p.SpecPath}
	case StepPlan:
		return []string{p.SpecPath, p.PlanPath}
	default:
		return []string{p.SpecPath, p.PlanPath, p.TasksPath}
	}
}

// alignedDocs returns the documents that must carry a constitution
// alignment marker before step runs.
func (p DocPaths) alignedDocs(step Step) []string {
	switch step {
	case StepSpec:
		return nil
	case StepPlan:
		return []string{p.SpecPath}
	case StepTasks:
		return []string{p.SpecPath, p.PlanPath}
	default:
		return []string{p.SpecPath, p.PlanPath, p.TasksPath}
	}
}

// prerequisites returns the documents that must exist before step runs.
func (p DocPaths) prerequisites(step Step) []string {
	switch step {
	case StepPlan:
		return []string{p.SpecPath}
	case StepTasks:
		return []string{p.PlanPath}
	case StepImplement, StepReview:
		return []string{p.PlanPath, p.TasksPath}
	default:
		return nil
	}
}

// HasAlignment reports whether doc carries a constitution alignment marker.
func HasAlignment(doc string) bool {
	for _, re := range alignmentMarkers {
		if re.MatchString(doc) {
			return true
		}
	}
	return false
}
