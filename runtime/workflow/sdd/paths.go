package sdd

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// Workspace-relative paths of the mandatory context documents.
const (
	ConstitutionPath = ".specify/memory/constitution.md"
	OverviewPath     = "docs/overview.md"
	ArchitecturePath = "docs/architecture.md"

	specsRoot = "specs"
)

// MandatoryContext lists the documents every SDD run requires.
var MandatoryContext = []string{ConstitutionPath, OverviewPath, ArchitecturePath}

// DocPaths locates the documents of a feature.
type DocPaths struct {
	FeatureRoot string `json:"featureRoot"`
	SpecPath    string `json:"specPath"`
	PlanPath    string `json:"planPath"`
	TasksPath   string `json:"tasksPath"`
}

// ResolveDocPaths derives the document paths of featureID. The id must be a
// single path segment.
func ResolveDocPaths(featureID string) (DocPaths, error) {
	id := strings.TrimSpace(featureID)
	if id == "" {
		return DocPaths{}, errors.New("feature id is required")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return DocPaths{}, fmt.Errorf("invalid feature id %q", featureID)
	}
	root := path.Join(specsRoot, id)
	return DocPaths{
		FeatureRoot: root,
		SpecPath:    path.Join(root, "spec.md"),
		PlanPath:    path.Join(root, "plan.md"),
		TasksPath:   path.Join(root, "tasks.md"),
	}, nil
}

// Doc returns the path of the document produced by step, empty for steps
// that produce no single document.
func (p DocPaths) Doc(step Step) string {
	switch step {
	case StepSpec:
		return p.SpecPath
	case StepPlan:
		return p.PlanPath
	case StepTasks:
		return p.TasksPath
	default:
		return ""
	}
}
