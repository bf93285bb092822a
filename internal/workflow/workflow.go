// Package workflow validates workspace pipelines and computes how task and
// project positions move when a pipeline changes shape. Everything here is a
// pure function of its inputs.
package workflow

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"crewspace/api/internal/store"
)

const (
	MinStages = 3
	MaxStages = 6
	MaxTags   = 10
)

var ErrInvalidWorkflow = errors.New("invalid workflow")

var colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// ValidationError lists every problem found, keyed by field path.
type ValidationError struct {
	Problems map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Problems))
	for key := range e.Problems {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+": "+e.Problems[key])
	}
	return "invalid workflow: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidWorkflow
}

func DefaultWorkflow() []store.WorkflowStage {
	return []store.WorkflowStage{
		{Name: "Backlog", Color: "#6b7280"},
		{Name: "In Progress", Color: "#3b82f6"},
		{Name: "Review", Color: "#f59e0b"},
		{Name: "Done", Color: "#10b981"},
	}
}

// Validate checks stage count, stage names and colors, and the tag set.
func Validate(stages []store.WorkflowStage, tags []store.Tag) error {
	problems := map[string]string{}
	if len(stages) < MinStages || len(stages) > MaxStages {
		problems["workflow"] = fmt.Sprintf("must have between %d and %d stages, got %d", MinStages, MaxStages, len(stages))
	}
	for i, stage := range stages {
		if strings.TrimSpace(stage.Name) == "" {
			problems[fmt.Sprintf("workflow[%d].name", i)] = "is required"
		}
		if !colorPattern.MatchString(stage.Color) {
			problems[fmt.Sprintf("workflow[%d].color", i)] = "must be a #rrggbb color"
		}
	}

	if len(tags) > MaxTags {
		problems["tags"] = fmt.Sprintf("at most %d tags, got %d", MaxTags, len(tags))
	}
	seen := make(map[string]int, len(tags))
	for i, tag := range tags {
		name := strings.ToLower(strings.TrimSpace(tag.Name))
		if name == "" {
			problems[fmt.Sprintf("tags[%d].name", i)] = "is required"
			continue
		}
		if first, dup := seen[name]; dup {
			problems[fmt.Sprintf("tags[%d].name", i)] = fmt.Sprintf("duplicates tags[%d]", first)
			continue
		}
		seen[name] = i
		if !colorPattern.MatchString(tag.Color) {
			problems[fmt.Sprintf("tags[%d].color", i)] = "must be a #rrggbb color"
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Changed reports whether the pipeline differs in length, names or colors.
func Changed(before, after []store.WorkflowStage) bool {
	if len(before) != len(after) {
		return true
	}
	for i := range before {
		if before[i] != after[i] {
			return true
		}
	}
	return false
}

// RequiresAcknowledgement is true when a pipeline edit would move work that
// has already started.
func RequiresAcknowledgement(tasks []store.Task) bool {
	for _, task := range tasks {
		if task.StatusIndex > 0 {
			return true
		}
	}
	return false
}
