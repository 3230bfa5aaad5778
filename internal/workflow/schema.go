package workflow

import (
	"errors"
	"fmt"

	"purchaseflow/internal/domain"
)

const (
	StageTransport domain.StageKey = "transport"

	TaskTransportArranged domain.TaskKey = "transportArranged"
	TaskYardNotified      domain.TaskKey = "yardNotified"
	TaskPhotosRequested   domain.TaskKey = "photosRequested"

	FieldYardID   = "yardId"
	FieldYardName = "yardName"

	PreconditionYard = "yard"
)

// Requirement says whether a task captures a value when it is completed.
type Requirement string

const (
	RequireNone     Requirement = "none"
	RequireOptional Requirement = "optional"
	RequireRequired Requirement = "required"
)

func (r Requirement) accepts() bool {
	return r == RequireOptional || r == RequireRequired
}

type CaptureSpec struct {
	Amount     Requirement `yaml:"amount" json:"amount"`
	Attachment Requirement `yaml:"attachment" json:"attachment"`
}

// Precondition is a stage-level gate that holds when Field is set.
type Precondition struct {
	Key   string `yaml:"key" json:"key"`
	Field string `yaml:"field" json:"field"`
}

type TaskDefinition struct {
	Key     domain.TaskKey   `yaml:"key" json:"key"`
	Label   string           `yaml:"label" json:"label"`
	After   []domain.TaskKey `yaml:"after" json:"after,omitempty"`
	Capture CaptureSpec      `yaml:"capture" json:"capture"`
}

// StageDefinition declares the tasks of a stage, their gating order and the
// stage-level preconditions every task waits on.
type StageDefinition struct {
	Key           domain.StageKey  `yaml:"key" json:"key"`
	Label         string           `yaml:"label" json:"label"`
	Preconditions []Precondition   `yaml:"preconditions" json:"preconditions,omitempty"`
	Tasks         []TaskDefinition `yaml:"tasks" json:"tasks"`
}

// Catalog is the ordered set of stages every new workflow is created with.
type Catalog []StageDefinition

func TransportStage() StageDefinition {
	return StageDefinition{
		Key:   StageTransport,
		Label: "Transport",
		Preconditions: []Precondition{
			{Key: PreconditionYard, Field: FieldYardID},
		},
		Tasks: []TaskDefinition{
			{
				Key:     TaskTransportArranged,
				Label:   "Transport arranged",
				Capture: CaptureSpec{Amount: RequireRequired, Attachment: RequireOptional},
			},
			{
				Key:     TaskYardNotified,
				Label:   "Yard notified",
				After:   []domain.TaskKey{TaskTransportArranged},
				Capture: CaptureSpec{Amount: RequireNone, Attachment: RequireNone},
			},
			{
				Key:     TaskPhotosRequested,
				Label:   "Photos requested",
				After:   []domain.TaskKey{TaskYardNotified},
				Capture: CaptureSpec{Amount: RequireNone, Attachment: RequireOptional},
			},
		},
	}
}

func DefaultCatalog() Catalog {
	return Catalog{TransportStage()}
}

func (c Catalog) Stage(key domain.StageKey) (StageDefinition, bool) {
	for _, def := range c {
		if def.Key == key {
			return def, true
		}
	}
	return StageDefinition{}, false
}

func (d StageDefinition) Task(key domain.TaskKey) (TaskDefinition, bool) {
	for _, t := range d.Tasks {
		if t.Key == key {
			return t, true
		}
	}
	return TaskDefinition{}, false
}

// HasField reports whether one of the stage's preconditions reads field.
func (d StageDefinition) HasField(field string) bool {
	for _, pc := range d.Preconditions {
		if pc.Field == field {
			return true
		}
	}
	return false
}

// Validate checks keys are unique and that task ordering is an acyclic graph
// over known tasks.
func (c Catalog) Validate() error {
	if len(c) == 0 {
		return errors.New("catalog has no stages")
	}
	seen := map[domain.StageKey]bool{}
	for _, def := range c {
		if def.Key == "" {
			return errors.New("stage key is required")
		}
		if seen[def.Key] {
			return fmt.Errorf("duplicate stage %s", def.Key)
		}
		seen[def.Key] = true
		if err := def.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (d StageDefinition) Validate() error {
	preKeys := map[string]bool{}
	for _, p := range d.Preconditions {
		if p.Key == "" || p.Field == "" {
			return fmt.Errorf("stage %s has a precondition without key or field", d.Key)
		}
		if preKeys[p.Key] {
			return fmt.Errorf("stage %s has duplicate precondition %s", d.Key, p.Key)
		}
		preKeys[p.Key] = true
	}
	tasks := map[domain.TaskKey]TaskDefinition{}
	for _, t := range d.Tasks {
		if t.Key == "" {
			return fmt.Errorf("stage %s has a task without key", d.Key)
		}
		if _, ok := tasks[t.Key]; ok {
			return fmt.Errorf("stage %s has duplicate task %s", d.Key, t.Key)
		}
		for _, r := range []Requirement{t.Capture.Amount, t.Capture.Attachment} {
			switch r {
			case "", RequireNone, RequireOptional, RequireRequired:
			default:
				return fmt.Errorf("task %s/%s has invalid capture requirement %q", d.Key, t.Key, r)
			}
		}
		tasks[t.Key] = t
	}
	for _, t := range d.Tasks {
		for _, dep := range t.After {
			if _, ok := tasks[dep]; !ok {
				return fmt.Errorf("task %s/%s depends on unknown task %s", d.Key, t.Key, dep)
			}
		}
	}
	const (
		_ = iota
		visiting
		done
	)
	state := map[domain.TaskKey]int{}
	var visit func(k domain.TaskKey) error
	visit = func(k domain.TaskKey) error {
		switch state[k] {
		case visiting:
			return fmt.Errorf("stage %s has a task ordering cycle at %s", d.Key, k)
		case done:
			return nil
		}
		state[k] = visiting
		for _, dep := range tasks[k].After {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[k] = done
		return nil
	}
	for _, t := range d.Tasks {
		if err := visit(t.Key); err != nil {
			return err
		}
	}
	return nil
}
