package workflow

import (
	"strings"

	"purchaseflow/internal/domain"
)

// NewStage returns an empty stage for the definition with every task incomplete.
func NewStage(def StageDefinition) domain.Stage {
	st := domain.Stage{
		Key:    def.Key,
		Tasks:  make(map[domain.TaskKey]domain.TaskState, len(def.Tasks)),
		Costs:  []domain.CostEntry{},
		Fields: map[string]string{},
	}
	for _, t := range def.Tasks {
		st.Tasks[t.Key] = domain.TaskState{Key: t.Key}
	}
	st.Status = DeriveStatus(def, st)
	return st
}

// IsTaskEnabled reports whether the task may currently be marked complete.
func IsTaskEnabled(def StageDefinition, stage domain.Stage, key domain.TaskKey) bool {
	if _, ok := def.Task(key); !ok {
		return false
	}
	return checkGate(def, stage, key) == nil
}

func checkGate(def StageDefinition, stage domain.Stage, key domain.TaskKey) error {
	taskDef, _ := def.Task(key)
	gate := GatingViolationError{MissingPreconditions: MissingPreconditions(def, stage)}
	for _, dep := range taskDef.After {
		if !taskState(stage, dep).Completed {
			gate.MissingTasks = append(gate.MissingTasks, dep)
		}
	}
	if len(gate.MissingPreconditions) == 0 && len(gate.MissingTasks) == 0 {
		return nil
	}
	gate.Stage = def.Key
	gate.Task = key
	return gate
}

// MissingPreconditions lists the keys of stage preconditions that do not hold.
func MissingPreconditions(def StageDefinition, stage domain.Stage) []string {
	var missing []string
	for _, p := range def.Preconditions {
		if !preconditionHolds(stage, p) {
			missing = append(missing, p.Key)
		}
	}
	return missing
}

func preconditionHolds(stage domain.Stage, p Precondition) bool {
	return strings.TrimSpace(stage.Fields[p.Field]) != ""
}

// DeriveStatus computes the stage status from preconditions and task completion.
func DeriveStatus(def StageDefinition, stage domain.Stage) domain.StageStatus {
	held, done := 0, 0
	for _, p := range def.Preconditions {
		if preconditionHolds(stage, p) {
			held++
		}
	}
	for _, t := range def.Tasks {
		if taskState(stage, t.Key).Completed {
			done++
		}
	}
	switch {
	case held == len(def.Preconditions) && done == len(def.Tasks):
		return domain.StageCompleted
	case held == 0 && done == 0:
		return domain.StageNotStarted
	default:
		return domain.StageInProgress
	}
}

// SetField sets a stage-specific field. An empty value clears it. Completed
// tasks stay completed even when the field was one of their preconditions.
func SetField(def StageDefinition, stage domain.Stage, field, value string) domain.Stage {
	next := cloneStage(stage)
	value = strings.TrimSpace(value)
	if value == "" {
		delete(next.Fields, field)
	} else {
		next.Fields[field] = value
	}
	next.Status = DeriveStatus(def, next)
	return next
}

// SetYard snapshots the selected yard into the stage. An empty yardID clears
// the selection.
func SetYard(def StageDefinition, stage domain.Stage, yardID, yardName string) domain.Stage {
	if strings.TrimSpace(yardID) == "" {
		yardName = ""
	}
	next := SetField(def, stage, FieldYardID, yardID)
	return SetField(def, next, FieldYardName, yardName)
}

func cloneStage(s domain.Stage) domain.Stage {
	out := s
	out.Tasks = make(map[domain.TaskKey]domain.TaskState, len(s.Tasks))
	for k, v := range s.Tasks {
		out.Tasks[k] = v
	}
	out.Costs = append([]domain.CostEntry{}, s.Costs...)
	out.Fields = make(map[string]string, len(s.Fields))
	for k, v := range s.Fields {
		out.Fields[k] = v
	}
	return out
}
