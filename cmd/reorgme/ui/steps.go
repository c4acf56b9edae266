package ui

import (
	"fmt"
	"strings"
	"sync"

	"github.com/0xsequence/reorgme/internal/telemetry"
)

type stepStatus string

const (
	stepPending stepStatus = "pending"
	stepRunning stepStatus = "running"
	stepDone    stepStatus = "done"
	stepFailed  stepStatus = "failed"
)

type stepState struct {
	ID       string
	ParentID string
	Title    string
	Status   stepStatus
	Message  string

	// implicit steps were never planned; they exist because a child
	// "parent/child" step started.
	implicit bool
}

// stepObserver folds plan and span callbacks into ordered step snapshots.
type stepObserver struct {
	mu     sync.Mutex
	steps  map[string]stepState
	order  []string
	report func(steps []stepState, fresh bool)
}

// report receives every snapshot; fresh marks the first one of a new plan.
func newStepObserver(report func(steps []stepState, fresh bool)) *stepObserver {
	return &stepObserver{steps: make(map[string]stepState), report: report}
}

func (o *stepObserver) onPlan(plan telemetry.Plan) {
	o.mu.Lock()
	defer o.mu.Unlock()

	// A new plan starts a new operation; drop what the previous one left.
	o.steps = make(map[string]stepState, len(plan.Steps))
	o.order = o.order[:0]
	for _, planned := range plan.Steps {
		id := strings.TrimSpace(planned.ID)
		if id == "" {
			continue
		}
		title := strings.TrimSpace(planned.Title)
		if title == "" {
			title = id
		}
		o.order = append(o.order, id)
		o.steps[id] = stepState{ID: id, ParentID: strings.TrimSpace(planned.ParentID), Title: title, Status: stepPending}
	}
	o.emitLocked(true)
}

func (o *stepObserver) onStepStart(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	step := o.ensureLocked(id)
	step.Status = stepRunning
	step.Message = ""
	step.implicit = false
	o.steps[step.ID] = step
	o.emitLocked(false)
}

// onStepMessage shows msg next to a running step until the step ends or a
// newer message replaces it.
func (o *stepObserver) onStepMessage(id, msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	step, ok := o.steps[strings.TrimSpace(id)]
	if !ok || step.Status != stepRunning {
		return
	}
	msg = strings.TrimSpace(msg)
	if step.Message == msg {
		return
	}
	step.Message = msg
	o.steps[step.ID] = step
	o.emitLocked(false)
}

func (o *stepObserver) onStepEnd(id string, failed bool, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	step := o.ensureLocked(id)
	step.implicit = false
	step.Status = stepDone
	step.Message = ""
	if failed {
		step.Status = stepFailed
		step.Message = strings.TrimSpace(message)
	}
	o.steps[step.ID] = step
	o.emitLocked(false)
}

func (o *stepObserver) ensureLocked(id string) stepState {
	id = strings.TrimSpace(id)
	if id == "" {
		id = "unnamed"
	}
	if step, ok := o.steps[id]; ok {
		return step
	}

	parent := ""
	if i := strings.LastIndex(id, "/"); i > 0 {
		parent = id[:i]
		if _, ok := o.steps[parent]; !ok {
			p := o.ensureLocked(parent)
			p.implicit = true
			o.steps[parent] = p
		}
	}
	o.order = append(o.order, id)
	return stepState{ID: id, ParentID: parent, Title: id, Status: stepPending}
}

func (o *stepObserver) emitLocked(fresh bool) {
	if o.report == nil {
		return
	}

	children := make(map[string][]stepState)
	for _, step := range o.steps {
		if step.ParentID != "" {
			children[step.ParentID] = append(children[step.ParentID], step)
		}
	}

	out := make([]stepState, 0, len(o.order))
	for _, id := range o.order {
		step, ok := o.steps[id]
		if !ok {
			continue
		}
		if kids := children[id]; len(kids) > 0 {
			if step.implicit {
				step.Status = parentStatus(kids)
			}
			summary := fanoutSummary(kids)
			switch {
			case step.Message == "":
				step.Message = summary
			case step.Status == stepFailed && !strings.Contains(step.Message, summary):
				step.Message = summary + "; " + step.Message
			}
		}
		out = append(out, step)
	}
	o.report(out, fresh)
}

func fanoutSummary(children []stepState) string {
	done, failed := 0, 0
	for _, c := range children {
		switch c.Status {
		case stepDone:
			done++
		case stepFailed:
			failed++
		}
	}
	if failed > 0 {
		return fmt.Sprintf("%d/%d done, %d failed", done, len(children), failed)
	}
	return fmt.Sprintf("%d/%d done", done, len(children))
}

func parentStatus(children []stepState) stepStatus {
	done, running := 0, false
	for _, c := range children {
		switch c.Status {
		case stepFailed:
			return stepFailed
		case stepRunning:
			running = true
		case stepDone:
			done++
		}
	}
	switch {
	case done == len(children):
		return stepDone
	case running || done > 0:
		return stepRunning
	default:
		return stepPending
	}
}
