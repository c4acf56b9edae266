package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/0xsequence/reorgme/internal/telemetry"
)

// TelemetryOutput renders the operations traced through its tracer: a live
// checklist on a terminal, one line per step change otherwise.
type TelemetryOutput struct {
	provider *sdktrace.TracerProvider
	observer *stepObserver
	closeFn  func()
}

// NewTelemetryOutput writes to stderr.
func NewTelemetryOutput() *TelemetryOutput {
	return newTelemetryOutput(os.Stderr, IsInteractive())
}

func newTelemetryOutput(w io.Writer, interactive bool) *TelemetryOutput {
	var (
		report  func([]stepState, bool)
		closeFn = func() {}
	)
	if interactive {
		checklist := NewChecklist(w)
		report, closeFn = checklist.OnSnapshot, checklist.Close
	} else {
		report = newLineOutput(w).OnSnapshot
	}
	observer := newStepObserver(report)
	return &TelemetryOutput{
		provider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(&stepSpanProcessor{observer: observer})),
		observer: observer,
		closeFn:  closeFn,
	}
}

// Tracer records operations for rendering. It also implements
// telemetry.Reporter, so progress messages show up on the running step.
func (o *TelemetryOutput) Tracer() trace.Tracer {
	return progressTracer{
		Tracer:   o.provider.Tracer("github.com/0xsequence/reorgme/cmd/reorgme"),
		observer: o.observer,
	}
}

type progressTracer struct {
	trace.Tracer
	observer *stepObserver
}

func (t progressTracer) StepProgress(stepID, msg string) {
	t.observer.onStepMessage(stepID, msg)
}

func (o *TelemetryOutput) Close() {
	_ = o.provider.Shutdown(context.Background())
	o.closeFn()
}

// lineOutput prints a step whenever its status or message changes.
type lineOutput struct {
	w    io.Writer
	mu   sync.Mutex
	last map[string]string
}

func newLineOutput(w io.Writer) *lineOutput {
	return &lineOutput{w: w, last: make(map[string]string)}
}

func (l *lineOutput) OnSnapshot(steps []stepState, fresh bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if fresh {
		clear(l.last)
	}
	for _, step := range steps {
		if step.Status == stepPending {
			continue
		}
		key := string(step.Status) + "\x00" + step.Message
		if l.last[step.ID] == key {
			continue
		}
		l.last[step.ID] = key
		fmt.Fprintln(l.w, formatStepLine(step))
	}
}

func formatStepLine(step stepState) string {
	prefix := "[..]"
	switch step.Status {
	case stepRunning:
		prefix = "[->]"
	case stepDone:
		prefix = "[ok]"
	case stepFailed:
		prefix = "[x]"
	}
	line := indent(step) + prefix + " " + step.Title
	if step.Message != "" {
		line += " (" + step.Message + ")"
	}
	return line
}

// stepSpanProcessor maps root spans carrying a plan to onPlan and child
// spans to step start and end.
type stepSpanProcessor struct {
	observer *stepObserver
}

func (p *stepSpanProcessor) OnStart(_ context.Context, span sdktrace.ReadWriteSpan) {
	if span.Parent().IsValid() {
		p.observer.onStepStart(span.Name())
		return
	}

	raw := attributeValue(span.Attributes(), telemetry.PlanJSONKey)
	if strings.TrimSpace(raw) == "" {
		return
	}
	var plan telemetry.Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return
	}
	p.observer.onPlan(plan)
}

func (p *stepSpanProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	if !span.Parent().IsValid() {
		return
	}
	status := span.Status()
	p.observer.onStepEnd(span.Name(), status.Code == codes.Error, status.Description)
}

func (p *stepSpanProcessor) Shutdown(context.Context) error   { return nil }
func (p *stepSpanProcessor) ForceFlush(context.Context) error { return nil }

func attributeValue(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}
