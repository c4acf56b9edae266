// Package telemetry describes long-running cluster operations as a plan of
// steps recorded as OpenTelemetry spans. The CLI renders those spans as a
// live checklist.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. The root span of an operation carries the plan; every
// span carries the cluster id.
const (
	PlanJSONKey = "reorgme.plan"
	ClusterKey  = "reorgme.cluster"
	NodeKey     = "reorgme.node"

	tracerName = "github.com/0xsequence/reorgme"
)

// PlannedStep is one line of the checklist. Steps with a ParentID render
// nested under their parent, which must come earlier in the plan.
type PlannedStep struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	Title    string `json:"title"`
}

// Plan is the ordered set of steps an operation announces before running.
type Plan struct {
	Cluster int           `json:"cluster"`
	Steps   []PlannedStep `json:"steps"`
}

// NewPlan starts an empty plan for a cluster.
func NewPlan(cluster int) *Plan {
	return &Plan{Cluster: cluster}
}

// Add appends a top-level step.
func (p *Plan) Add(id, title string) *Plan {
	p.Steps = append(p.Steps, PlannedStep{ID: id, Title: title})
	return p
}

// Nodes appends one step per container. With a parent, ids become
// "parent/container" and nest under it; without one, the container name is
// the id.
func (p *Plan) Nodes(parent, verb string, containers []string) *Plan {
	for _, name := range containers {
		id := name
		if parent != "" {
			id = parent + "/" + name
		}
		p.Steps = append(p.Steps, PlannedStep{ID: id, ParentID: parent, Title: verb + " " + name})
	}
	return p
}

// Reporter receives Progress messages as they happen. A tracer passed to
// EmitPlan that also implements Reporter is handed every message recorded
// inside one of the operation's steps.
type Reporter interface {
	StepProgress(stepID, msg string)
}

type stepKey struct{}

type stepScope struct {
	id       string
	reporter Reporter
}

// Operation is the root span of one cluster command.
type Operation struct {
	ctx      context.Context
	tracer   trace.Tracer
	span     trace.Span
	cluster  attribute.KeyValue
	reporter Reporter
}

// DefaultTracer returns the tracer of the global provider, which is a no-op
// unless the process installed one.
func DefaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// EmitPlan starts the root span of an operation and attaches its plan.
func EmitPlan(ctx context.Context, tracer trace.Tracer, operation string, plan Plan) (*Operation, error) {
	if tracer == nil {
		tracer = DefaultTracer()
	}
	if err := plan.validate(); err != nil {
		return nil, fmt.Errorf("emit plan %s: %w", operation, err)
	}
	operation = strings.TrimSpace(operation)
	if operation == "" {
		return nil, errors.New("emit plan: operation name is required")
	}

	raw, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("emit plan %s: marshal: %w", operation, err)
	}

	cluster := attribute.Int(ClusterKey, plan.Cluster)
	spanCtx, span := tracer.Start(ctx, operation, trace.WithAttributes(
		cluster,
		attribute.String(PlanJSONKey, string(raw)),
	))
	reporter, _ := tracer.(Reporter)
	return &Operation{ctx: spanCtx, tracer: tracer, span: span, cluster: cluster, reporter: reporter}, nil
}

// Run emits plan, calls fn and ends the operation with fn's error.
func Run(ctx context.Context, tracer trace.Tracer, operation string, plan Plan, fn func(op *Operation) error) error {
	op, err := EmitPlan(ctx, tracer, operation, plan)
	if err != nil {
		return err
	}
	err = fn(op)
	op.End(err)
	return err
}

// Context carries the root span.
func (o *Operation) Context() context.Context {
	if o == nil {
		return context.Background()
	}
	return o.ctx
}

// RunStep runs fn inside a child span named id. Ids of the form
// "parent/child" render as nested steps.
func (o *Operation) RunStep(ctx context.Context, id string, fn func(context.Context) error) error {
	return o.runStep(ctx, id, fn)
}

// RunNodeStep is RunStep for work on a single node; the span records the
// node index.
func (o *Operation) RunNodeStep(ctx context.Context, index int, id string, fn func(context.Context) error) error {
	return o.runStep(ctx, id, fn, attribute.Int(NodeKey, index))
}

func (o *Operation) runStep(ctx context.Context, id string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("run step: step id is required")
	}
	if o == nil || o.tracer == nil {
		return fn(ctx)
	}
	if ctx == nil {
		ctx = o.ctx
	}

	stepCtx, span := o.tracer.Start(ctx, id, trace.WithAttributes(append(attrs, o.cluster)...))
	defer span.End()
	stepCtx = context.WithValue(stepCtx, stepKey{}, stepScope{id: id, reporter: o.reporter})

	if err := fn(stepCtx); err != nil {
		fail(span, err)
		return err
	}
	return nil
}

// Progress records a short status message on the span active in ctx and
// forwards it to the operation's Reporter, if any.
func Progress(ctx context.Context, msg string) {
	trace.SpanFromContext(ctx).AddEvent(msg)
	if scope, ok := ctx.Value(stepKey{}).(stepScope); ok && scope.reporter != nil {
		scope.reporter.StepProgress(scope.id, msg)
	}
}

// End closes the root span, marking it failed when err is non-nil.
func (o *Operation) End(err error) {
	if o == nil || o.span == nil {
		return
	}
	if err != nil {
		fail(o.span, err)
	}
	o.span.End()
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
}

func (p Plan) validate() error {
	seen := make(map[string]struct{}, len(p.Steps))
	for i, step := range p.Steps {
		id := strings.TrimSpace(step.ID)
		if id == "" {
			return fmt.Errorf("step %d has empty id", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate step id %q", id)
		}
		if parent := strings.TrimSpace(step.ParentID); parent != "" {
			if _, ok := seen[parent]; !ok {
				return fmt.Errorf("step %q: parent %q must precede it", id, parent)
			}
		}
		seen[id] = struct{}{}
	}
	return nil
}
