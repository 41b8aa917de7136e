package trace

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// OTelBridge mirrors recorder events into OpenTelemetry spans. Attach it
// to a Recorder with WithSink. Records become point-in-time spans under
// the hive.* attribute namespace; a span per open node would require
// holding recorder state, which the bridge deliberately avoids.
type OTelBridge struct {
	tracer oteltrace.Tracer
}

// NewOTelBridge wraps a tracer, typically otel.Tracer("hive").
func NewOTelBridge(tracer oteltrace.Tracer) *OTelBridge {
	return &OTelBridge{tracer: tracer}
}

// NodeCompleted emits a span for a finished node attempt.
func (b *OTelBridge) NodeCompleted(rec NodeExecutionRecord) {
	_, span := b.tracer.Start(context.Background(), "hive.node")
	defer span.End()
	span.SetAttributes(
		attribute.String("hive.node_id", rec.NodeID),
		attribute.Int("hive.execution_order", rec.ExecutionOrder),
		attribute.Int("hive.visit_count", rec.VisitCount),
		attribute.Int("hive.attempt", rec.Attempt),
		attribute.Int64("hive.latency_ms", rec.LatencyMS),
		attribute.Int("hive.llm.input_tokens", rec.InputTokens),
		attribute.Int("hive.llm.output_tokens", rec.OutputTokens),
		attribute.Bool("hive.success", rec.Success),
	)
	if rec.BranchID != "" {
		span.SetAttributes(attribute.String("hive.branch_id", rec.BranchID))
	}
	if rec.Error != "" {
		span.SetStatus(codes.Error, rec.Error)
		span.RecordError(errors.New(rec.Error))
	}
}

// EdgeTraversed emits a span for a routing decision.
func (b *OTelBridge) EdgeTraversed(rec EdgeTraversalRecord) {
	_, span := b.tracer.Start(context.Background(), "hive.edge")
	defer span.End()
	span.SetAttributes(
		attribute.String("hive.edge.from", rec.From),
		attribute.String("hive.edge.to", rec.To),
		attribute.String("hive.edge.condition", rec.Condition),
		attribute.Bool("hive.edge.parallel", rec.ParallelBranch),
	)
	if rec.ConditionExpr != "" {
		span.SetAttributes(attribute.String("hive.edge.expr", rec.ConditionExpr))
	}
}

// RunEnded emits the run summary span.
func (b *OTelBridge) RunEnded(tr ExecutionTrace) {
	_, span := b.tracer.Start(context.Background(), "hive.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("hive.trace_id", tr.TraceID),
		attribute.String("hive.run_id", tr.RunID),
		attribute.String("hive.graph_id", tr.GraphID),
		attribute.Int("hive.total_steps", tr.TotalSteps),
		attribute.Int("hive.total_retries", tr.TotalRetries),
		attribute.Int64("hive.duration_ms", tr.DurationMS),
		attribute.Float64("hive.llm.cost_usd", tr.CostUSD),
		attribute.Bool("hive.success", tr.Success),
	)
	if tr.Error != "" {
		span.SetStatus(codes.Error, tr.Error)
	}
}

// Flush forces export of buffered spans. Call before shutdown so batched
// exporters do not drop the tail of a run.
func (b *OTelBridge) Flush(ctx context.Context) error {
	tp := otel.GetTracerProvider()
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := tp.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}
