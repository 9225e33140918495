package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/rho-agent/rho/pkg/models"
)

// OTLPExporter maps telemetry onto OpenTelemetry traces: one span per
// turn, a child span per tool execution, and span events for model
// calls. Shipped over OTLP/gRPC to whatever collector is listening.
type OTLPExporter struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer

	mu    sync.Mutex
	spans map[string]turnSpan // by turn id
}

type turnSpan struct {
	ctx  context.Context
	span trace.Span
}

// OTLPConfig configures the collector connection.
type OTLPConfig struct {
	// Endpoint is host:port of the OTLP gRPC collector.
	Endpoint string
	// ServiceName defaults to "rho".
	ServiceName string
	// ServiceVersion tags emitted resource attributes.
	ServiceVersion string
	// Insecure disables TLS (local collectors).
	Insecure bool
}

// NewOTLPExporter dials the collector and builds the trace pipeline.
func NewOTLPExporter(ctx context.Context, cfg OTLPConfig) (*OTLPExporter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("telemetry: otlp endpoint is required")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "rho"
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("telemetry: otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	return &OTLPExporter{
		provider: provider,
		tracer:   provider.Tracer("rho/telemetry"),
		spans:    make(map[string]turnSpan),
	}, nil
}

func (o *OTLPExporter) StartTurn(ctx context.Context, turn TurnContext) error {
	spanCtx, span := o.tracer.Start(context.Background(), "agent.turn",
		trace.WithTimestamp(turn.StartedAt),
		trace.WithAttributes(
			attribute.String("session.id", turn.SessionID),
			attribute.String("turn.id", turn.TurnID),
		),
	)
	o.mu.Lock()
	o.spans[turn.TurnID] = turnSpan{ctx: spanCtx, span: span}
	o.mu.Unlock()
	return nil
}

func (o *OTLPExporter) EndTurn(ctx context.Context, summary TurnSummary) error {
	o.mu.Lock()
	ts, ok := o.spans[summary.TurnID]
	delete(o.spans, summary.TurnID)
	o.mu.Unlock()
	if !ok {
		return nil
	}
	ts.span.SetAttributes(
		attribute.String("turn.status", summary.Status),
		attribute.Int("turn.tool_calls", summary.ToolCalls),
		attribute.Int("turn.model_calls", summary.ModelCalls),
		attribute.Int("usage.input_tokens", summary.Usage.InputTokens),
		attribute.Int("usage.output_tokens", summary.Usage.OutputTokens),
		attribute.Float64("usage.cost_usd", summary.Usage.CostUSD),
	)
	if summary.Status == string(models.StatusError) {
		ts.span.SetStatus(codes.Error, "turn ended with error")
	} else {
		ts.span.SetStatus(codes.Ok, "")
	}
	ts.span.End(trace.WithTimestamp(summary.FinishedAt))
	return nil
}

func (o *OTLPExporter) RecordToolExecution(ctx context.Context, exec ToolExecution) error {
	o.mu.Lock()
	parent, ok := o.spans[exec.TurnID]
	o.mu.Unlock()
	spanParent := context.Background()
	if ok {
		spanParent = parent.ctx
	}

	started := exec.StartedAt
	_, span := o.tracer.Start(spanParent, "tool."+exec.Name,
		trace.WithTimestamp(started),
		trace.WithAttributes(
			attribute.String("tool.name", exec.Name),
			attribute.String("tool.call_id", exec.CallID),
			attribute.Bool("tool.success", exec.Success),
			attribute.Bool("tool.blocked", exec.Blocked),
		),
	)
	if !exec.Success && !exec.Blocked {
		span.SetStatus(codes.Error, "tool failed")
	}
	span.End(trace.WithTimestamp(started.Add(exec.Elapsed)))
	return nil
}

func (o *OTLPExporter) RecordModelCall(ctx context.Context, call ModelCall) error {
	o.mu.Lock()
	ts, ok := o.spans[call.TurnID]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	ts.span.AddEvent("model_call",
		trace.WithTimestamp(call.At),
		trace.WithAttributes(
			attribute.Int("usage.input_tokens", call.Delta.InputTokens),
			attribute.Int("usage.output_tokens", call.Delta.OutputTokens),
			attribute.Int("context.size", call.ContextSize),
		),
	)
	return nil
}

func (o *OTLPExporter) IncrementToolCalls(ctx context.Context, turnID string) error {
	return nil
}

// Close ends any span still open and flushes the batcher.
func (o *OTLPExporter) Close() error {
	o.mu.Lock()
	for id, ts := range o.spans {
		ts.span.End()
		delete(o.spans, id)
	}
	o.mu.Unlock()
	return o.provider.Shutdown(context.Background())
}
