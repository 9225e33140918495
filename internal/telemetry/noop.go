package telemetry

import "context"

// NoopExporter discards everything. The default when nothing is
// configured, so the processor path stays identical either way.
type NoopExporter struct{}

func (NoopExporter) StartTurn(context.Context, TurnContext) error              { return nil }
func (NoopExporter) EndTurn(context.Context, TurnSummary) error                { return nil }
func (NoopExporter) RecordToolExecution(context.Context, ToolExecution) error  { return nil }
func (NoopExporter) RecordModelCall(context.Context, ModelCall) error          { return nil }
func (NoopExporter) IncrementToolCalls(context.Context, string) error          { return nil }
func (NoopExporter) Close() error                                              { return nil }
