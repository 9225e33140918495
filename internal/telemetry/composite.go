package telemetry

import (
	"context"
	"errors"
)

// CompositeExporter fans out to several exporters. Every exporter sees
// every record even when an earlier one fails; the errors are joined
// so the retry layer treats any failure as a failed attempt.
type CompositeExporter struct {
	exporters []Exporter
}

// NewCompositeExporter builds the fan-out. Nil members are dropped.
func NewCompositeExporter(exporters ...Exporter) *CompositeExporter {
	kept := make([]Exporter, 0, len(exporters))
	for _, e := range exporters {
		if e != nil {
			kept = append(kept, e)
		}
	}
	return &CompositeExporter{exporters: kept}
}

func (c *CompositeExporter) each(fn func(Exporter) error) error {
	var errs []error
	for _, e := range c.exporters {
		if err := fn(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *CompositeExporter) StartTurn(ctx context.Context, turn TurnContext) error {
	return c.each(func(e Exporter) error { return e.StartTurn(ctx, turn) })
}

func (c *CompositeExporter) EndTurn(ctx context.Context, summary TurnSummary) error {
	return c.each(func(e Exporter) error { return e.EndTurn(ctx, summary) })
}

func (c *CompositeExporter) RecordToolExecution(ctx context.Context, exec ToolExecution) error {
	return c.each(func(e Exporter) error { return e.RecordToolExecution(ctx, exec) })
}

func (c *CompositeExporter) RecordModelCall(ctx context.Context, call ModelCall) error {
	return c.each(func(e Exporter) error { return e.RecordModelCall(ctx, call) })
}

func (c *CompositeExporter) IncrementToolCalls(ctx context.Context, turnID string) error {
	return c.each(func(e Exporter) error { return e.IncrementToolCalls(ctx, turnID) })
}

func (c *CompositeExporter) Close() error {
	return c.each(func(e Exporter) error { return e.Close() })
}
