package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rho-agent/rho/internal/backoff"
	"github.com/rho-agent/rho/internal/logging"
	"github.com/rho-agent/rho/pkg/models"
)

const (
	defaultQueueSize   = 256
	defaultMaxAttempts = 3

	// recordExportTimeout bounds one record's export including all
	// retries, so a hung exporter cannot wedge the worker.
	recordExportTimeout = 10 * time.Second
)

// Processor taps a run's event stream, derives telemetry records, and
// exports them from a background worker. The tap is transparent: every
// event is forwarded unchanged, and export failures only ever degrade
// telemetry, never the run.
type Processor struct {
	exporter    Exporter
	log         *logging.Logger
	metrics     *Metrics
	policy      backoff.Policy
	maxAttempts int

	queue    chan job
	done     chan struct{}
	closed   atomic.Bool
	degraded atomic.Bool
	dropped  atomic.Int64

	closeOnce sync.Once
}

type job struct {
	turnID string
	end    bool // this is the turn's EndTurn record
	fn     func(context.Context) error
	flush  chan struct{}
}

// ProcessorOption customizes a Processor.
type ProcessorOption func(*Processor)

// WithProcessorLogger sets the logger.
func WithProcessorLogger(l *logging.Logger) ProcessorOption {
	return func(p *Processor) { p.log = l }
}

// WithProcessorMetrics attaches Prometheus instruments.
func WithProcessorMetrics(m *Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// WithQueueSize overrides the bounded queue capacity.
func WithQueueSize(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.queue = make(chan job, n)
		}
	}
}

// WithMaxAttempts overrides the per-record attempt budget.
func WithMaxAttempts(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithRetryPolicy overrides the backoff between attempts.
func WithRetryPolicy(policy backoff.Policy) ProcessorOption {
	return func(p *Processor) { p.policy = policy }
}

// NewProcessor starts the worker. Close stops it and closes the
// exporter.
func NewProcessor(exporter Exporter, opts ...ProcessorOption) *Processor {
	if exporter == nil {
		exporter = NoopExporter{}
	}
	p := &Processor{
		exporter:    exporter,
		log:         logging.Nop(),
		policy:      backoff.TelemetryPolicy(),
		maxAttempts: defaultMaxAttempts,
		queue:       make(chan job, defaultQueueSize),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.work()
	return p
}

// work drains the queue, retrying each record with backoff. Records
// are strictly ordered, so a turn's EndTurn is always processed after
// everything the turn produced.
func (p *Processor) work() {
	defer close(p.done)
	retried := make(map[string]bool)
	for j := range p.queue {
		if j.flush != nil {
			close(j.flush)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), recordExportTimeout)
		attempts, err := backoff.Retry(ctx, p.policy, p.maxAttempts, func(int) error {
			return j.fn(ctx)
		})
		cancel()

		if attempts > 1 {
			p.degraded.Store(true)
			if j.turnID != "" {
				retried[j.turnID] = true
			}
			if p.metrics != nil {
				p.metrics.ExportRetries.Add(float64(attempts - 1))
			}
		}
		if err != nil {
			if p.metrics != nil {
				p.metrics.ExportFailures.Inc()
			}
			p.log.Warn(context.Background(), "telemetry record lost", "err", err, "attempts", attempts)
		}
		if j.end {
			if retried[j.turnID] && p.metrics != nil {
				p.metrics.DegradedTurns.Inc()
			}
			delete(retried, j.turnID)
		}
	}
}

// submit enqueues one record, dropping it when the queue is full.
func (p *Processor) submit(j job) {
	if p.closed.Load() {
		return
	}
	select {
	case p.queue <- j:
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.DroppedRecords.Inc()
		}
		p.log.Warn(context.Background(), "telemetry queue full, dropping record", "turn_id", j.turnID)
	}
}

// Degraded reports whether any export has needed a retry since the
// processor started.
func (p *Processor) Degraded() bool { return p.degraded.Load() }

// Dropped returns how many records the full queue rejected.
func (p *Processor) Dropped() int64 { return p.dropped.Load() }

// Flush blocks until every record enqueued before the call has been
// processed, or ctx expires.
func (p *Processor) Flush(ctx context.Context) {
	if p.closed.Load() {
		return
	}
	marker := job{flush: make(chan struct{})}
	select {
	case p.queue <- marker:
	case <-ctx.Done():
		return
	}
	select {
	case <-marker.flush:
	case <-ctx.Done():
	}
}

// Close stops accepting records, drains the queue, and closes the
// exporter.
func (p *Processor) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.queue)
		<-p.done
		err = p.exporter.Close()
	})
	return err
}

// WrapTurn taps one run. Everything read from in is forwarded on the
// returned channel unchanged and in order; derived records ride the
// background queue. The returned channel closes when in closes, after
// the turn summary is enqueued.
func (p *Processor) WrapTurn(ctx context.Context, sessionID string, in <-chan models.AgentEvent) <-chan models.AgentEvent {
	out := make(chan models.AgentEvent, cap(in))
	turn := TurnContext{
		SessionID: sessionID,
		TurnID:    uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
	p.submit(job{turnID: turn.TurnID, fn: func(ctx context.Context) error {
		return p.exporter.StartTurn(ctx, turn)
	}})

	go func() {
		defer close(out)
		summary := TurnSummary{TurnContext: turn, Status: string(models.StatusRunning)}
		starts := make(map[string]ToolExecution)

		for ev := range in {
			out <- ev
			p.derive(ev, turn, &summary, starts)
		}

		summary.FinishedAt = time.Now().UTC()
		p.submit(job{turnID: turn.TurnID, end: true, fn: func(ctx context.Context) error {
			return p.exporter.EndTurn(ctx, summary)
		}})
		if p.metrics != nil {
			p.metrics.TurnsTotal.WithLabelValues(summary.Status).Inc()
		}
	}()
	return out
}

// derive updates the running summary and enqueues per-event records.
func (p *Processor) derive(ev models.AgentEvent, turn TurnContext, summary *TurnSummary, starts map[string]ToolExecution) {
	switch ev.Type {
	case models.EventToolStart:
		if ev.Tool != nil {
			starts[ev.Tool.CallID] = ToolExecution{
				SessionID: turn.SessionID,
				TurnID:    turn.TurnID,
				CallID:    ev.Tool.CallID,
				Name:      ev.Tool.Name,
				StartedAt: ev.Time,
			}
		}

	case models.EventToolEnd, models.EventToolBlocked:
		if ev.Tool == nil {
			return
		}
		exec, ok := starts[ev.Tool.CallID]
		if !ok {
			exec = ToolExecution{SessionID: turn.SessionID, TurnID: turn.TurnID, CallID: ev.Tool.CallID, Name: ev.Tool.Name}
		}
		delete(starts, ev.Tool.CallID)
		exec.Elapsed = ev.Tool.Elapsed
		if exec.Elapsed == 0 && !exec.StartedAt.IsZero() {
			exec.Elapsed = ev.Time.Sub(exec.StartedAt)
		}
		exec.Success = ev.Tool.Success
		exec.Blocked = ev.Type == models.EventToolBlocked
		summary.ToolCalls++
		p.submit(job{turnID: turn.TurnID, fn: func(ctx context.Context) error {
			return p.exporter.RecordToolExecution(ctx, exec)
		}})
		p.submit(job{turnID: turn.TurnID, fn: func(ctx context.Context) error {
			return p.exporter.IncrementToolCalls(ctx, turn.TurnID)
		}})
		if p.metrics != nil && !exec.Blocked {
			p.metrics.ToolDuration.WithLabelValues(exec.Name).Observe(exec.Elapsed.Seconds())
		}

	case models.EventAPICallComplete:
		if ev.Model == nil {
			return
		}
		call := ModelCall{
			SessionID:   turn.SessionID,
			TurnID:      turn.TurnID,
			At:          ev.Time,
			Delta:       ev.Model.Delta,
			ContextSize: ev.Model.ContextSize,
		}
		summary.ModelCalls++
		summary.Usage.Add(call.Delta)
		p.submit(job{turnID: turn.TurnID, fn: func(ctx context.Context) error {
			return p.exporter.RecordModelCall(ctx, call)
		}})
		if p.metrics != nil {
			p.metrics.Tokens.WithLabelValues("input").Add(float64(call.Delta.InputTokens))
			p.metrics.Tokens.WithLabelValues("output").Add(float64(call.Delta.OutputTokens))
		}

	case models.EventError:
		summary.Errors++
		summary.Status = string(models.StatusError)

	case models.EventTurnComplete:
		summary.Status = string(models.StatusCompleted)
		if ev.TurnEnd != nil {
			summary.Usage = ev.TurnEnd.Usage
		}

	case models.EventCancelled:
		summary.Status = string(models.StatusCancelled)

	case models.EventInterruption:
		summary.Status = string(models.StatusInterrupted)
	}
}
