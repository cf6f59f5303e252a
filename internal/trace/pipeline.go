package trace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultBatchSize        = 10
	DefaultFlushInterval    = 5 * time.Second
	DefaultDrainMaxFailures = 3

	spoolSaveTimeout = 5 * time.Second
)

const (
	QueuePressureOK        = "ok"
	QueuePressureElevated  = "elevated"
	QueuePressureHigh      = "high"
	QueuePressureSaturated = "saturated"
)

var ErrQueueClosed = errors.New("delivery queue is closed")

// Sender delivers a single run to the ingestion backend.
type Sender interface {
	SendRun(ctx context.Context, run *Run) error
}

// PipelineConfig controls batching and shutdown behavior.
type PipelineConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	// MaxQueueSize caps pending runs; the oldest are dropped beyond it. Zero
	// disables the cap.
	MaxQueueSize int
	// DrainMaxFailures is the number of consecutive failed flushes after
	// which Drain abandons whatever is still queued.
	DrainMaxFailures int
}

// PipelineMetrics holds optional callbacks the Pipeline invokes at key
// delivery points.
type PipelineMetrics struct {
	OnEnqueue func(count int)
	OnDeliver func(count int)
	OnRequeue func(count int)
	// OnDrop is called when the queue cap discards runs.
	OnDrop func(count int)
	// OnAbandon is called when Drain gives up on runs.
	OnAbandon func(count int)
	// OnFlushStart is called before each batch is sent. It returns an end
	// function that the pipeline calls once the batch settles.
	OnFlushStart func(batchSize int) func(error)
	OnFlush      func(batchSize int, duration time.Duration)
}

// DrainResult reports the outcome of a shutdown drain.
type DrainResult struct {
	Delivered int
	Abandoned int
	Spooled   int
	Err       error
}

// PipelineDiagnostics captures queue pressure and delivery counters.
type PipelineDiagnostics struct {
	BatchSize                        int              `json:"batch_size"`
	FlushIntervalMS                  int64            `json:"flush_interval_ms"`
	QueueCapacity                    int              `json:"queue_capacity"`
	QueueDepth                       int              `json:"queue_depth"`
	QueueDepthHighWatermark          int              `json:"queue_depth_high_watermark"`
	QueueUtilizationPct              int              `json:"queue_utilization_pct"`
	QueueHighWatermarkUtilizationPct int              `json:"queue_high_watermark_utilization_pct"`
	QueuePressureState               string           `json:"queue_pressure_state"`
	EnqueuedTotal                    int64            `json:"enqueued_total"`
	DeliveredTotal                   int64            `json:"delivered_total"`
	RequeuedTotal                    int64            `json:"requeued_total"`
	DroppedTotal                     int64            `json:"dropped_total"`
	AbandonedTotal                   int64            `json:"abandoned_total"`
	SpooledTotal                     int64            `json:"spooled_total"`
	FlushesTotal                     int64            `json:"flushes_total"`
	FlushFailuresTotal               int64            `json:"flush_failures_total"`
	ConsecutiveFlushFailures         int64            `json:"consecutive_flush_failures"`
	LastFlushAt                      *time.Time       `json:"last_flush_at,omitempty"`
	LastFailureAt                    *time.Time       `json:"last_failure_at,omitempty"`
	LastFailureClass                 string           `json:"last_failure_class,omitempty"`
	LastFailureRetryable             *bool            `json:"last_failure_retryable,omitempty"`
	FailuresByClass                  map[string]int64 `json:"failures_by_class,omitempty"`
	SpoolDriver                      string           `json:"spool_driver,omitempty"`
}

// Pipeline buffers runs in a FIFO queue and delivers them in bounded batches
// on a size or timer trigger. A failed batch goes back to the front of the
// queue in its original order and is retried on the next trigger.
type Pipeline struct {
	sender Sender
	cfg    PipelineConfig
	spool  Spool
	logger *slog.Logger

	mu    sync.Mutex
	queue []*Run

	flushSignal chan struct{}
	stop        chan struct{}
	done        chan struct{}
	loopCancel  context.CancelFunc
	lifecycleMu sync.Mutex

	started  atomic.Bool
	closed   atomic.Bool
	stopOnce sync.Once
	metrics  atomic.Value // *PipelineMetrics

	queueDepthHighWatermark atomic.Int64
	enqueuedTotal           atomic.Int64
	deliveredTotal          atomic.Int64
	requeuedTotal           atomic.Int64
	droppedTotal            atomic.Int64
	abandonedTotal          atomic.Int64
	spooledTotal            atomic.Int64
	flushesTotal            atomic.Int64
	flushFailuresTotal      atomic.Int64
	consecutiveFailures     atomic.Int64
	lastFlushUnixNano       atomic.Int64
	lastFailureUnixNano     atomic.Int64
	lastFailureClass        atomic.Value // string
	lastFailureRetryable    atomic.Bool

	failuresMu      sync.Mutex
	failuresByClass map[string]int64
}

// NewPipeline builds a pipeline delivering through sender. spool may be nil,
// in which case runs abandoned at shutdown are only counted.
func NewPipeline(sender Sender, cfg PipelineConfig, spool Spool, logger *slog.Logger) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.MaxQueueSize < 0 {
		cfg.MaxQueueSize = 0
	}
	if cfg.DrainMaxFailures <= 0 {
		cfg.DrainMaxFailures = DefaultDrainMaxFailures
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		sender:          sender,
		cfg:             cfg,
		spool:           spool,
		logger:          logger,
		flushSignal:     make(chan struct{}, 1),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
		failuresByClass: make(map[string]int64),
	}
	p.metrics.Store(&PipelineMetrics{})
	p.lastFailureClass.Store("")
	return p
}

// SetMetrics replaces the metric callbacks used by the pipeline.
func (p *Pipeline) SetMetrics(m *PipelineMetrics) {
	if p == nil {
		return
	}
	if m == nil {
		m = &PipelineMetrics{}
	}
	p.metrics.Store(m)
}

func (p *Pipeline) loadMetrics() *PipelineMetrics {
	m, _ := p.metrics.Load().(*PipelineMetrics)
	if m == nil {
		return &PipelineMetrics{}
	}
	return m
}

// Start launches the flush loop that owns the recurring timer and reacts to
// size-triggered flush signals.
func (p *Pipeline) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.lifecycleMu.Lock()
	p.loopCancel = cancel
	p.lifecycleMu.Unlock()

	go p.flushLoop(loopCtx)
}

func (p *Pipeline) flushLoop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.Flush(ctx)
		case <-p.flushSignal:
			// Keep draining full batches while the backend accepts them.
			for {
				if err := p.Flush(ctx); err != nil || p.Len() < p.cfg.BatchSize {
					break
				}
				select {
				case <-p.stop:
					return
				default:
				}
			}
		}
	}
}

// Enqueue appends runs to the tail of the queue in the given order. When the
// queue reaches the batch size a flush is signalled without waiting for the
// timer. Enqueue never blocks on delivery.
func (p *Pipeline) Enqueue(runs ...*Run) error {
	_, err := p.enqueue(runs, false)
	return err
}

// enqueue appends the non-nil runs. With fit set, only the leading runs that
// fit under MaxQueueSize are appended and nothing already queued is trimmed.
// It returns the number of runs appended.
func (p *Pipeline) enqueue(runs []*Run, fit bool) (int, error) {
	if p.closed.Load() {
		return 0, ErrQueueClosed
	}
	accepted := make([]*Run, 0, len(runs))
	for _, run := range runs {
		if run != nil {
			accepted = append(accepted, run)
		}
	}
	if len(accepted) == 0 {
		return 0, nil
	}

	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		return 0, ErrQueueClosed
	}
	if fit && p.cfg.MaxQueueSize > 0 {
		room := max(p.cfg.MaxQueueSize-len(p.queue), 0)
		if len(accepted) > room {
			accepted = accepted[:room]
		}
	}
	if len(accepted) == 0 {
		p.mu.Unlock()
		return 0, nil
	}
	p.queue = append(p.queue, accepted...)
	dropped := p.trimLocked()
	depth := len(p.queue)
	p.mu.Unlock()

	p.enqueuedTotal.Add(int64(len(accepted)))
	p.observeQueueDepth(depth)
	m := p.loadMetrics()
	if m.OnEnqueue != nil {
		m.OnEnqueue(len(accepted))
	}
	p.reportDropped(dropped)

	if depth >= p.cfg.BatchSize {
		select {
		case p.flushSignal <- struct{}{}:
		default:
		}
	}
	return len(accepted), nil
}

// Flush removes up to BatchSize runs from the head of the queue and sends
// them in order. The removal happens before any send, so overlapping flushes
// never select the same runs. On the first failure the whole batch returns
// to the front of the queue and the error is returned.
func (p *Pipeline) Flush(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	batch := p.takeBatch(p.cfg.BatchSize)
	if len(batch) == 0 {
		return nil
	}

	p.flushesTotal.Add(1)
	start := time.Now()
	m := p.loadMetrics()
	var endFlush func(error)
	if m.OnFlushStart != nil {
		endFlush = m.OnFlushStart(len(batch))
	}

	var sendErr error
	for i, run := range batch {
		if err := p.sender.SendRun(ctx, run); err != nil {
			sendErr = fmt.Errorf("deliver run %s (%d of %d): %w", run.ID, i+1, len(batch), err)
			break
		}
	}

	if endFlush != nil {
		endFlush(sendErr)
	}
	if m.OnFlush != nil {
		m.OnFlush(len(batch), time.Since(start))
	}
	p.lastFlushUnixNano.Store(time.Now().UTC().UnixNano())

	if sendErr != nil {
		p.requeueFront(batch)
		p.recordFailure(sendErr)
		p.logger.Debug("trace batch delivery failed; batch requeued",
			"batch_size", len(batch),
			"queue_depth", p.Len(),
			"error_class", ClassifyDeliveryError(sendErr),
			"retryable", DeliveryRetryable(sendErr),
			"error", sendErr.Error(),
		)
		return sendErr
	}

	p.consecutiveFailures.Store(0)
	p.deliveredTotal.Add(int64(len(batch)))
	if m.OnDeliver != nil {
		m.OnDeliver(len(batch))
	}
	return nil
}

// Drain stops the flush loop and flushes until the queue is empty, the
// configured number of consecutive flushes has failed, or ctx expires.
// Whatever remains is abandoned: written to the spool when one is configured
// and counted either way.
func (p *Pipeline) Drain(ctx context.Context) DrainResult {
	if ctx == nil {
		ctx = context.Background()
	}
	p.closed.Store(true)
	p.stopLoop(ctx)

	deliveredBefore := p.deliveredTotal.Load()
	var (
		result   DrainResult
		failures int
	)
	for p.Len() > 0 {
		if err := ctx.Err(); err != nil {
			result.Err = err
			break
		}
		if err := p.Flush(ctx); err != nil {
			result.Err = err
			failures++
			if failures >= p.cfg.DrainMaxFailures {
				break
			}
			continue
		}
		failures = 0
		result.Err = nil
	}
	result.Delivered = int(p.deliveredTotal.Load() - deliveredBefore)

	remaining := p.takeBatch(-1)
	if len(remaining) == 0 {
		return result
	}
	result.Abandoned = len(remaining)
	p.abandonedTotal.Add(int64(len(remaining)))
	if m := p.loadMetrics(); m.OnAbandon != nil {
		m.OnAbandon(len(remaining))
	}

	if p.spool != nil {
		spoolCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), spoolSaveTimeout)
		defer cancel()
		if err := p.spool.Save(spoolCtx, remaining); err != nil {
			p.recordFailure(err)
			p.logger.Error("failed to spool abandoned runs",
				"abandoned", len(remaining),
				"error_class", ClassifyDeliveryError(err),
				"error", err.Error(),
			)
			result.Err = errors.Join(result.Err, fmt.Errorf("spool abandoned runs: %w", err))
		} else {
			result.Spooled = len(remaining)
			p.spooledTotal.Add(int64(len(remaining)))
		}
	}

	p.logger.Warn("abandoned undelivered runs at shutdown",
		"abandoned", result.Abandoned,
		"spooled", result.Spooled,
		"delivered", result.Delivered,
	)
	return result
}

// Replay loads runs persisted by an earlier drain, queues them parents first
// and removes the queued ones from the spool. Runs that do not fit under
// MaxQueueSize stay spooled for a later start. It returns the number queued.
func (p *Pipeline) Replay(ctx context.Context) (int, error) {
	if p.spool == nil {
		return 0, nil
	}
	runs, err := p.spool.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load spooled runs: %w", err)
	}
	runs = spoolableRuns(runs)
	if len(runs) == 0 {
		return 0, nil
	}
	SortRunsParentsFirst(runs)
	queued, err := p.enqueue(runs, true)
	if err != nil {
		return 0, err
	}
	if queued == 0 {
		return 0, nil
	}
	ids := make([]string, 0, queued)
	for _, run := range runs[:queued] {
		ids = append(ids, run.ID)
	}
	if left := len(runs) - queued; left > 0 {
		p.logger.Warn("delivery queue is full; leaving runs spooled",
			"replayed", queued,
			"left_spooled", left,
		)
	}
	if err := p.spool.Delete(ctx, ids); err != nil {
		return queued, fmt.Errorf("delete replayed runs: %w", err)
	}
	return queued, nil
}

// Len returns the number of runs waiting for delivery.
func (p *Pipeline) Len() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pipeline) stopLoop(ctx context.Context) {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	if !p.started.Load() {
		return
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		// An in-flight send is holding the loop; abort it so its batch is
		// requeued for the drain.
		p.lifecycleMu.Lock()
		cancel := p.loopCancel
		p.lifecycleMu.Unlock()
		if cancel != nil {
			cancel()
		}
		<-p.done
	}
	p.lifecycleMu.Lock()
	if p.loopCancel != nil {
		p.loopCancel()
	}
	p.lifecycleMu.Unlock()
}

// takeBatch removes up to n runs from the head of the queue. A negative n
// removes everything.
func (p *Pipeline) takeBatch(n int) []*Run {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	if n < 0 || n > len(p.queue) {
		n = len(p.queue)
	}
	batch := make([]*Run, n)
	copy(batch, p.queue[:n])
	remaining := make([]*Run, len(p.queue)-n)
	copy(remaining, p.queue[n:])
	p.queue = remaining
	return batch
}

func (p *Pipeline) requeueFront(batch []*Run) {
	p.mu.Lock()
	queue := make([]*Run, 0, len(batch)+len(p.queue))
	queue = append(queue, batch...)
	queue = append(queue, p.queue...)
	p.queue = queue
	dropped := p.trimLocked()
	p.mu.Unlock()

	p.requeuedTotal.Add(int64(len(batch)))
	if m := p.loadMetrics(); m.OnRequeue != nil {
		m.OnRequeue(len(batch))
	}
	p.reportDropped(dropped)
}

// trimLocked enforces MaxQueueSize by discarding the oldest runs.
func (p *Pipeline) trimLocked() int {
	if p.cfg.MaxQueueSize <= 0 || len(p.queue) <= p.cfg.MaxQueueSize {
		return 0
	}
	overflow := len(p.queue) - p.cfg.MaxQueueSize
	kept := make([]*Run, p.cfg.MaxQueueSize)
	copy(kept, p.queue[overflow:])
	p.queue = kept
	return overflow
}

func (p *Pipeline) reportDropped(count int) {
	if count <= 0 {
		return
	}
	p.droppedTotal.Add(int64(count))
	if m := p.loadMetrics(); m.OnDrop != nil {
		m.OnDrop(count)
	}
	p.logger.Warn("delivery queue full; dropped oldest runs",
		"dropped", count,
		"max_queue_size", p.cfg.MaxQueueSize,
	)
}

func (p *Pipeline) recordFailure(err error) {
	class := ClassifyDeliveryError(err)
	p.flushFailuresTotal.Add(1)
	p.consecutiveFailures.Add(1)
	p.lastFailureUnixNano.Store(time.Now().UTC().UnixNano())
	p.lastFailureClass.Store(class)
	p.lastFailureRetryable.Store(DeliveryRetryable(err))
	p.failuresMu.Lock()
	p.failuresByClass[class]++
	p.failuresMu.Unlock()
}

func (p *Pipeline) observeQueueDepth(depth int) {
	depthValue := int64(depth)
	for {
		current := p.queueDepthHighWatermark.Load()
		if depthValue <= current {
			return
		}
		if p.queueDepthHighWatermark.CompareAndSwap(current, depthValue) {
			return
		}
	}
}

// Diagnostics returns a point-in-time snapshot of queue pressure and delivery
// counters for operator diagnostics.
func (p *Pipeline) Diagnostics() PipelineDiagnostics {
	if p == nil {
		return PipelineDiagnostics{}
	}
	depth := p.Len()
	highWatermark := int(p.queueDepthHighWatermark.Load())
	if depth > highWatermark {
		highWatermark = depth
	}
	capacity := p.cfg.MaxQueueSize
	utilPct := queueUtilizationPct(depth, capacity)
	highWatermarkPct := queueUtilizationPct(highWatermark, capacity)

	snapshot := PipelineDiagnostics{
		BatchSize:                        p.cfg.BatchSize,
		FlushIntervalMS:                  p.cfg.FlushInterval.Milliseconds(),
		QueueCapacity:                    capacity,
		QueueDepth:                       depth,
		QueueDepthHighWatermark:          highWatermark,
		QueueUtilizationPct:              utilPct,
		QueueHighWatermarkUtilizationPct: highWatermarkPct,
		QueuePressureState:               queuePressureState(utilPct),
		EnqueuedTotal:                    p.enqueuedTotal.Load(),
		DeliveredTotal:                   p.deliveredTotal.Load(),
		RequeuedTotal:                    p.requeuedTotal.Load(),
		DroppedTotal:                     p.droppedTotal.Load(),
		AbandonedTotal:                   p.abandonedTotal.Load(),
		SpooledTotal:                     p.spooledTotal.Load(),
		FlushesTotal:                     p.flushesTotal.Load(),
		FlushFailuresTotal:               p.flushFailuresTotal.Load(),
		ConsecutiveFlushFailures:         p.consecutiveFailures.Load(),
	}
	if ts := p.lastFlushUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastFlushAt = &last
	}
	if ts := p.lastFailureUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastFailureAt = &last
		retryable := p.lastFailureRetryable.Load()
		snapshot.LastFailureRetryable = &retryable
	}
	if class, ok := p.lastFailureClass.Load().(string); ok {
		snapshot.LastFailureClass = class
	}
	p.failuresMu.Lock()
	if len(p.failuresByClass) > 0 {
		snapshot.FailuresByClass = make(map[string]int64, len(p.failuresByClass))
		for class, count := range p.failuresByClass {
			snapshot.FailuresByClass[class] = count
		}
	}
	p.failuresMu.Unlock()
	if p.spool != nil {
		snapshot.SpoolDriver = p.spool.Driver()
	}
	return snapshot
}

func queueUtilizationPct(depth, capacity int) int {
	if capacity <= 0 || depth <= 0 {
		return 0
	}
	if depth >= capacity {
		return 100
	}
	return int((int64(depth) * 100) / int64(capacity))
}

func queuePressureState(utilizationPct int) string {
	switch {
	case utilizationPct >= 100:
		return QueuePressureSaturated
	case utilizationPct >= 80:
		return QueuePressureHigh
	case utilizationPct >= 50:
		return QueuePressureElevated
	default:
		return QueuePressureOK
	}
}
