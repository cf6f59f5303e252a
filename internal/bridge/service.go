// Package bridge turns completed gateway invocations into delivered trace
// runs. The request path only hands an invocation to Handle; correlation,
// assembly and delivery happen on background goroutines.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ongoingai/tracebridge/internal/config"
	"github.com/ongoingai/tracebridge/internal/correlation"
	"github.com/ongoingai/tracebridge/internal/invocation"
	"github.com/ongoingai/tracebridge/internal/trace"
)

const defaultInvocationQueueSize = 1024

var (
	ErrNotConfigured     = errors.New("trace bridge is not configured")
	ErrAlreadyConfigured = errors.New("trace bridge is already configured")
)

const (
	StateNew        = "new"
	StateActive     = "active"
	StateShutdown   = "shutdown"
	stateNewID      = 0
	stateActiveID   = 1
	stateShutdownID = 2
)

// Backend is the ingestion backend: it accepts runs and can verify that it
// is reachable with the configured credentials.
type Backend interface {
	trace.Sender
	CheckSessions(ctx context.Context) error
}

// Metrics holds optional callbacks for the service and its pipeline.
type Metrics struct {
	OnInvocationDropped func(count int)
	OnInvocationFailed  func(count int)
	Pipeline            *trace.PipelineMetrics
}

// Diagnostics is a point-in-time view of the bridge for operators.
type Diagnostics struct {
	State                   string                       `json:"state"`
	InvocationQueueCapacity int                          `json:"invocation_queue_capacity"`
	InvocationQueueDepth    int                          `json:"invocation_queue_depth"`
	InvocationsReceived     int64                        `json:"invocations_received_total"`
	InvocationsDropped      int64                        `json:"invocations_dropped_total"`
	InvocationsProcessed    int64                        `json:"invocations_processed_total"`
	InvocationsFailed       int64                        `json:"invocations_failed_total"`
	Correlation             correlation.AnchorCacheStats `json:"correlation"`
	Pipeline                trace.PipelineDiagnostics    `json:"pipeline"`
}

// Service owns the correlator and the delivery pipeline. Build it with New,
// activate it with Configure and stop it with Shutdown.
type Service struct {
	cfg     config.Config
	backend Backend
	spool   trace.Spool
	logger  *slog.Logger

	correlator *correlation.Correlator
	assembler  *trace.Assembler
	pipeline   *trace.Pipeline

	invocations chan invocation.Invocation
	workerDone  chan struct{}
	acceptMu    sync.RWMutex
	state       atomic.Int32
	metrics     atomic.Value // *Metrics

	received  atomic.Int64
	dropped   atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
}

// Option customizes a Service.
type Option func(*Service)

// WithSpool persists runs abandoned at shutdown and enables replay.
func WithSpool(spool trace.Spool) Option {
	return func(s *Service) {
		s.spool = spool
	}
}

// WithAssembler replaces the default run assembler.
func WithAssembler(assembler *trace.Assembler) Option {
	return func(s *Service) {
		if assembler != nil {
			s.assembler = assembler
		}
	}
}

func New(cfg config.Config, backend Backend, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := cfg.Delivery.QueueSize
	if queueSize <= 0 {
		queueSize = defaultInvocationQueueSize
	}
	s := &Service{
		cfg:         cfg,
		backend:     backend,
		logger:      logger,
		assembler:   trace.NewAssembler(cfg.LangSmith.RunSessionName()),
		invocations: make(chan invocation.Invocation, queueSize),
		workerDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics.Store(&Metrics{})
	return s
}

// SetMetrics installs metric callbacks. Pipeline callbacks installed before
// Configure are applied when the pipeline is built.
func (s *Service) SetMetrics(m *Metrics) {
	if m == nil {
		m = &Metrics{}
	}
	s.metrics.Store(m)
	if s.pipeline != nil {
		s.pipeline.SetMetrics(m.Pipeline)
	}
}

func (s *Service) loadMetrics() *Metrics {
	m, _ := s.metrics.Load().(*Metrics)
	if m == nil {
		return &Metrics{}
	}
	return m
}

// Configure validates the backend settings, checks that the backend is
// reachable and starts background processing. Nothing is accepted until it
// succeeds.
func (s *Service) Configure(ctx context.Context) error {
	if s.state.Load() != stateNewID {
		return ErrAlreadyConfigured
	}
	if err := config.ValidateLangSmith(s.cfg.LangSmith); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if s.backend == nil {
		return errors.New("invalid configuration: backend client is required")
	}
	if err := s.backend.CheckSessions(ctx); err != nil {
		return fmt.Errorf("langsmith connectivity check failed: %w", err)
	}

	anchors, err := correlation.NewAnchorCache(s.cfg.Correlation.MaxEntries, s.cfg.Correlation.TTL())
	if err != nil {
		return fmt.Errorf("create correlation cache: %w", err)
	}
	s.correlator = correlation.NewCorrelator(anchors)

	pipeline := trace.NewPipeline(s.backend, trace.PipelineConfig{
		BatchSize:        s.cfg.LangSmith.BatchSize,
		FlushInterval:    s.cfg.LangSmith.FlushInterval(),
		MaxQueueSize:     s.cfg.Delivery.MaxQueueSize,
		DrainMaxFailures: s.cfg.Delivery.DrainMaxFailures,
	}, s.spool, s.logger)
	pipeline.SetMetrics(s.loadMetrics().Pipeline)
	s.pipeline = pipeline

	if s.spool != nil && s.cfg.Spool.ReplayOnStart {
		replayed, err := pipeline.Replay(ctx)
		if err != nil {
			s.logger.Warn("failed to replay spooled runs", "error", err.Error(), "replayed", replayed)
		} else if replayed > 0 {
			s.logger.Info("replayed spooled runs", "count", replayed, "spool_driver", s.spool.Driver())
		}
	}

	pipeline.Start(context.WithoutCancel(ctx))
	go s.work()
	s.state.Store(stateActiveID)

	s.logger.Info("trace bridge configured",
		"endpoint", s.cfg.LangSmith.Endpoint,
		"session_name", s.cfg.LangSmith.RunSessionName(),
		"batch_size", s.cfg.LangSmith.BatchSize,
		"flush_interval_ms", s.cfg.LangSmith.FlushIntervalMS,
	)
	return nil
}

// Handle queues a completed invocation for tracing and returns immediately.
// It never blocks and never fails the caller: when the bridge is inactive or
// its queue is full the invocation is dropped and counted.
func (s *Service) Handle(inv invocation.Invocation) bool {
	if s == nil {
		return false
	}
	s.received.Add(1)

	s.acceptMu.RLock()
	defer s.acceptMu.RUnlock()
	if s.state.Load() != stateActiveID {
		s.recordDropped()
		return false
	}
	select {
	case s.invocations <- inv:
		return true
	default:
		s.recordDropped()
		return false
	}
}

func (s *Service) recordDropped() {
	s.dropped.Add(1)
	if m := s.loadMetrics(); m.OnInvocationDropped != nil {
		m.OnInvocationDropped(1)
	}
}

func (s *Service) work() {
	defer close(s.workerDone)
	for inv := range s.invocations {
		s.process(inv)
	}
}

// process correlates, assembles and enqueues one invocation. Failures are
// logged and swallowed; they never reach the proxied caller.
func (s *Service) process(inv invocation.Invocation) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.recordFailed()
			s.logger.Error("trace processing panicked",
				"request_id", inv.Identity.RequestID,
				"panic", fmt.Sprint(recovered),
			)
		}
	}()

	link := s.correlator.Resolve(inv)
	runs := s.assembler.Assemble(inv, link)
	if len(runs) == 0 {
		return
	}
	if link.Register {
		if _, err := s.correlator.Register(link, runs[0].ID); err != nil {
			s.logger.Debug("failed to register interaction anchor",
				"interaction_id", link.InteractionID,
				"error", err.Error(),
			)
		}
	}
	if err := s.pipeline.Enqueue(runs...); err != nil {
		s.recordFailed()
		s.logger.Debug("failed to enqueue runs",
			"interaction_id", link.InteractionID,
			"runs", len(runs),
			"error", err.Error(),
		)
		return
	}
	s.processed.Add(1)
}

func (s *Service) recordFailed() {
	s.failed.Add(1)
	if m := s.loadMetrics(); m.OnInvocationFailed != nil {
		m.OnInvocationFailed(1)
	}
}

// Shutdown stops accepting invocations, finishes the ones already queued and
// drains the delivery pipeline. It reports an error when runs were abandoned
// without being spooled.
func (s *Service) Shutdown(ctx context.Context) (trace.DrainResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.state.CompareAndSwap(stateActiveID, stateShutdownID) {
		if s.state.CompareAndSwap(stateNewID, stateShutdownID) {
			return trace.DrainResult{}, nil
		}
		return trace.DrainResult{}, ErrNotConfigured
	}

	s.acceptMu.Lock()
	close(s.invocations)
	s.acceptMu.Unlock()

	select {
	case <-s.workerDone:
	case <-ctx.Done():
		s.logger.Warn("trace worker did not finish before shutdown deadline",
			"pending_invocations", len(s.invocations),
		)
	}

	result := s.pipeline.Drain(ctx)
	s.correlator.Close()
	if s.spool != nil {
		if err := s.spool.Close(); err != nil {
			s.logger.Warn("failed to close spool", "error", err.Error())
		}
	}

	s.logger.Info("trace bridge stopped",
		"delivered", result.Delivered,
		"abandoned", result.Abandoned,
		"spooled", result.Spooled,
	)
	if lost := result.Abandoned - result.Spooled; lost > 0 {
		if result.Err != nil {
			return result, fmt.Errorf("abandoned %d undelivered runs: %w", lost, result.Err)
		}
		return result, fmt.Errorf("abandoned %d undelivered runs", lost)
	}
	return result, nil
}

// Flush delivers one batch immediately.
func (s *Service) Flush(ctx context.Context) error {
	if s.state.Load() != stateActiveID {
		return ErrNotConfigured
	}
	return s.pipeline.Flush(ctx)
}

func (s *Service) Diagnostics() Diagnostics {
	diag := Diagnostics{
		State:                   s.stateName(),
		InvocationQueueCapacity: cap(s.invocations),
		InvocationQueueDepth:    len(s.invocations),
		InvocationsReceived:     s.received.Load(),
		InvocationsDropped:      s.dropped.Load(),
		InvocationsProcessed:    s.processed.Load(),
		InvocationsFailed:       s.failed.Load(),
	}
	if s.state.Load() != stateNewID && s.pipeline != nil {
		diag.Pipeline = s.pipeline.Diagnostics()
		diag.Correlation = s.correlator.Stats()
	}
	return diag
}

func (s *Service) stateName() string {
	switch s.state.Load() {
	case stateActiveID:
		return StateActive
	case stateShutdownID:
		return StateShutdown
	default:
		return StateNew
	}
}
