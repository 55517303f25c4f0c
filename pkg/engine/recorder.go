package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/galaddirie/flowline/internal/log"
)

// Sink receives execution records for durable storage. Implementations
// must tolerate redelivery: a batch that errored is retried whole.
type Sink interface {
	AppendStepExecutions(ctx context.Context, batch []*StepExecution) error
	UpdateExecution(ctx context.Context, exec *Execution) error
}

const (
	defaultFlushInterval = time.Second
	defaultBatchSize     = 64
	maxFlushBackoff      = 30 * time.Second
)

// Recorder is an Observer that buffers finished StepExecutions and flushes
// them to a Sink in batches. Execution status changes are written through
// immediately. Flush failures back off and keep the buffer; records are
// never dropped while the recorder is open.
type Recorder struct {
	sink     Sink
	logger   *slog.Logger
	interval time.Duration
	batch    int

	mu       sync.Mutex
	buf      []*StepExecution
	failures int
	deferred time.Time

	stop chan struct{}
	done chan struct{}
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithFlushInterval sets the periodic flush cadence.
func WithFlushInterval(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithBatchSize sets the buffer size that forces an early flush.
func WithBatchSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.batch = n
		}
	}
}

// WithRecorderLogger sets the logger.
func WithRecorderLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = l }
}

// NewRecorder starts a recorder over a sink. Close it to flush the
// remaining buffer.
func NewRecorder(sink Sink, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		sink:     sink,
		logger:   slog.Default(),
		interval: defaultFlushInterval,
		batch:    defaultBatchSize,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.loop()
	return r
}

// ExecutionUpdated writes the execution state through immediately.
func (r *Recorder) ExecutionUpdated(exec *Execution) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.sink.UpdateExecution(ctx, exec); err != nil {
		r.logger.Warn("execution update failed",
			log.ExecutionIDKey, exec.ID,
			log.Error(err))
	}
}

// StepStarted is a no-op; only terminal records are durable.
func (r *Recorder) StepStarted(*StepExecution) {}

// StepFinished buffers the record for the next flush.
func (r *Recorder) StepFinished(se *StepExecution) {
	r.mu.Lock()
	r.buf = append(r.buf, se)
	full := len(r.buf) >= r.batch
	r.mu.Unlock()
	if full {
		r.Flush(context.Background())
	}
}

// Flush writes the buffered records out. On failure the buffer is kept and
// the next attempt is deferred with exponential backoff.
func (r *Recorder) Flush(ctx context.Context) {
	r.mu.Lock()
	if len(r.buf) == 0 || time.Now().Before(r.deferred) {
		r.mu.Unlock()
		return
	}
	batch := r.buf
	r.buf = nil
	r.mu.Unlock()

	if err := r.sink.AppendStepExecutions(ctx, batch); err != nil {
		r.mu.Lock()
		r.buf = append(batch, r.buf...)
		r.failures++
		backoff := min(time.Second<<min(r.failures, 5), maxFlushBackoff)
		r.deferred = time.Now().Add(backoff)
		r.mu.Unlock()
		r.logger.Warn("step execution flush failed; retrying",
			"batch_size", len(batch),
			"backoff", backoff,
			log.Error(err))
		return
	}

	r.mu.Lock()
	r.failures = 0
	r.deferred = time.Time{}
	r.mu.Unlock()
}

// Close stops the flush loop and drains the buffer.
func (r *Recorder) Close() {
	close(r.stop)
	<-r.done
}

func (r *Recorder) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Flush(context.Background())
		case <-r.stop:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			r.mu.Lock()
			r.deferred = time.Time{}
			r.mu.Unlock()
			r.Flush(ctx)
			cancel()
			return
		}
	}
}
