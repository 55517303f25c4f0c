package engine

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/galaddirie/flowline/pkg/events"
)

// defaultSampleInterval is the resource sample cadence.
const defaultSampleInterval = 2 * time.Second

// Sampler periodically publishes resource-usage summaries on an
// execution's event topic: one sample scoped to the whole process
// ("session") and one scoped to the current run ("execution").
type Sampler struct {
	bus      *events.Bus
	interval time.Duration

	// work counts completed executor invocations for the current run;
	// queue reports the number of steps not yet terminal.
	work  atomic.Uint64
	queue func() int

	stop chan struct{}
	done chan struct{}
}

// NewSampler starts sampling for one execution. queue may be nil.
func NewSampler(bus *events.Bus, executionID string, queue func() int) *Sampler {
	return NewSamplerInterval(bus, executionID, queue, defaultSampleInterval)
}

// NewSamplerInterval starts sampling with an explicit cadence.
func NewSamplerInterval(bus *events.Bus, executionID string, queue func() int, interval time.Duration) *Sampler {
	s := &Sampler{
		bus:      bus,
		interval: interval,
		queue:    queue,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.loop(executionID)
	return s
}

// CountWork increments the execution's work counter.
func (s *Sampler) CountWork() { s.work.Add(1) }

// Observer adapts the sampler into an engine Observer that counts
// finished executor invocations as work.
func (s *Sampler) Observer() Observer { return samplerObserver{s} }

type samplerObserver struct{ s *Sampler }

func (samplerObserver) ExecutionUpdated(*Execution)   {}
func (samplerObserver) StepStarted(*StepExecution)    {}
func (o samplerObserver) StepFinished(*StepExecution) { o.s.CountWork() }

// Stop ends sampling. A final sample is emitted before returning.
func (s *Sampler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Sampler) loop(executionID string) {
	defer close(s.done)
	topic := events.TopicExecutionEvents(executionID)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sample(topic, executionID)
		case <-s.stop:
			s.sample(topic, executionID)
			return
		}
	}
}

func (s *Sampler) sample(topic, executionID string) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	queueLen := 0
	if s.queue != nil {
		queueLen = s.queue()
	}

	s.bus.Publish(topic, events.Event{
		Type: "resource-usage",
		Data: map[string]any{
			"execution_id": executionID,
			"samples": []any{
				map[string]any{
					"scope":        "session",
					"memory_bytes": mem.Sys,
					"heap_bytes":   mem.HeapAlloc,
					"goroutines":   runtime.NumGoroutine(),
				},
				map[string]any{
					"scope":        "execution",
					"work_count":   s.work.Load(),
					"queue_length": queueLen,
				},
			},
		},
	})
}
