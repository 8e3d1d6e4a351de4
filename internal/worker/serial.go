// ============================================================================
// Edge-Relay Serial Executor - one goroutine for all edge work
// ============================================================================
//
// Package: internal/worker
// File: serial.go
//
// Model:
//   ┌──────────────┐
//   │ cron ticks   │ --Submit(heartbeat|poll)--┐
//   │ manual calls │ --Submit(trigger)---------┤
//   └──────────────┘                           v
//                                         jobCh (buffered)
//                                              │
//                                    ┌─────────v─────────┐
//                                    │ run goroutine     │
//                                    │ one job at a time │
//                                    └───────────────────┘
//
// Coalescing:
//   A job with Coalesce=true is dropped (ErrAlreadyPending) while another job
//   with the same Purpose is queued or running. A slow poll therefore never
//   stacks a backlog of polls behind it.
//
// Shutdown:
//   Stop() refuses new work, discards queued jobs and waits for the running
//   job. A running job is not cancelled; an HTTP call inside it ends at its
//   own client timeout.
//
//   jobCh is never closed. The run goroutine exits on stopCh, so Submit can
//   never send on a closed channel.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var log = slog.Default()

var (
	// ErrPoolClosed means the executor was stopped.
	ErrPoolClosed = errors.New("executor is closed")
	// ErrPoolNotStarted means Start has not been called.
	ErrPoolNotStarted = errors.New("executor not started")
	// ErrAlreadyPending means a coalescing job of the same purpose is queued
	// or running.
	ErrAlreadyPending = errors.New("job with the same purpose already pending")
	// ErrQueueFull means the job buffer is full.
	ErrQueueFull = errors.New("executor queue is full")
)

// Serial runs submitted jobs one at a time, in submission order.
type Serial struct {
	jobCh   chan Job
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	pending map[string]int // purpose -> queued or running count
	dropped int // jobs taken off jobCh after stop
	started bool
	stopped bool
}

// NewSerial creates an executor whose queue holds bufferSize jobs.
func NewSerial(bufferSize int) *Serial {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Serial{
		jobCh:   make(chan Job, bufferSize),
		stopCh:  make(chan struct{}),
		pending: make(map[string]int),
	}
}

// Start launches the run goroutine. Jobs receive ctx.
func (s *Serial) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("executor already started")
	}
	if s.stopped {
		return ErrPoolClosed
	}
	s.started = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	return nil
}

func (s *Serial) run(ctx context.Context) {
	for {
		select {
		case <-s.stopCh:
			return
		case job := <-s.jobCh:
			// stop wins over queued work
			select {
			case <-s.stopCh:
				s.mu.Lock()
				s.release(job.Purpose)
				s.dropped++
				s.mu.Unlock()
				return
			default:
			}
			s.execute(ctx, job)
		}
	}
}

func (s *Serial) execute(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Job panicked", "purpose", job.Purpose, "panic", r)
		}
		s.mu.Lock()
		s.release(job.Purpose)
		s.mu.Unlock()
	}()
	job.Run(ctx)
}

// release must be called with s.mu held.
func (s *Serial) release(purpose string) {
	if s.pending[purpose] <= 1 {
		delete(s.pending, purpose)
		return
	}
	s.pending[purpose]--
}

// Submit queues job without blocking.
func (s *Serial) Submit(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return ErrPoolNotStarted
	}
	if s.stopped {
		return ErrPoolClosed
	}
	if job.Coalesce && s.pending[job.Purpose] > 0 {
		return ErrAlreadyPending
	}

	select {
	case s.jobCh <- job:
		s.pending[job.Purpose]++
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending reports how many jobs of purpose are queued or running.
func (s *Serial) Pending(purpose string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[purpose]
}

// Stop refuses new jobs, drops queued ones and waits for the running job.
// It returns the number of discarded jobs.
func (s *Serial) Stop() int {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.stopped = true
		s.mu.Unlock()
		return 0
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	discarded := s.dropped
	s.mu.Unlock()
	for {
		select {
		case job := <-s.jobCh:
			s.mu.Lock()
			s.release(job.Purpose)
			s.mu.Unlock()
			discarded++
		default:
			if discarded > 0 {
				log.Info("Discarded queued jobs on stop", "count", discarded)
			}
			return discarded
		}
	}
}

// IsStarted reports whether Start was called.
func (s *Serial) IsStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}
