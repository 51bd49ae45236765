package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/threadloom/internal/bus"
	"github.com/basket/threadloom/internal/shared"
)

const defaultMaxSequentialSwaps = 2

// BucketConfig governs a single bucket. Zero values fall back to the
// package defaults; a zero throttle disables throttling for the bucket.
type BucketConfig struct {
	MaxSequentialSwaps int
	ThrottleWindow     time.Duration
	ThrottleLimit      int
}

func (c BucketConfig) normalized() BucketConfig {
	if c.MaxSequentialSwaps <= 0 {
		c.MaxSequentialSwaps = defaultMaxSequentialSwaps
	}
	return c
}

type runningTask struct {
	task   *Task
	cancel context.CancelFunc
}

// bucket holds at most one current and one pending task. A newer
// submission overwrites the pending slot; only the latest waiter is
// ever promoted.
type bucket struct {
	name           string
	cfg            BucketConfig
	current        *runningTask
	pending        *Task
	remainingSwaps int
	window         *slidingWindow
	retryArmed     bool
	lastActive     time.Time
}

// Scheduler runs one preemptible task per bucket and coalesces
// submissions so only the latest waiter survives.
type Scheduler struct {
	baseCtx context.Context
	logger  *slog.Logger
	bus     *bus.Bus

	mu          sync.Mutex
	buckets     map[string]*bucket
	dispatching bool
	rerun       bool
	closed      bool

	wg sync.WaitGroup
}

// New builds a scheduler whose task contexts descend from ctx.
func New(ctx context.Context, logger *slog.Logger, b *bus.Bus) *Scheduler {
	return &Scheduler{
		baseCtx: ctx,
		logger:  logger.With("component", "scheduler"),
		bus:     b,
		buckets: make(map[string]*bucket),
	}
}

// RegisterBucket creates the named bucket if absent. Registering an
// existing bucket is a no-op and keeps its original config.
func (s *Scheduler) RegisterBucket(name string, cfg BucketConfig) {
	s.mu.Lock()
	_, exists := s.buckets[name]
	if !exists {
		cfg = cfg.normalized()
		s.buckets[name] = &bucket{
			name:           name,
			cfg:            cfg,
			remainingSwaps: cfg.MaxSequentialSwaps,
			window:         newSlidingWindow(cfg.ThrottleWindow, cfg.ThrottleLimit),
			lastActive:     time.Now(),
		}
	}
	s.mu.Unlock()
	if !exists {
		s.bus.Publish(bus.TopicBucketRegistered, bus.BucketPayload{Bucket: name})
	}
	s.dispatch()
}

// Submit places task in the bucket's pending slot, replacing any task
// already waiting there. The bucket must have been registered.
func (s *Scheduler) Submit(name string, task *Task) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("scheduler is closed")
	}
	b, ok := s.buckets[name]
	if !ok {
		s.mu.Unlock()
		return &BucketNotFoundError{Bucket: name}
	}
	b.pending = task
	b.lastActive = time.Now()
	s.mu.Unlock()
	s.dispatch()
	return nil
}

// dispatch walks every bucket and promotes where the rules allow. The
// dispatching/rerun pair makes re-entrant triggers (a settlement firing
// while a dispatch pass runs) queue a single extra pass instead of
// recursing.
func (s *Scheduler) dispatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dispatching {
		s.rerun = true
		return
	}
	s.dispatching = true
	for {
		s.rerun = false
		for _, b := range s.buckets {
			s.dispatchBucketLocked(b)
		}
		if !s.rerun {
			break
		}
	}
	s.dispatching = false
}

func (s *Scheduler) dispatchBucketLocked(b *bucket) {
	if b.pending == nil || s.closed {
		return
	}
	if b.current != nil && b.remainingSwaps < 1 {
		return
	}
	if b.window != nil && !b.window.Allow(time.Now()) {
		s.armThrottleRetryLocked(b)
		return
	}
	if b.current != nil {
		preempted := b.current.task.Nonce
		b.current.cancel()
		b.remainingSwaps--
		s.logger.Info("task preempted",
			"bucket", b.name,
			"nonce", preempted,
			"remaining_swaps", b.remainingSwaps)
		s.bus.Publish(bus.TopicTaskPreempted, bus.TaskPayload{
			Bucket:         b.name,
			Nonce:          preempted,
			RemainingSwaps: b.remainingSwaps,
		})
	}
	s.promoteLocked(b)
}

// promoteLocked moves the pending task into the current slot and starts
// it. remainingSwaps is deliberately left alone; it resets only when
// the bucket settles back to idle.
func (s *Scheduler) promoteLocked(b *bucket) {
	task := b.pending
	b.pending = nil
	ctx, cancel := context.WithCancel(s.baseCtx)
	b.current = &runningTask{task: task, cancel: cancel}
	b.lastActive = time.Now()

	s.logger.Debug("task started", "bucket", b.name, "nonce", task.Nonce)
	s.bus.Publish(bus.TopicTaskStarted, bus.TaskPayload{
		Bucket:         b.name,
		Nonce:          task.Nonce,
		RemainingSwaps: b.remainingSwaps,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		started := time.Now()
		err := task.Run(shared.WithTaskNonce(ctx, task.Nonce))
		s.settle(b.name, task.Nonce, err, time.Since(started))
	}()
}

// settle records a task's completion. The nonce must still match the
// current slot; a preempted predecessor settling late is logged and
// otherwise ignored so it cannot clear its successor.
func (s *Scheduler) settle(name, nonce string, err error, took time.Duration) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		outcome = "cancelled"
	default:
		outcome = "error"
	}

	s.mu.Lock()
	b, ok := s.buckets[name]
	if ok && b.current != nil && b.current.task.Nonce == nonce {
		b.current = nil
		b.remainingSwaps = b.cfg.MaxSequentialSwaps
		b.lastActive = time.Now()
	}
	s.mu.Unlock()

	switch outcome {
	case "ok":
		s.logger.Debug("task settled", "bucket", name, "nonce", nonce)
	case "cancelled":
		s.logger.Debug("task cancelled", "bucket", name, "nonce", nonce)
	default:
		s.logger.Warn("task failed", "bucket", name, "nonce", nonce, "error", err)
	}
	s.bus.Publish(bus.TopicTaskSettled, bus.TaskPayload{
		Bucket:   name,
		Nonce:    nonce,
		Outcome:  outcome,
		Duration: took,
	})
	s.dispatch()
}

// armThrottleRetryLocked schedules a dispatch pass for when the
// bucket's window next frees a slot. At most one timer per bucket is
// outstanding.
func (s *Scheduler) armThrottleRetryLocked(b *bucket) {
	if b.retryArmed {
		return
	}
	b.retryArmed = true
	delay := time.Until(b.window.NextFree(time.Now()))
	if delay < time.Millisecond {
		delay = time.Millisecond
	}
	name := b.name
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		if bk, ok := s.buckets[name]; ok {
			bk.retryArmed = false
		}
		s.mu.Unlock()
		s.dispatch()
	})
}

// EvictIdle removes buckets with no current or pending task that have
// been inactive for at least ttl. It returns the number evicted.
func (s *Scheduler) EvictIdle(ttl time.Duration) int {
	now := time.Now()
	var evicted []string
	s.mu.Lock()
	for name, b := range s.buckets {
		if b.current != nil || b.pending != nil || b.retryArmed {
			continue
		}
		if now.Sub(b.lastActive) < ttl {
			continue
		}
		delete(s.buckets, name)
		evicted = append(evicted, name)
	}
	s.mu.Unlock()
	for _, name := range evicted {
		s.bus.Publish(bus.TopicBucketEvicted, bus.BucketPayload{Bucket: name})
	}
	if len(evicted) > 0 {
		s.logger.Debug("evicted idle buckets", "count", len(evicted))
	}
	return len(evicted)
}

// BucketCount reports the number of registered buckets.
func (s *Scheduler) BucketCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// Close cancels all running tasks and waits for their goroutines.
// Further submissions are rejected.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for _, b := range s.buckets {
		b.pending = nil
		if b.current != nil {
			b.current.cancel()
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}
