package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"clipper/job"
)

// Processor runs one job to a terminal state on success, or returns the
// stage error for the pool's retry policy to act on. The pool owns the
// decision between re-enqueue and terminal failure.
type Processor interface {
	Process(ctx context.Context, j *job.Job) error
	// Fail writes the terminal FAILED record. Implementations must retry
	// the write: it is the only way pollers learn the outcome.
	Fail(ctx context.Context, jobID, message string)
}

// Pool consumes the queue with a bounded number of concurrent job
// executions. Retry policy: transient failures are re-enqueued with
// exponential backoff up to Attempts; permanent failures short-circuit
// straight to FAILED.
type Pool struct {
	queue Queue
	store job.Store
	proc  Processor

	attempts    int
	backoffBase time.Duration
	backoffCap  time.Duration

	// Retryable classifies a processing error. Injected so the pool does
	// not need to know every stage's sentinel errors.
	retryable func(error) bool

	gate *ResourceGate
	sem  chan struct{}

	mu      sync.Mutex
	running map[string]context.CancelFunc

	// BusyHook, if set, is called with the running-job delta (+1/-1).
	BusyHook func(delta int)
	// RetryHook, if set, is called once per retry re-enqueue.
	RetryHook func()
}

type PoolOptions struct {
	Workers     int
	Attempts    int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Gate        *ResourceGate
	Retryable   func(error) bool
}

func NewPool(q Queue, store job.Store, proc Processor, opts PoolOptions) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	retryable := opts.Retryable
	if retryable == nil {
		retryable = func(error) bool { return true }
	}
	return &Pool{
		queue:       q,
		store:       store,
		proc:        proc,
		attempts:    opts.Attempts,
		backoffBase: opts.BackoffBase,
		backoffCap:  opts.BackoffCap,
		retryable:   retryable,
		gate:        opts.Gate,
		sem:         make(chan struct{}, opts.Workers),
		running:     make(map[string]context.CancelFunc),
	}
}

// Start re-delivers messages stranded by a previous run, then launches the
// dispatch loop.
func (p *Pool) Start(ctx context.Context) {
	if n, err := p.queue.Recover(ctx); err != nil {
		log.Printf("Queue recovery failed: %v", err)
	} else if n > 0 {
		log.Printf("Re-queued %d unacknowledged message(s) from a previous run.", n)
	}
	log.Printf("Worker pool started. Concurrency limit: %d", cap(p.sem))
	go p.dispatchLoop(ctx)
}

func (p *Pool) dispatchLoop(ctx context.Context) {
	var wg sync.WaitGroup
	for {
		msg, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("Worker pool shutting down.")
				wg.Wait()
				return
			}
			log.Printf("Dequeue error: %v", err)
			time.Sleep(time.Second)
			continue
		}

		// Wait for a free slot before taking on the job.
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}

		wg.Add(1)
		go func(m Message) {
			defer wg.Done()
			retry := p.handle(ctx, m)
			// Release the worker slot before any backoff wait: a job
			// sitting out its retry delay must not block a worker.
			<-p.sem
			if retry != nil {
				p.scheduleRetry(ctx, *retry)
			}
		}(msg)
	}
}

// Cancel aborts a running job cooperatively. Jobs still waiting in the
// queue are handled by the caller marking the record terminal; the pool
// skips terminal jobs on dequeue.
func (p *Pool) Cancel(jobID string) error {
	p.mu.Lock()
	cancel, ok := p.running[jobID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s is not running", jobID)
	}
	cancel()
	return nil
}

// handle runs one message to completion. A non-nil return is a retry the
// caller must schedule after releasing the worker slot.
func (p *Pool) handle(ctx context.Context, msg Message) *Message {
	defer func() {
		if err := p.queue.Ack(ctx, msg); err != nil {
			log.Printf("Failed to ack job %s: %v", msg.JobID, err)
		}
	}()

	j, err := p.store.Get(ctx, msg.JobID)
	if err != nil {
		log.Printf("Dropping message for unknown job %s: %v", msg.JobID, err)
		return nil
	}
	if j.Status.Terminal() {
		// Canceled (or otherwise settled) while waiting in the queue.
		log.Printf("Skipping job %s: already %s", j.ID, j.Status)
		return nil
	}

	p.waitForResources(ctx)

	jobCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.running[j.ID] = cancel
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.running, j.ID)
		p.mu.Unlock()
	}()

	if p.BusyHook != nil {
		p.BusyHook(1)
		defer p.BusyHook(-1)
	}

	j.Attempts = msg.Attempt + 1
	log.Printf("Processing job %s (attempt %d/%d)", j.ID, j.Attempts, p.attempts)

	err = p.proc.Process(jobCtx, j)
	if err == nil {
		log.Printf("Job %s completed successfully.", j.ID)
		return nil
	}

	if jobCtx.Err() == context.Canceled && ctx.Err() == nil {
		// Cancel() fired, not a shutdown: terminal failure, no retry.
		log.Printf("Job %s aborted by request.", j.ID)
		p.proc.Fail(ctx, j.ID, "aborted by request")
		return nil
	}
	if ctx.Err() != nil {
		// Shutting down mid-job. Leave the record non-terminal; the
		// unacked message stays recoverable on the processing list.
		log.Printf("Job %s interrupted by shutdown: %v", j.ID, err)
		return nil
	}

	if !p.retryable(err) {
		log.Printf("Job %s failed permanently: %v", j.ID, err)
		p.proc.Fail(ctx, j.ID, err.Error())
		return nil
	}

	if j.Attempts >= p.attempts {
		log.Printf("Job %s failed after %d attempts: %v", j.ID, j.Attempts, err)
		p.proc.Fail(ctx, j.ID, fmt.Sprintf("failed after %d attempts: %v", j.Attempts, err))
		return nil
	}

	log.Printf("Job %s failed (attempt %d/%d), will retry: %v", j.ID, j.Attempts, p.attempts, err)
	return &Message{JobID: j.ID, Attempt: j.Attempts}
}

// scheduleRetry waits out the backoff and re-enqueues the message. Runs
// outside the semaphore.
func (p *Pool) scheduleRetry(ctx context.Context, msg Message) {
	delay := backoff(p.backoffBase, p.backoffCap, msg.Attempt)
	log.Printf("Job %s retrying in %s", msg.JobID, delay)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}
	if err := p.queue.Enqueue(ctx, msg); err != nil {
		log.Printf("Failed to re-enqueue job %s: %v", msg.JobID, err)
		p.proc.Fail(ctx, msg.JobID, fmt.Sprintf("retry scheduling failed: %v", err))
		return
	}
	if p.RetryHook != nil {
		p.RetryHook()
	}
}

// waitForResources blocks until the gate reports headroom or ctx is done.
func (p *Pool) waitForResources(ctx context.Context) {
	if p.gate == nil {
		return
	}
	for {
		err := p.gate.Check()
		if err == nil {
			return
		}
		log.Printf("Delaying job start: %v", err)
		select {
		case <-time.After(15 * time.Second):
		case <-ctx.Done():
			return
		}
	}
}

// backoff returns min(base * 2^(attempt-1), cap).
func backoff(base, capDelay time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if capDelay > 0 && d >= capDelay {
			return capDelay
		}
	}
	if capDelay > 0 && d > capDelay {
		return capDelay
	}
	return d
}
