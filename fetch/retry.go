package fetch

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// RefreshFunc renews the credential material used against the remote
// source (typically re-exporting a cookie jar). Deployments without
// credential tooling leave it nil.
type RefreshFunc func(ctx context.Context) error

type RetryOptions struct {
	Attempts    int
	BackoffBase time.Duration
	BackoffCap  time.Duration

	Refresh RefreshFunc
	// RefreshCooldown bounds how often Refresh may run; challenges inside
	// the window retry without refreshing again.
	RefreshCooldown time.Duration
}

type retrier struct {
	opts RetryOptions

	mu          sync.Mutex
	lastRefresh time.Time
}

func newRetrier(opts RetryOptions) *retrier {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	return &retrier{opts: opts}
}

// do runs fn up to Attempts times with exponential backoff between tries.
// Permanent errors abort immediately. A bot challenge triggers one
// rate-limited credential refresh before the next attempt.
func (r *retrier) do(ctx context.Context, fn func(ctx context.Context) (string, error)) (string, error) {
	var lastErr error
	var lastOutput string

	for attempt := 1; attempt <= r.opts.Attempts; attempt++ {
		if attempt > 1 {
			delay := r.backoff(attempt)
			log.Printf("Fetch attempt %d/%d in %s (previous: %v)", attempt, r.opts.Attempts, delay, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return lastOutput, ctx.Err()
			}
		}

		output, err := fn(ctx)
		if err == nil {
			return output, nil
		}
		lastErr = err
		lastOutput = output

		if !Retryable(err) {
			return output, err
		}
		if ctx.Err() != nil {
			return output, ctx.Err()
		}
		if errors.Is(err, ErrBotChallenge) {
			r.maybeRefresh(ctx)
		}
	}

	return lastOutput, lastErr
}

func (r *retrier) backoff(attempt int) time.Duration {
	base := r.opts.BackoffBase
	if base <= 0 {
		return 0
	}
	d := base
	for i := 2; i < attempt; i++ {
		d *= 2
		if r.opts.BackoffCap > 0 && d >= r.opts.BackoffCap {
			return r.opts.BackoffCap
		}
	}
	if r.opts.BackoffCap > 0 && d > r.opts.BackoffCap {
		return r.opts.BackoffCap
	}
	return d
}

// maybeRefresh runs the refresh hook at most once per cooldown window.
func (r *retrier) maybeRefresh(ctx context.Context) {
	if r.opts.Refresh == nil {
		return
	}

	r.mu.Lock()
	if time.Since(r.lastRefresh) < r.opts.RefreshCooldown {
		r.mu.Unlock()
		log.Println("Skipping credential refresh: still inside cooldown window")
		return
	}
	r.lastRefresh = time.Now()
	r.mu.Unlock()

	log.Println("Refreshing source credentials after anti-bot challenge")
	if err := r.opts.Refresh(ctx); err != nil {
		log.Printf("Credential refresh failed: %v", err)
	}
}
