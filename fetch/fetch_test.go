// clipper/fetch/fetch_test.go
package fetch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"clipper/job"
)

func TestClassify(t *testing.T) {
	execErr := errors.New("exit status 1")

	t.Run("permanent markers map to ErrUnavailable", func(t *testing.T) {
		for _, output := range []string{
			"ERROR: Private video. Sign in if you've been granted access",
			"ERROR: Video unavailable",
			"ERROR: This video is DRM protected",
			"ERROR: Join this channel to get access to members-only content",
			"The uploader has not made this video available in your country",
		} {
			err := classify(execErr, output)
			assert.ErrorIs(t, err, ErrUnavailable, output)
		}
	})

	t.Run("bot markers map to ErrBotChallenge", func(t *testing.T) {
		err := classify(execErr, "ERROR: Sign in to confirm you're not a bot")
		assert.ErrorIs(t, err, ErrBotChallenge)
	})

	t.Run("unrecognized output stays transient", func(t *testing.T) {
		err := classify(execErr, "ERROR: connection reset by peer")
		assert.Equal(t, execErr, err)
		assert.True(t, Retryable(err))
	})

	t.Run("nil error passes through", func(t *testing.T) {
		assert.NoError(t, classify(nil, "whatever"))
	})
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(ErrUnavailable))
	assert.False(t, Retryable(errors.Join(errors.New("wrapped"), ErrUnavailable)))
	assert.True(t, Retryable(ErrBotChallenge))
	assert.True(t, Retryable(errors.New("timeout")))
}

func TestRetrier(t *testing.T) {
	ctx := context.Background()

	t.Run("retries transient errors up to the attempt budget", func(t *testing.T) {
		r := newRetrier(RetryOptions{Attempts: 3, BackoffBase: time.Millisecond})
		calls := 0
		_, err := r.do(ctx, func(ctx context.Context) (string, error) {
			calls++
			return "", errors.New("flaky")
		})
		assert.Error(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops once an attempt succeeds", func(t *testing.T) {
		r := newRetrier(RetryOptions{Attempts: 3, BackoffBase: time.Millisecond})
		calls := 0
		out, err := r.do(ctx, func(ctx context.Context) (string, error) {
			calls++
			if calls < 2 {
				return "", errors.New("flaky")
			}
			return "done", nil
		})
		assert.NoError(t, err)
		assert.Equal(t, "done", out)
		assert.Equal(t, 2, calls)
	})

	t.Run("aborts immediately on permanent errors", func(t *testing.T) {
		r := newRetrier(RetryOptions{Attempts: 3, BackoffBase: time.Millisecond})
		calls := 0
		_, err := r.do(ctx, func(ctx context.Context) (string, error) {
			calls++
			return "", ErrUnavailable
		})
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Equal(t, 1, calls)
	})

	t.Run("refreshes credentials after a bot challenge", func(t *testing.T) {
		refreshes := 0
		r := newRetrier(RetryOptions{
			Attempts:        3,
			BackoffBase:     time.Millisecond,
			Refresh:         func(ctx context.Context) error { refreshes++; return nil },
			RefreshCooldown: time.Hour,
		})
		calls := 0
		_, err := r.do(ctx, func(ctx context.Context) (string, error) {
			calls++
			return "", ErrBotChallenge
		})
		assert.ErrorIs(t, err, ErrBotChallenge)
		assert.Equal(t, 3, calls)
		// Challenges on later attempts fall inside the cooldown window.
		assert.Equal(t, 1, refreshes)
	})

	t.Run("cooldown expiry allows a second refresh", func(t *testing.T) {
		refreshes := 0
		r := newRetrier(RetryOptions{
			Attempts:        2,
			Refresh:         func(ctx context.Context) error { refreshes++; return nil },
			RefreshCooldown: 0,
		})
		for i := 0; i < 2; i++ {
			r.do(ctx, func(ctx context.Context) (string, error) {
				return "", ErrBotChallenge
			})
		}
		assert.Equal(t, 4, refreshes)
	})

	t.Run("honors context cancellation between attempts", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		r := newRetrier(RetryOptions{Attempts: 5, BackoffBase: time.Millisecond})
		calls := 0
		_, err := r.do(canceled, func(ctx context.Context) (string, error) {
			calls++
			cancel()
			return "", errors.New("flaky")
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}

type stubBackend struct {
	calls   int
	content []byte
	err     error
	output  string
}

func (b *stubBackend) fetch(ctx context.Context, locator string, w Window, destPath string) (string, error) {
	b.calls++
	if b.err != nil {
		return b.output, b.err
	}
	return b.output, os.WriteFile(destPath, b.content, 0o644)
}

func TestFetcher(t *testing.T) {
	ctx := context.Background()

	t.Run("dispatches remote sources to the remote backend", func(t *testing.T) {
		remote := &stubBackend{content: []byte("video")}
		storage := &stubBackend{content: []byte("video")}
		f := &Fetcher{remote: remote, storage: storage, retry: newRetrier(RetryOptions{Attempts: 1})}

		dest := filepath.Join(t.TempDir(), "seg.mp4")
		_, err := f.Fetch(ctx, job.SourceRef{Kind: job.SourceRemote, Locator: "abc"}, Window{Start: 0, End: 10}, dest)
		assert.NoError(t, err)
		assert.Equal(t, 1, remote.calls)
		assert.Equal(t, 0, storage.calls)
	})

	t.Run("dispatches storage sources to the storage backend", func(t *testing.T) {
		remote := &stubBackend{content: []byte("video")}
		storage := &stubBackend{content: []byte("video")}
		f := &Fetcher{remote: remote, storage: storage, retry: newRetrier(RetryOptions{Attempts: 1})}

		dest := filepath.Join(t.TempDir(), "seg.mp4")
		_, err := f.Fetch(ctx, job.SourceRef{Kind: job.SourceStorage, Locator: "https://bucket/clip.mp4"}, Window{Start: 0, End: 10}, dest)
		assert.NoError(t, err)
		assert.Equal(t, 1, storage.calls)
		assert.Equal(t, 0, remote.calls)
	})

	t.Run("rejects an empty window", func(t *testing.T) {
		f := &Fetcher{retry: newRetrier(RetryOptions{Attempts: 1})}
		_, err := f.Fetch(ctx, job.SourceRef{Kind: job.SourceRemote, Locator: "abc"}, Window{Start: 5, End: 5}, "out.mp4")
		assert.Error(t, err)
	})

	t.Run("empty download is retried and leaves no partial file", func(t *testing.T) {
		remote := &stubBackend{content: []byte{}}
		f := &Fetcher{remote: remote, retry: newRetrier(RetryOptions{Attempts: 2})}

		dest := filepath.Join(t.TempDir(), "seg.mp4")
		_, err := f.Fetch(ctx, job.SourceRef{Kind: job.SourceRemote, Locator: "abc"}, Window{Start: 0, End: 10}, dest)
		assert.Error(t, err)
		assert.Equal(t, 2, remote.calls)
		assert.NoFileExists(t, dest)
	})

	t.Run("oversized download is permanent", func(t *testing.T) {
		remote := &stubBackend{content: []byte("way too large")}
		f := &Fetcher{remote: remote, retry: newRetrier(RetryOptions{Attempts: 3}), maxSize: 4}

		dest := filepath.Join(t.TempDir(), "seg.mp4")
		_, err := f.Fetch(ctx, job.SourceRef{Kind: job.SourceRemote, Locator: "abc"}, Window{Start: 0, End: 10}, dest)
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Equal(t, 1, remote.calls)
		assert.NoFileExists(t, dest)
	})
}

func TestVideoURL(t *testing.T) {
	assert.Equal(t, "https://www.youtube.com/watch?v=abc123", videoURL("abc123"))
	assert.Equal(t, "https://example.com/v.mp4", videoURL("https://example.com/v.mp4"))
}
