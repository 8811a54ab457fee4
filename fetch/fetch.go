// Package fetch produces a local media file covering a job's segment
// window, from either a remote hosting site (yt-dlp) or a pre-synced
// storage URL (server-side trim). It owns the retry/backoff policy for the
// flaky external source and the transient/permanent error classification
// the queue's retry budget depends on.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"clipper/job"
)

// Window is the half-open time span to fetch, in seconds.
type Window struct {
	Start float64
	End   float64
}

func (w Window) Duration() float64 { return w.End - w.Start }

// ErrUnavailable marks a source that can never be processed: private,
// removed, region-locked, DRM-protected. Surfaced to users as "this video
// cannot be processed" rather than "temporarily failed". Never retried.
var ErrUnavailable = errors.New("source video cannot be processed")

// ErrBotChallenge marks an anti-automation challenge from the remote site.
// Retryable, and the retry loop refreshes credentials (rate-limited) before
// the next attempt instead of retrying blindly.
var ErrBotChallenge = errors.New("remote source rejected automated access")

// permanentMarkers are yt-dlp output fragments that identify a source as
// unprocessable regardless of retries.
var permanentMarkers = []string{
	"Private video",
	"Video unavailable",
	"This video is unavailable",
	"This video is DRM protected",
	"drm protected",
	"members-only",
	"Join this channel",
	"not available in your country",
	"video has been removed",
	"account associated with this video has been terminated",
}

// botMarkers identify anti-automation challenges.
var botMarkers = []string{
	"Sign in to confirm you're not a bot",
	"Sign in to confirm your age",
	"captcha",
	"unable to extract yt initial data",
}

// classify wraps err with the matching sentinel based on the captured
// process output. Anything unrecognized stays as-is and is treated as
// transient.
func classify(err error, output string) error {
	if err == nil {
		return nil
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(output, marker) {
			return fmt.Errorf("%w: %s", ErrUnavailable, marker)
		}
	}
	for _, marker := range botMarkers {
		if strings.Contains(output, marker) {
			return fmt.Errorf("%w: %s", ErrBotChallenge, marker)
		}
	}
	return err
}

// Retryable reports whether a fetch error is worth another attempt.
func Retryable(err error) bool {
	return !errors.Is(err, ErrUnavailable)
}

// backend fetches one window into destPath and returns captured process
// output for diagnostics.
type backend interface {
	fetch(ctx context.Context, locator string, w Window, destPath string) (string, error)
}

// Fetcher dispatches to the backend matching the source kind and applies
// the retry policy. Construct with New.
type Fetcher struct {
	remote  backend
	storage backend
	retry   *retrier
	maxSize int64
}

type Options struct {
	FFmpegBin string
	YtDlpBin  string
	// CookiesPath is passed to yt-dlp when set.
	CookiesPath string
	// MaxSize rejects absurdly large segment files; zero disables.
	MaxSize int64

	Retry RetryOptions
}

func New(opts Options) *Fetcher {
	return &Fetcher{
		remote:  &ytdlpBackend{bin: opts.YtDlpBin, cookiesPath: opts.CookiesPath},
		storage: &storageBackend{bin: opts.FFmpegBin},
		retry:   newRetrier(opts.Retry),
		maxSize: opts.MaxSize,
	}
}

// Fetch downloads the window into destPath. On success the file is a
// non-empty demuxable segment covering the window; on failure no partial
// file remains at destPath.
func (f *Fetcher) Fetch(ctx context.Context, ref job.SourceRef, w Window, destPath string) (string, error) {
	if w.Duration() <= 0 {
		return "", fmt.Errorf("invalid fetch window %v", w)
	}

	var b backend
	switch ref.Kind {
	case job.SourceRemote:
		b = f.remote
	case job.SourceStorage:
		b = f.storage
	default:
		return "", fmt.Errorf("unknown source kind %q", ref.Kind)
	}

	return f.retry.do(ctx, func(ctx context.Context) (string, error) {
		output, err := b.fetch(ctx, ref.Locator, w, destPath)
		if err != nil {
			os.Remove(destPath)
			return output, classify(err, output)
		}
		if err := f.checkSegment(destPath); err != nil {
			os.Remove(destPath)
			return output, err
		}
		return output, nil
	})
}

// checkSegment rejects zero-byte or oversized downloads. A corrupt or
// empty file is a transient failure: the source may simply have glitched.
func (f *Fetcher) checkSegment(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("fetched segment missing: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("fetched segment is empty")
	}
	if f.maxSize > 0 && info.Size() > f.maxSize {
		return fmt.Errorf("%w: segment size %d exceeds limit %d", ErrUnavailable, info.Size(), f.maxSize)
	}
	return nil
}
