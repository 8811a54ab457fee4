package fetch

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
)

// storageBackend trims the segment server-side out of a pre-synced object
// storage (or any HTTP range-capable) URL: ffmpeg seeks into the remote
// file and stream-copies just the window, so transfer cost tracks the
// window size rather than the full video.
type storageBackend struct {
	bin string
}

func (b *storageBackend) fetch(ctx context.Context, locator string, w Window, destPath string) (string, error) {
	args := []string{
		"-ss", strconv.FormatFloat(w.Start, 'f', -1, 64),
		"-i", locator,
		"-t", strconv.FormatFloat(w.Duration(), 'f', -1, 64),
		"-c", "copy",
		"-avoid_negative_ts", "make_zero",
		"-y", destPath,
	}

	cmd := exec.CommandContext(ctx, b.bin, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("segment trim failed: %w", err)
	}
	return string(output), nil
}
