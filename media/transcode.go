package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"clipper/job"
)

// ErrBadCrop marks a crop rectangle that does not fit inside the decoded
// frame. Crop geometry is validated at submission time too, but coordinates
// cross a trust boundary, so the transcoder re-checks against the actual
// source dimensions. Permanent: retrying cannot fix geometry.
var ErrBadCrop = errors.New("crop rectangle outside source frame")

// Transcoder extracts one clip from a local segment file: trims to the
// clip's time range, applies the crop filter, and re-encodes. Stream copy
// is not an option here since cropping needs pixel-level work.
type Transcoder struct {
	FFmpegBin  string
	FFprobeBin string
	// Window bounds how long the encoder may go without reporting
	// progress before it is considered hung.
	Window time.Duration
	// ExtraArgs are appended to every invocation (deployment tuning).
	ExtraArgs []string
}

// Transcode writes the cropped clip to outputPath. segmentStart is the
// absolute time the segment file begins at, used to translate the clip's
// absolute times into offsets within the file. onProgress, if set, receives
// percent-complete ticks.
//
// Returns the captured process output alongside any error so callers can
// keep it for operator debugging.
func (t *Transcoder) Transcode(ctx context.Context, sourcePath string, clip job.ClipSpec, segmentStart float64, outputPath string, onProgress func(percent float64)) (string, error) {
	probe, err := Probe(ctx, t.FFprobeBin, sourcePath)
	if err != nil {
		return "", fmt.Errorf("probing segment: %w", err)
	}
	width, height, err := probe.VideoDimensions()
	if err != nil {
		return "", fmt.Errorf("probing segment: %w", err)
	}
	if clip.CropX+clip.CropWidth > width || clip.CropY+clip.CropHeight > height {
		return "", fmt.Errorf("%w: rect %dx%d+%d+%d vs frame %dx%d",
			ErrBadCrop, clip.CropWidth, clip.CropHeight, clip.CropX, clip.CropY, width, height)
	}

	adjustedStart := clip.StartTime - segmentStart
	if adjustedStart < 0 {
		adjustedStart = 0
	}
	duration := clip.Duration()

	args := []string{
		"-ss", formatSeconds(adjustedStart),
		"-i", sourcePath,
		"-t", formatSeconds(duration),
		"-vf", fmt.Sprintf("crop=%d:%d:%d:%d", clip.CropWidth, clip.CropHeight, clip.CropX, clip.CropY),
		"-preset", "ultrafast",
		"-crf", "23",
		"-max_muxing_queue_size", "9999",
		"-threads", "2",
	}
	args = append(args, t.ExtraArgs...)
	args = append(args, "-y", outputPath)

	cmd := exec.CommandContext(ctx, t.FFmpegBin, args...)
	parser := newProgressParser()
	output, err := runWatched(ctx, cmd, t.Window, func(line string) bool {
		seconds, ok := parser.ParseLine(line)
		if ok && onProgress != nil && duration > 0 {
			percent := seconds / duration * 100
			if percent > 100 {
				percent = 100
			}
			onProgress(percent)
		}
		return ok
	})
	if err != nil {
		os.Remove(outputPath)
		if errors.Is(err, ErrWatchdog) {
			return output, fmt.Errorf("clip transcode stalled: %w", err)
		}
		return output, fmt.Errorf("clip transcode failed: %w", err)
	}

	if err := checkOutput(outputPath); err != nil {
		os.Remove(outputPath)
		return output, fmt.Errorf("clip transcode produced invalid output: %w", err)
	}
	return output, nil
}

// checkOutput verifies a produced file exists and is non-empty.
func checkOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return fmt.Errorf("output file %s is empty", path)
	}
	return nil
}
