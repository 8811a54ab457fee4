package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Concatenator merges per-clip outputs into a single file with ffmpeg's
// concat demuxer. Inputs are taken in the order given; all clips share one
// encoding profile, so the merge is a stream copy.
type Concatenator struct {
	FFmpegBin string
	Window    time.Duration
}

// Concatenate writes the merged file to outputPath. A single input is a
// plain copy, skipping the pointless demuxer round trip.
func (c *Concatenator) Concatenate(ctx context.Context, inputPaths []string, outputPath string) (string, error) {
	if len(inputPaths) == 0 {
		return "", fmt.Errorf("no clips to concatenate")
	}

	if len(inputPaths) == 1 {
		if err := copyFile(inputPaths[0], outputPath); err != nil {
			return "", fmt.Errorf("copying single clip: %w", err)
		}
		return "", nil
	}

	listPath := filepath.Join(filepath.Dir(outputPath), "concat-list.txt")
	if err := writeConcatList(listPath, inputPaths); err != nil {
		return "", err
	}
	defer os.Remove(listPath)

	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-max_muxing_queue_size", "9999",
		"-y", outputPath,
	}

	cmd := exec.CommandContext(ctx, c.FFmpegBin, args...)
	parser := newProgressParser()
	output, err := runWatched(ctx, cmd, c.Window, func(line string) bool {
		_, ok := parser.ParseLine(line)
		return ok
	})
	if err != nil {
		os.Remove(outputPath)
		if errors.Is(err, ErrWatchdog) {
			return output, fmt.Errorf("merge stalled: %w", err)
		}
		return output, fmt.Errorf("merge failed: %w", err)
	}

	if err := checkOutput(outputPath); err != nil {
		os.Remove(outputPath)
		return output, fmt.Errorf("merge produced invalid output: %w", err)
	}
	return output, nil
}

// writeConcatList writes the concat demuxer manifest, one file directive
// per input, single quotes escaped.
func writeConcatList(listPath string, inputPaths []string) error {
	var b strings.Builder
	for _, p := range inputPaths {
		absPath, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", p, err)
		}
		escaped := strings.ReplaceAll(absPath, "'", `'\''`)
		fmt.Fprintf(&b, "file '%s'\n", escaped)
	}
	if err := os.WriteFile(listPath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write concat list: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
