package fetch

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ytdlpBackend fetches a time-ranged segment from a remote hosting site
// with yt-dlp's --download-sections, avoiding a full-video transfer.
type ytdlpBackend struct {
	bin         string
	cookiesPath string
}

func (b *ytdlpBackend) fetch(ctx context.Context, locator string, w Window, destPath string) (string, error) {
	section := fmt.Sprintf("*%s-%s",
		strconv.FormatFloat(w.Start, 'f', -1, 64),
		strconv.FormatFloat(w.End, 'f', -1, 64))

	args := []string{
		"--download-sections", section,
		"-f", "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best",
		"--merge-output-format", "mp4",
		"--no-playlist",
		"-o", destPath,
	}
	if b.cookiesPath != "" {
		args = append(args, "--cookies", b.cookiesPath)
	}
	args = append(args, videoURL(locator))

	cmd := exec.CommandContext(ctx, b.bin, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("yt-dlp failed: %w", err)
	}
	return string(output), nil
}

// videoURL accepts either a full URL or a bare video id.
func videoURL(locator string) string {
	if strings.Contains(locator, "://") {
		return locator
	}
	return "https://www.youtube.com/watch?v=" + locator
}
