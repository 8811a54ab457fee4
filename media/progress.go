package media

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// progressParser extracts the current position from ffmpeg's stderr stats
// lines. One instance per invocation; not safe for concurrent use.
type progressParser struct {
	timeRegex  *regexp.Regexp
	speedRegex *regexp.Regexp
}

func newProgressParser() *progressParser {
	return &progressParser{
		// Match both "time=00:00:01.00" in stats lines and the
		// "out_time=..." key from -progress output.
		timeRegex:  regexp.MustCompile(`(?:^|\s)(?:out_)?time=\s*([0-9:.]+)`),
		speedRegex: regexp.MustCompile(`(?:^|\s)speed=\s*([0-9.]+)x?`),
	}
}

// ParseLine returns the position in seconds reported by the line and
// whether the line carried a progress update at all.
func (pp *progressParser) ParseLine(line string) (seconds float64, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, false
	}

	if matches := pp.timeRegex.FindStringSubmatch(line); len(matches) > 1 {
		if s, err := timeToSeconds(matches[1]); err == nil {
			return s, true
		}
	}
	// A speed report without a parsable timestamp still proves the encoder
	// is alive, which is all the watchdog needs.
	if pp.speedRegex.MatchString(line) {
		return 0, true
	}
	return 0, false
}

// timeToSeconds converts ffmpeg time format (HH:MM:SS.MS) to seconds.
func timeToSeconds(timeStr string) (float64, error) {
	parts := strings.Split(timeStr, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("unexpected time format %q", timeStr)
	}

	hours, err1 := strconv.ParseFloat(parts[0], 64)
	minutes, err2 := strconv.ParseFloat(parts[1], 64)
	seconds, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, fmt.Errorf("unparsable time %q", timeStr)
	}

	return hours*3600 + minutes*60 + seconds, nil
}

// formatSeconds converts seconds to the HH:MM:SS.MS form ffmpeg takes for
// -ss and -t.
func formatSeconds(seconds float64) string {
	hours := int(seconds) / 3600
	minutes := (int(seconds) % 3600) / 60
	secs := seconds - float64(hours*3600) - float64(minutes*60)
	return fmt.Sprintf("%02d:%02d:%05.2f", hours, minutes, secs)
}
