// Package media wraps the external ffmpeg/ffprobe tooling: probing,
// clip transcoding with a stall watchdog, and concatenation.
package media

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"
)

// ErrWatchdog marks a stage killed because the external process produced
// no forward progress within the watchdog window. Distinct from a crash:
// timeouts are retryable, and callers report them as such.
var ErrWatchdog = errors.New("no progress within watchdog window, process killed")

// runWatched executes cmd, collecting combined output, while a watchdog
// timer runs alongside. Every stderr/stdout line is offered to onLine; when
// onLine reports forward progress the timer resets. If the window elapses
// without progress the process is killed and ErrWatchdog is returned with
// the captured output.
//
// A zero window disables the watchdog (context cancellation still applies).
func runWatched(ctx context.Context, cmd *exec.Cmd, window time.Duration, onLine func(line string) bool) (string, error) {
	// Stdout gets its own buffer: exec copies into it from a separate
	// goroutine, so it must not be shared with the stderr scanner below.
	var stderrBuf, stdoutBuf bytes.Buffer

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", err
	}
	cmd.Stdout = &stdoutBuf

	if err := cmd.Start(); err != nil {
		return "", err
	}

	timedOut := make(chan struct{})
	var fired sync.Once
	var watchdog *time.Timer
	if window > 0 {
		watchdog = time.AfterFunc(window, func() {
			fired.Do(func() { close(timedOut) })
			cmd.Process.Kill()
		})
		defer watchdog.Stop()
	}

	// ffmpeg rewrites its stats line with carriage returns; split on both
	// so progress ticks arrive as individual lines.
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanCRLines)
	for scanner.Scan() {
		line := scanner.Text()
		stderrBuf.WriteString(line)
		stderrBuf.WriteByte('\n')
		if onLine != nil && onLine(line) && watchdog != nil {
			// A line drained from a killed process must not re-arm the
			// expired timer.
			select {
			case <-timedOut:
			default:
				watchdog.Reset(window)
			}
		}
	}

	// Wait also joins the stdout copier, so reading stdoutBuf is safe
	// from here on.
	err = cmd.Wait()
	output := stderrBuf.String() + stdoutBuf.String()

	select {
	case <-timedOut:
		return output, ErrWatchdog
	default:
	}
	if ctx.Err() != nil {
		return output, ctx.Err()
	}
	if err != nil {
		return output, fmt.Errorf("%s exited: %w", cmd.Path, err)
	}
	return output, nil
}

// scanCRLines is a bufio.SplitFunc treating both \n and \r as line ends.
func scanCRLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
