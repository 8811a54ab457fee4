// clipper/media/exec_test.go
package media

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunWatched(t *testing.T) {
	ctx := context.Background()

	t.Run("captures stderr output", func(t *testing.T) {
		cmd := exec.CommandContext(ctx, "sh", "-c", "echo working 1>&2")
		output, err := runWatched(ctx, cmd, time.Minute, nil)
		assert.NoError(t, err)
		assert.Contains(t, output, "working")
	})

	t.Run("kills a silent process after the window", func(t *testing.T) {
		cmd := exec.CommandContext(ctx, "sleep", "10")
		start := time.Now()
		_, err := runWatched(ctx, cmd, 100*time.Millisecond, nil)
		assert.ErrorIs(t, err, ErrWatchdog)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("progress lines keep the process alive", func(t *testing.T) {
		// Emits a line every 60ms for ~0.3s, each one resetting a 150ms
		// window; without resets the watchdog would fire.
		script := `for i in 1 2 3 4 5; do echo "time=00:00:0$i.00" 1>&2; sleep 0.06; done`
		cmd := exec.CommandContext(ctx, "sh", "-c", script)
		parser := newProgressParser()
		var ticks int
		output, err := runWatched(ctx, cmd, 150*time.Millisecond, func(line string) bool {
			_, ok := parser.ParseLine(line)
			if ok {
				ticks++
			}
			return ok
		})
		assert.NoError(t, err)
		assert.Equal(t, 5, ticks)
		assert.Contains(t, output, "time=00:00:05.00")
	})

	t.Run("interleaved stdout and stderr are both captured", func(t *testing.T) {
		// Heavy two-stream traffic; stdout is drained by exec's copier
		// goroutine while the scanner walks stderr.
		script := `for i in $(seq 1 500); do echo "stdout line $i"; echo "time=00:00:01.00" 1>&2; done`
		cmd := exec.CommandContext(ctx, "sh", "-c", script)
		parser := newProgressParser()
		output, err := runWatched(ctx, cmd, time.Minute, func(line string) bool {
			_, ok := parser.ParseLine(line)
			return ok
		})
		assert.NoError(t, err)
		assert.Contains(t, output, "stdout line 500")
		assert.Contains(t, output, "time=00:00:01.00")
	})

	t.Run("drained lines after the kill do not re-arm the watchdog", func(t *testing.T) {
		// The burst sits in the pipe while the first callback stalls past
		// the window; the watchdog fires mid-drain and the remaining
		// lines must not resurrect it.
		script := `for i in $(seq 1 50); do echo "time=00:00:01.00" 1>&2; done; exec sleep 10`
		cmd := exec.CommandContext(ctx, "sh", "-c", script)
		parser := newProgressParser()
		first := true
		_, err := runWatched(ctx, cmd, 40*time.Millisecond, func(line string) bool {
			_, ok := parser.ParseLine(line)
			if first {
				first = false
				time.Sleep(120 * time.Millisecond)
			}
			return ok
		})
		assert.ErrorIs(t, err, ErrWatchdog)
		// Give a resurrected timer time to misfire before the test ends.
		time.Sleep(100 * time.Millisecond)
	})

	t.Run("reports context cancellation", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cmd := exec.CommandContext(canceled, "sleep", "10")
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()
		_, err := runWatched(canceled, cmd, time.Minute, nil)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("wraps a nonzero exit", func(t *testing.T) {
		cmd := exec.CommandContext(ctx, "sh", "-c", "echo broken 1>&2; exit 3")
		output, err := runWatched(ctx, cmd, time.Minute, nil)
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrWatchdog)
		assert.Contains(t, output, "broken")
	})
}
