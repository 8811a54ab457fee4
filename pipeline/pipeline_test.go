// clipper/pipeline/pipeline_test.go
package pipeline_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"clipper/fetch"
	"clipper/job"
	"clipper/media"
	"clipper/pipeline"
)

type fakeFetcher struct {
	err    error
	window fetch.Window
	dest   string
}

func (f *fakeFetcher) Fetch(ctx context.Context, ref job.SourceRef, w fetch.Window, destPath string) (string, error) {
	f.window = w
	f.dest = destPath
	if f.err != nil {
		return "fetch diagnostics", f.err
	}
	return "", os.WriteFile(destPath, []byte("segment"), 0o644)
}

type fakeTranscoder struct {
	mu     sync.Mutex
	clips  []job.ClipSpec
	starts []float64
	failAt int // clip index that errors, -1 for none
	err    error
}

func (f *fakeTranscoder) Transcode(ctx context.Context, sourcePath string, clip job.ClipSpec, segmentStart float64, outputPath string, onProgress func(percent float64)) (string, error) {
	f.mu.Lock()
	index := len(f.clips)
	f.clips = append(f.clips, clip)
	f.starts = append(f.starts, segmentStart)
	f.mu.Unlock()

	if f.err != nil && index == f.failAt {
		return "encoder diagnostics", f.err
	}
	if onProgress != nil {
		onProgress(50)
		onProgress(100)
	}
	return "", os.WriteFile(outputPath, []byte("clip"), 0o644)
}

type fakeConcat struct {
	inputs []string
	err    error
}

func (f *fakeConcat) Concatenate(ctx context.Context, inputPaths []string, outputPath string) (string, error) {
	f.inputs = append([]string(nil), inputPaths...)
	if f.err != nil {
		return "", f.err
	}
	return "", os.WriteFile(outputPath, []byte("merged"), 0o644)
}

// recordingStore captures every persisted progress snapshot.
type recordingStore struct {
	job.Store
	mu       sync.Mutex
	steps    []string
	progress []int
}

func (s *recordingStore) Update(ctx context.Context, j *job.Job) error {
	err := s.Store.Update(ctx, j)
	if err == nil {
		s.mu.Lock()
		s.steps = append(s.steps, j.CurrentStep)
		s.progress = append(s.progress, j.Progress)
		s.mu.Unlock()
	}
	return err
}

type env struct {
	store      *recordingStore
	fetcher    *fakeFetcher
	transcoder *fakeTranscoder
	concat     *fakeConcat
	proc       *pipeline.Processor
	outputDir  string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	outputDir := t.TempDir()
	store := &recordingStore{Store: job.NewMemoryStore()}
	fetcher := &fakeFetcher{}
	transcoder := &fakeTranscoder{failAt: -1}
	concat := &fakeConcat{}
	proc := pipeline.NewProcessor(store, fetcher, transcoder, concat, nil, pipeline.Options{
		TempRoot:      t.TempDir(),
		OutputDir:     outputDir,
		BaseURL:       "http://localhost:8080",
		SegmentBuffer: 2,
	})
	return &env{store: store, fetcher: fetcher, transcoder: transcoder, concat: concat, proc: proc, outputDir: outputDir}
}

func (e *env) newJob(t *testing.T, clips ...job.ClipSpec) *job.Job {
	t.Helper()
	if len(clips) == 0 {
		clips = []job.ClipSpec{
			{StartTime: 10, EndTime: 20, CropWidth: 640, CropHeight: 360},
			{StartTime: 30, EndTime: 35, CropX: 100, CropY: 50, CropWidth: 320, CropHeight: 180},
		}
	}
	j, err := job.New(job.SourceRef{Kind: job.SourceRemote, Locator: "abc123"}, clips)
	assert.NoError(t, err)
	assert.NoError(t, e.store.Create(context.Background(), j))
	return j
}

func TestProcessSuccess(t *testing.T) {
	e := newEnv(t)
	j := e.newJob(t)

	assert.NoError(t, e.proc.Process(context.Background(), j))

	got, err := e.store.Get(context.Background(), j.ID)
	assert.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, "Complete", got.CurrentStep)
	assert.Equal(t, 4, got.Progress)
	assert.Equal(t, 4, got.TotalSteps)
	assert.Equal(t, 2, got.TotalClips)
	assert.Equal(t, "http://localhost:8080/api/v1/jobs/"+j.ID+"/download", got.OutputURL)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Empty(t, got.Error)

	// Merged output persisted outside the scratch dir.
	finalPath := filepath.Join(e.outputDir, "output-"+j.ID+".mp4")
	data, err := os.ReadFile(finalPath)
	assert.NoError(t, err)
	assert.Equal(t, "merged", string(data))
}

func TestProcessClipOrdering(t *testing.T) {
	e := newEnv(t)
	j := e.newJob(t)

	assert.NoError(t, e.proc.Process(context.Background(), j))

	// Clips are transcoded in submission order and merged in that order.
	assert.Equal(t, j.Clips, e.transcoder.clips)
	assert.Len(t, e.concat.inputs, 2)
	assert.Contains(t, e.concat.inputs[0], "clip-0.mp4")
	assert.Contains(t, e.concat.inputs[1], "clip-1.mp4")
}

func TestProcessSegmentWindow(t *testing.T) {
	e := newEnv(t)
	j := e.newJob(t)

	assert.NoError(t, e.proc.Process(context.Background(), j))

	// Clips span 10..35; the buffered window starts at 8 and every clip
	// start is rebased onto it.
	assert.Equal(t, 8.0, e.fetcher.window.Start)
	assert.Equal(t, 37.0, e.fetcher.window.End)
	assert.Equal(t, []float64{8, 8}, e.transcoder.starts)
}

func TestProcessStepTextsAndMonotonicProgress(t *testing.T) {
	e := newEnv(t)
	j := e.newJob(t)

	assert.NoError(t, e.proc.Process(context.Background(), j))

	assert.Equal(t, []string{
		"Initializing...",
		"Downloading required video segment...",
		"Processing clip 1 of 2...",
		"Processing clip 2 of 2...",
		"Merging clips...",
		"Finalizing...",
		"Complete",
	}, e.store.steps)

	for i := 1; i < len(e.store.progress); i++ {
		assert.GreaterOrEqual(t, e.store.progress[i], e.store.progress[i-1])
	}
}

func TestProcessTempDirCleanup(t *testing.T) {
	t.Run("after success", func(t *testing.T) {
		e := newEnv(t)
		j := e.newJob(t)
		assert.NoError(t, e.proc.Process(context.Background(), j))
		assert.NoDirExists(t, filepath.Dir(e.fetcher.dest))
	})

	t.Run("after failure", func(t *testing.T) {
		e := newEnv(t)
		e.transcoder.failAt = 0
		e.transcoder.err = errors.New("encoder crashed")
		j := e.newJob(t)
		assert.Error(t, e.proc.Process(context.Background(), j))
		assert.NoDirExists(t, filepath.Dir(e.fetcher.dest))
	})
}

func TestProcessFetchFailureLeavesJobNonTerminal(t *testing.T) {
	e := newEnv(t)
	e.fetcher.err = errors.New("network flake")
	j := e.newJob(t)

	err := e.proc.Process(context.Background(), j)
	assert.Error(t, err)

	// The retry decision belongs to the queue; the record stays live.
	got, _ := e.store.Get(context.Background(), j.ID)
	assert.Equal(t, job.StatusProcessing, got.Status)
	assert.NoFileExists(t, filepath.Join(e.outputDir, "output-"+j.ID+".mp4"))
}

func TestProcessSingleClip(t *testing.T) {
	e := newEnv(t)
	j := e.newJob(t, job.ClipSpec{StartTime: 5, EndTime: 10, CropWidth: 100, CropHeight: 100})

	assert.NoError(t, e.proc.Process(context.Background(), j))
	assert.Len(t, e.concat.inputs, 1)
}

func TestFail(t *testing.T) {
	t.Run("writes the terminal failure record", func(t *testing.T) {
		e := newEnv(t)
		j := e.newJob(t)

		e.proc.Fail(context.Background(), j.ID, "failed after 3 attempts: encoder crashed")

		got, _ := e.store.Get(context.Background(), j.ID)
		assert.Equal(t, job.StatusFailed, got.Status)
		assert.Equal(t, "Failed", got.CurrentStep)
		assert.Equal(t, "failed after 3 attempts: encoder crashed", got.Error)
		assert.NotNil(t, got.CompletedAt)
	})

	t.Run("leaves completed jobs alone", func(t *testing.T) {
		e := newEnv(t)
		j := e.newJob(t)
		assert.NoError(t, e.proc.Process(context.Background(), j))

		e.proc.Fail(context.Background(), j.ID, "too late")

		got, _ := e.store.Get(context.Background(), j.ID)
		assert.Equal(t, job.StatusCompleted, got.Status)
		assert.Empty(t, got.Error)
	})

	t.Run("tolerates unknown jobs", func(t *testing.T) {
		e := newEnv(t)
		e.proc.Fail(context.Background(), "nonexistent", "whatever")
	})
}

func TestRetryable(t *testing.T) {
	assert.False(t, pipeline.Retryable(fetch.ErrUnavailable))
	assert.False(t, pipeline.Retryable(media.ErrBadCrop))
	assert.False(t, pipeline.Retryable(context.Canceled))
	assert.True(t, pipeline.Retryable(media.ErrWatchdog))
	assert.True(t, pipeline.Retryable(fetch.ErrBotChallenge))
	assert.True(t, pipeline.Retryable(errors.New("encoder crashed")))
}
