// Package pipeline drives one processing job through its stages: fetch the
// bounding segment, transcode each clip in index order, merge, finalize.
// Stage boundaries are persisted to the job store so pollers always observe
// a consistent, advancing snapshot.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"clipper/fetch"
	"clipper/job"
	"clipper/media"
	"clipper/metrics"
)

// totalSteps is the fixed step denominator pollers see: download, clip
// transcode, merge, finalize.
const totalSteps = 4

type Fetcher interface {
	Fetch(ctx context.Context, ref job.SourceRef, w fetch.Window, destPath string) (string, error)
}

type Transcoder interface {
	Transcode(ctx context.Context, sourcePath string, clip job.ClipSpec, segmentStart float64, outputPath string, onProgress func(percent float64)) (string, error)
}

type Concatenator interface {
	Concatenate(ctx context.Context, inputPaths []string, outputPath string) (string, error)
}

type Options struct {
	// TempRoot hosts the per-job scratch directories; empty means the
	// system temp dir.
	TempRoot string
	// OutputDir receives the persisted merged file on success.
	OutputDir string
	// BaseURL prefixes the download URL written onto completed jobs.
	BaseURL string
	// SegmentBuffer pads the fetched window on both sides, in seconds,
	// to tolerate clip boundary rounding downstream.
	SegmentBuffer float64
	// OutputLifetime bounds how long persisted outputs are kept.
	OutputLifetime time.Duration
}

// Processor executes jobs. It is the single writer of each job record for
// the duration of Process.
type Processor struct {
	store      job.Store
	fetcher    Fetcher
	transcoder Transcoder
	concat     Concatenator
	metrics    *metrics.Metrics
	opts       Options
}

func NewProcessor(store job.Store, fetcher Fetcher, transcoder Transcoder, concat Concatenator, m *metrics.Metrics, opts Options) *Processor {
	return &Processor{
		store:      store,
		fetcher:    fetcher,
		transcoder: transcoder,
		concat:     concat,
		metrics:    m,
		opts:       opts,
	}
}

// Retryable classifies a Process error for the queue's retry policy.
// Geometry and source-availability errors cannot be fixed by retrying;
// everything else (network blips, encoder crashes, watchdog timeouts) can.
func Retryable(err error) bool {
	if errors.Is(err, fetch.ErrUnavailable) || errors.Is(err, media.ErrBadCrop) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// Process runs the job to COMPLETED or returns the stage error without
// writing FAILED, leaving the retry decision to the caller. The job's temp
// directory is removed on every exit path.
func (p *Processor) Process(ctx context.Context, j *job.Job) (err error) {
	now := time.Now()
	j.Status = job.StatusProcessing
	j.CurrentStep = "Initializing..."
	j.Progress = 0
	j.TotalSteps = totalSteps
	j.TotalClips = len(j.Clips)
	j.StartedAt = &now
	p.persistProgress(ctx, j)

	tempDir, err := os.MkdirTemp(p.opts.TempRoot, "clipper-job-")
	if err != nil {
		return fmt.Errorf("creating temp dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(tempDir); rmErr != nil {
			log.Printf("Failed to remove temp dir %s: %v", tempDir, rmErr)
		}
	}()

	// Stage 1: fetch the one bounding segment that covers every clip.
	p.step(ctx, j, "Downloading required video segment...", 1, 0)
	segStart, segEnd := j.SegmentWindow(p.opts.SegmentBuffer)
	sourcePath := filepath.Join(tempDir, "source.mp4")

	stageStart := time.Now()
	output, err := p.fetcher.Fetch(ctx, j.Source, fetch.Window{Start: segStart, End: segEnd}, sourcePath)
	j.ProcessOutput = output
	if err != nil {
		return fmt.Errorf("fetching segment: %w", err)
	}
	p.metrics.ObserveStage("fetch", time.Since(stageStart).Seconds())

	// Stage 2: transcode clips sequentially in index order. Index order is
	// canonical; concatenation below consumes the same order.
	clipPaths := make([]string, 0, len(j.Clips))
	for i, clip := range j.Clips {
		p.step(ctx, j, fmt.Sprintf("Processing clip %d of %d...", i+1, len(j.Clips)), 2, i+1)

		clipPath := filepath.Join(tempDir, fmt.Sprintf("clip-%d.mp4", i))
		stageStart = time.Now()
		output, err = p.transcoder.Transcode(ctx, sourcePath, clip, segStart, clipPath, clipProgressLogger(j.ID, i))
		appendOutput(j, output)
		if err != nil {
			return fmt.Errorf("transcoding clip %d: %w", i, err)
		}
		p.metrics.ObserveStage("transcode", time.Since(stageStart).Seconds())
		clipPaths = append(clipPaths, clipPath)
	}

	// Stage 3: merge in the order produced above.
	p.step(ctx, j, "Merging clips...", 3, len(j.Clips))
	mergedPath := filepath.Join(tempDir, "merged.mp4")
	stageStart = time.Now()
	output, err = p.concat.Concatenate(ctx, clipPaths, mergedPath)
	appendOutput(j, output)
	if err != nil {
		return fmt.Errorf("merging clips: %w", err)
	}
	p.metrics.ObserveStage("merge", time.Since(stageStart).Seconds())

	// Stage 4: persist the output outside the temp dir, then complete.
	p.step(ctx, j, "Finalizing...", 4, len(j.Clips))
	finalPath := filepath.Join(p.opts.OutputDir, fmt.Sprintf("output-%s.mp4", j.ID))
	if err := copyFile(mergedPath, finalPath); err != nil {
		return fmt.Errorf("persisting output: %w", err)
	}

	completed := time.Now()
	j.Status = job.StatusCompleted
	j.CurrentStep = "Complete"
	j.Progress = totalSteps
	j.OutputPath = finalPath
	j.OutputURL = fmt.Sprintf("%s/api/v1/jobs/%s/download", p.opts.BaseURL, j.ID)
	j.CompletedAt = &completed
	if err := p.persistTerminal(j); err != nil {
		// The output file exists but nobody will ever learn about it.
		os.Remove(finalPath)
		return fmt.Errorf("recording completion: %w", err)
	}

	if p.metrics != nil {
		p.metrics.JobsCompleted.Inc()
	}
	return nil
}

// Fail writes the terminal FAILED record for a job. Safe to call for jobs
// in any state; terminal jobs are left untouched.
func (p *Processor) Fail(ctx context.Context, jobID, message string) {
	j, err := p.store.Get(ctx, jobID)
	if err != nil {
		log.Printf("Cannot fail unknown job %s: %v", jobID, err)
		return
	}
	if j.Status.Terminal() {
		return
	}

	completed := time.Now()
	j.Status = job.StatusFailed
	j.CurrentStep = "Failed"
	j.Error = message
	j.CompletedAt = &completed
	if err := p.persistTerminal(j); err != nil {
		log.Printf("ERROR: could not record failure of job %s: %v", j.ID, err)
		return
	}
	if p.metrics != nil {
		p.metrics.JobsFailed.Inc()
	}
}

// step persists a stage-boundary progress update. A failed write is logged
// and the pipeline continues: a missed tick is not fatal to the job.
func (p *Processor) step(ctx context.Context, j *job.Job, text string, progress, currentClip int) {
	j.CurrentStep = text
	j.Progress = progress
	j.CurrentClip = currentClip
	p.persistProgress(ctx, j)
}

func (p *Processor) persistProgress(ctx context.Context, j *job.Job) {
	if err := p.store.Update(ctx, j); err != nil {
		log.Printf("Failed to persist progress for job %s (%q): %v", j.ID, j.CurrentStep, err)
	}
}

// persistTerminal writes a COMPLETED/FAILED record, retrying on store
// errors: the terminal write is the only way collaborators learn the
// outcome. Uses its own context so job cancellation cannot suppress it.
func (p *Processor) persistTerminal(j *job.Job) error {
	var lastErr error
	for attempt := 1; attempt <= 5; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		lastErr = p.store.Update(ctx, j)
		cancel()
		if lastErr == nil {
			return nil
		}
		log.Printf("Terminal write for job %s failed (attempt %d/5): %v", j.ID, attempt, lastErr)
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	return lastErr
}

// StartRetentionSweep deletes persisted outputs once they outlive the
// configured lifetime. The job records themselves are left to the external
// retention policy.
func (p *Processor) StartRetentionSweep(ctx context.Context) {
	if p.opts.OutputLifetime <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(p.opts.OutputLifetime / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.sweepOutputs(ctx)
			}
		}
	}()
}

func (p *Processor) sweepOutputs(ctx context.Context) {
	jobs, err := p.store.List(ctx)
	if err != nil {
		log.Printf("Retention sweep: listing jobs failed: %v", err)
		return
	}
	for _, j := range jobs {
		if j.Status != job.StatusCompleted || j.OutputPath == "" || j.CompletedAt == nil {
			continue
		}
		if time.Since(*j.CompletedAt) > p.opts.OutputLifetime {
			if err := os.Remove(j.OutputPath); err == nil {
				log.Printf("Removed expired output for job %s: %s", j.ID, j.OutputPath)
			} else if !os.IsNotExist(err) {
				log.Printf("Retention sweep: removing %s failed: %v", j.OutputPath, err)
			}
		}
	}
}

// clipProgressLogger logs per-clip encoder progress at quarter increments
// to keep the logs readable on long clips.
func clipProgressLogger(jobID string, clipIndex int) func(percent float64) {
	lastQuarter := -1
	return func(percent float64) {
		quarter := int(percent) / 25
		if quarter > lastQuarter {
			lastQuarter = quarter
			log.Printf("Job %s clip %d: %.0f%%", jobID, clipIndex, percent)
		}
	}
}

func appendOutput(j *job.Job, output string) {
	if output == "" {
		return
	}
	if j.ProcessOutput != "" {
		j.ProcessOutput += "\n"
	}
	j.ProcessOutput += output
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
