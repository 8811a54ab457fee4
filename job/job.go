// Package job defines the processing job record and its lifecycle.
package job

import (
	"fmt"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether a job in this status can never change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// SourceKind selects the fetch backend for a job's source video.
type SourceKind string

const (
	// SourceRemote is a remote hosting-site video id, fetched with yt-dlp.
	SourceRemote SourceKind = "remote"
	// SourceStorage is a pre-synced object-storage (or plain HTTP) URL
	// supporting range reads, trimmed server-side with ffmpeg.
	SourceStorage SourceKind = "storage"
)

type SourceRef struct {
	Kind    SourceKind `json:"kind"`
	Locator string     `json:"locator"`
}

func (r SourceRef) Validate() error {
	if r.Kind != SourceRemote && r.Kind != SourceStorage {
		return fmt.Errorf("unknown source kind %q", r.Kind)
	}
	if r.Locator == "" {
		return fmt.Errorf("source locator cannot be empty")
	}
	return nil
}

// ClipSpec is one user-defined extract: a time range plus a crop rectangle
// in source-pixel coordinates. Slice position is the canonical clip index.
type ClipSpec struct {
	StartTime  float64 `json:"startTime"`
	EndTime    float64 `json:"endTime"`
	CropX      int     `json:"cropX"`
	CropY      int     `json:"cropY"`
	CropWidth  int     `json:"cropWidth"`
	CropHeight int     `json:"cropHeight"`
}

func (c ClipSpec) Validate() error {
	if c.StartTime < 0 {
		return fmt.Errorf("startTime must not be negative")
	}
	if c.StartTime >= c.EndTime {
		return fmt.Errorf("startTime must be less than endTime")
	}
	if c.CropX < 0 || c.CropY < 0 {
		return fmt.Errorf("crop origin must not be negative")
	}
	if c.CropWidth <= 0 || c.CropHeight <= 0 {
		return fmt.Errorf("crop dimensions must be positive")
	}
	return nil
}

// Duration returns the clip length in seconds.
func (c ClipSpec) Duration() float64 {
	return c.EndTime - c.StartTime
}

// Job is the durable record of one processing request. It is written by
// exactly one worker at a time; everything else only reads it.
type Job struct {
	ID          string     `json:"id"`
	Source      SourceRef  `json:"source"`
	Clips       []ClipSpec `json:"clips"`
	Status      Status     `json:"status"`
	CurrentStep string     `json:"currentStep"`
	Progress    int        `json:"progress"`
	TotalSteps  int        `json:"totalSteps"`
	CurrentClip int        `json:"currentClip"`
	TotalClips  int        `json:"totalClips"`
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
	OutputURL   string     `json:"outputUrl,omitempty"`

	// OutputPath and ProcessOutput stay internal: the path is a worker-local
	// filesystem detail, and the captured ffmpeg/yt-dlp output is operator
	// diagnostic material, far too noisy for polling clients.
	OutputPath    string `json:"-"`
	ProcessOutput string `json:"-"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// New creates a PENDING job for the given source and clips.
func New(source SourceRef, clips []ClipSpec) (*Job, error) {
	if err := source.Validate(); err != nil {
		return nil, fmt.Errorf("invalid source: %w", err)
	}
	if len(clips) == 0 {
		return nil, fmt.Errorf("job must contain at least one clip")
	}
	for i, c := range clips {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("invalid clip %d: %w", i, err)
		}
	}

	return &Job{
		ID:         shortuuid.New(),
		Source:     source,
		Clips:      clips,
		Status:     StatusPending,
		TotalClips: len(clips),
		CreatedAt:  time.Now(),
	}, nil
}

// SegmentWindow returns the bounding time span covering every clip, padded
// by buffer seconds on each side and clamped at zero. One fetch of this
// window serves all clips of the job.
func (j *Job) SegmentWindow(buffer float64) (start, end float64) {
	start = j.Clips[0].StartTime
	end = j.Clips[0].EndTime
	for _, c := range j.Clips[1:] {
		if c.StartTime < start {
			start = c.StartTime
		}
		if c.EndTime > end {
			end = c.EndTime
		}
	}
	start -= buffer
	if start < 0 {
		start = 0
	}
	return start, end + buffer
}
