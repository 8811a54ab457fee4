package api

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"clipper/config"
	"clipper/job"
	"clipper/metrics"
	"clipper/queue"
)

// JobCanceler aborts a running job cooperatively.
type JobCanceler interface {
	Cancel(jobID string) error
}

// JobFailer writes a terminal FAILED record, used for canceling jobs that
// have not started yet.
type JobFailer interface {
	Fail(ctx context.Context, jobID, message string)
}

type Handler struct {
	store    job.Store
	queue    queue.Queue
	canceler JobCanceler
	failer   JobFailer
	metrics  *metrics.Metrics
	cfg      *config.Config
}

func NewHandler(store job.Store, q queue.Queue, canceler JobCanceler, failer JobFailer, m *metrics.Metrics, cfg *config.Config) *Handler {
	return &Handler{
		store:    store,
		queue:    q,
		canceler: canceler,
		failer:   failer,
		metrics:  m,
		cfg:      cfg,
	}
}

type JobRequest struct {
	Source job.SourceRef  `json:"source" binding:"required"`
	Clips  []job.ClipSpec `json:"clips" binding:"required"`
}

// handleCreateJob validates the submission, persists a PENDING record and
// enqueues it. Processing happens asynchronously; the response carries only
// the id to poll.
func (h *Handler) handleCreateJob(c *gin.Context) {
	var req JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	j, err := job.New(req.Source, req.Clips)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.store.Create(c.Request.Context(), j); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job", "details": err.Error()})
		return
	}
	if err := h.queue.Enqueue(c.Request.Context(), queue.Message{JobID: j.ID}); err != nil {
		h.failer.Fail(c.Request.Context(), j.ID, fmt.Sprintf("could not queue job: %v", err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to queue job", "details": err.Error()})
		return
	}

	if h.metrics != nil {
		h.metrics.JobsSubmitted.Inc()
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": j.ID})
}

// handleGetJobStatus returns the pollable status snapshot for one job.
func (h *Handler) handleGetJobStatus(c *gin.Context) {
	j, err := h.store.Get(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	c.JSON(http.StatusOK, j)
}

func (h *Handler) handleListJobs(c *gin.Context) {
	jobs, err := h.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs"})
		return
	}
	c.JSON(http.StatusOK, jobs)
}

// handleCancelJob cancels a job. A job still waiting in the queue is
// marked FAILED directly and skipped by the workers; a running job has its
// context canceled and the owning worker records the failure.
func (h *Handler) handleCancelJob(c *gin.Context) {
	jobID := c.Param("jobId")
	j, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}

	switch {
	case j.Status.Terminal():
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("cannot cancel job in state %s", j.Status)})
		return
	case j.Status == job.StatusPending:
		h.failer.Fail(c.Request.Context(), jobID, "aborted by request")
	default:
		if err := h.canceler.Cancel(jobID); err != nil {
			// Between the status read and the cancel the worker may have
			// finished; treat as not cancelable anymore.
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"message": "Job cancellation requested"})
}

// handleDownload streams the merged output of a completed job.
func (h *Handler) handleDownload(c *gin.Context) {
	j, err := h.store.Get(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	if j.Status != job.StatusCompleted {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("job is not ready yet (status: %s)", j.Status)})
		return
	}
	if j.OutputPath == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "Output no longer available"})
		return
	}
	if _, err := os.Stat(j.OutputPath); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Output no longer available"})
		return
	}
	c.FileAttachment(j.OutputPath, fmt.Sprintf("output-%s.mp4", j.ID))
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
