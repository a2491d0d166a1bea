package handlers

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/anstrom/netmonkey/internal/errors"
	"github.com/anstrom/netmonkey/internal/logging"
	"github.com/anstrom/netmonkey/internal/scanning"
	"github.com/anstrom/netmonkey/internal/scheduler"
)

// JobManager manages scheduled sweeps. *scheduler.Scheduler implements it.
type JobManager interface {
	GetJobs() []scheduler.ScheduledJob
	GetJob(id uuid.UUID) (scheduler.ScheduledJob, error)
	TriggerJob(id uuid.UUID) error
	EnableJob(id uuid.UUID) error
	DisableJob(id uuid.UUID) error
	RemoveJob(id uuid.UUID) error
}

// ScheduleHandler exposes the scheduled sweeps.
type ScheduleHandler struct {
	jobs   JobManager
	logger *logging.Logger
}

// NewScheduleHandler creates a new schedule handler.
func NewScheduleHandler(jobs JobManager, logger *logging.Logger) *ScheduleHandler {
	return &ScheduleHandler{
		jobs:   jobs,
		logger: logger.WithComponent("schedule"),
	}
}

// JobResponse describes one scheduled sweep.
type JobResponse struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Cron          string          `json:"cron"`
	Target        string          `json:"target"`
	Ports         []int           `json:"ports"`
	Enabled       bool            `json:"enabled"`
	Running       bool            `json:"running"`
	Runs          int             `json:"runs"`
	Skipped       int             `json:"skipped"`
	LastRun       *time.Time      `json:"last_run,omitempty"`
	NextRun       *time.Time      `json:"next_run,omitempty"`
	LastSessionID string          `json:"last_session_id,omitempty"`
	LastStats     *scanning.Stats `json:"last_stats,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
}

// JobListResponse lists every scheduled sweep.
type JobListResponse struct {
	Jobs  []JobResponse `json:"jobs"`
	Total int           `json:"total"`
}

func newJobResponse(job scheduler.ScheduledJob) JobResponse {
	resp := JobResponse{
		ID:            job.ID.String(),
		Name:          job.Name,
		Cron:          job.CronExpression,
		Target:        job.Request.Base.String(),
		Ports:         job.Request.Ports,
		Enabled:       job.Enabled,
		Running:       job.Running,
		Runs:          job.Runs,
		Skipped:       job.Skipped,
		LastSessionID: job.LastSessionID,
		LastError:     job.LastError,
	}
	if rng, err := scanning.NewRange(job.Request.Base, job.Request.PrefixLen); err == nil {
		resp.Target = rng.String()
	}
	if resp.Ports == nil {
		resp.Ports = []int{}
	}
	if !job.LastRun.IsZero() {
		lastRun := job.LastRun.UTC()
		resp.LastRun = &lastRun
	}
	if !job.NextRun.IsZero() {
		nextRun := job.NextRun.UTC()
		resp.NextRun = &nextRun
	}
	if job.LastSessionID != "" {
		stats := job.LastStats
		resp.LastStats = &stats
	}
	return resp
}

// ListJobs lists the scheduled sweeps ordered by name.
func (h *ScheduleHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.jobs.GetJobs()

	resp := JobListResponse{Jobs: make([]JobResponse, 0, len(jobs)), Total: len(jobs)}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, newJobResponse(job))
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// GetJob reports one scheduled sweep.
func (h *ScheduleHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, newJobResponse(job))
}

// TriggerJob starts a sweep of the job outside its schedule. The sweep runs
// in the background and its events reach the watch hub like any tick.
func (h *ScheduleHandler) TriggerJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if !job.Enabled {
		writeError(w, r, http.StatusConflict,
			errors.NewScanError(errors.CodeValidation, "scheduled job is disabled"))
		return
	}

	go func() {
		if err := h.jobs.TriggerJob(job.ID); err != nil {
			h.logger.Warn("Triggered sweep did not run", "job", job.Name, "error", err)
		}
	}()

	h.logger.Info("Scheduled sweep triggered", "job", job.Name, "remote_addr", r.RemoteAddr)
	writeJSON(w, r, http.StatusAccepted, newJobResponse(job))
}

// EnableJob resumes a job's ticks.
func (h *ScheduleHandler) EnableJob(w http.ResponseWriter, r *http.Request) {
	h.update(w, r, h.jobs.EnableJob)
}

// DisableJob pauses a job's ticks.
func (h *ScheduleHandler) DisableJob(w http.ResponseWriter, r *http.Request) {
	h.update(w, r, h.jobs.DisableJob)
}

// DeleteJob removes a job. A sweep already running finishes.
func (h *ScheduleHandler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}
	if err := h.jobs.RemoveJob(id); err != nil {
		h.writeJobError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ScheduleHandler) update(w http.ResponseWriter, r *http.Request, apply func(uuid.UUID) error) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}
	if err := apply(id); err != nil {
		h.writeJobError(w, r, err)
		return
	}
	job, err := h.jobs.GetJob(id)
	if err != nil {
		h.writeJobError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, newJobResponse(job))
}

func (h *ScheduleHandler) lookup(w http.ResponseWriter, r *http.Request) (scheduler.ScheduledJob, bool) {
	id, ok := h.jobID(w, r)
	if !ok {
		return scheduler.ScheduledJob{}, false
	}
	job, err := h.jobs.GetJob(id)
	if err != nil {
		h.writeJobError(w, r, err)
		return scheduler.ScheduledJob{}, false
	}
	return job, true
}

func (h *ScheduleHandler) jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := mux.Vars(r)["id"]
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, r, 0, errors.NewScanError(errors.CodeValidation, "invalid job id "+raw))
		return uuid.Nil, false
	}
	return id, true
}

func (h *ScheduleHandler) writeJobError(w http.ResponseWriter, r *http.Request, err error) {
	if stderrors.Is(err, scheduler.ErrJobNotFound) {
		writeError(w, r, http.StatusNotFound, err)
		return
	}
	writeError(w, r, 0, err)
}
