package models

import (
	"time"
)

// Job lifecycle states exposed through the status registry.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusNotFound   = "not_found"
)

// Execution modes reported back to submitters.
const (
	ModeAsync = "async"
	ModeSync  = "sync"
)

// IsTerminal reports whether no further transitions can follow status.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// JobResult summarises a finished payroll run.
type JobResult struct {
	Total     int      `json:"total"`
	Processed int      `json:"processed"`
	Created   int      `json:"created"`
	Skipped   int      `json:"skipped"`
	Errors    int      `json:"errors"`
	ErrorList []string `json:"error_list"`
	Month     string   `json:"month"`
	Year      int      `json:"year"`
}

// JobStatusRecord is the polled view of a job.
type JobStatusRecord struct {
	JobID     string     `json:"job_id"`
	Status    string     `json:"status"`
	Mode      string     `json:"mode,omitempty"`
	Progress  int        `json:"progress"`
	Attempt   int        `json:"attempt,omitempty"`
	Result    *JobResult `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at,omitempty"`
}

// NotFound is the sentinel record returned for unknown job ids.
func NotFound(jobID string) JobStatusRecord {
	return JobStatusRecord{JobID: jobID, Status: StatusNotFound}
}

// StatusUpdate carries the fields of a partial registry write. Zero values leave
// the stored field untouched; Progress is only applied when non-nil.
type StatusUpdate struct {
	Status   string
	Mode     string
	Progress *int
	Attempt  int
	Result   *JobResult
	Error    string
}

// Progress is a convenience for building a StatusUpdate progress value.
func Progress(p int) *int {
	return &p
}

// Apply merges u into r and returns the new record. Terminal records are returned
// unchanged and progress never moves backwards.
func (r JobStatusRecord) Apply(u StatusUpdate, now time.Time) JobStatusRecord {
	if IsTerminal(r.Status) {
		return r
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if u.Status != "" && !r.requeueIsStale(u) {
		r.Status = u.Status
	}
	if u.Mode != "" {
		r.Mode = u.Mode
	}
	if u.Attempt > 0 {
		r.Attempt = u.Attempt
	}
	if u.Progress != nil {
		p := clampProgress(*u.Progress)
		if p > r.Progress {
			r.Progress = p
		}
	}
	switch r.Status {
	case StatusCompleted:
		r.Progress = 100
		r.Error = ""
		if u.Result != nil {
			res := *u.Result
			r.Result = &res
		}
	case StatusFailed:
		r.Result = nil
		if u.Error != "" {
			r.Error = u.Error
		}
	}
	return r
}

// requeueIsStale reports whether u moves a running attempt back to queued
// without naming a later attempt. Such an update was overtaken by the worker.
func (r JobStatusRecord) requeueIsStale(u StatusUpdate) bool {
	return u.Status == StatusQueued && r.Status == StatusProcessing && u.Attempt <= r.Attempt
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
