// Package cron provides durable scheduled jobs. Jobs survive process
// restarts and fire into isolated lanes; they are never silently
// duplicated and a missed one-shot is never fired retroactively.
package cron

import (
	"errors"
	"fmt"
	"time"

	cronparse "github.com/robfig/cron/v3"
)

var (
	// ErrJobExists means a write reused an existing jobId from a
	// caller that does not own the job.
	ErrJobExists = errors.New("job id already exists")

	// ErrLockedField means a write tried to change a field the
	// creating agent may never mutate.
	ErrLockedField = errors.New("attempt to mutate locked field")

	// ErrNotFound means no job with that id exists for the identity.
	ErrNotFound = errors.New("job not found")
)

// Creator says who authored a job. Owner-authored jobs may be
// updated by the owner; agent-authored jobs are frozen on their
// locked fields.
type Creator string

const (
	CreatorOwner Creator = "owner"
	CreatorAgent Creator = "agent"
)

// ScheduleKind distinguishes one-shot from recurring jobs.
type ScheduleKind string

const (
	ScheduleOneShot   ScheduleKind = "one_shot"
	ScheduleRecurring ScheduleKind = "recurring"
)

// Schedule says when a job fires.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	// At is the firing time for one-shot jobs.
	At *time.Time `json:"at,omitempty"`

	// Expression is a standard 5-field cron expression for recurring
	// jobs, evaluated in Timezone.
	Expression string `json:"expression,omitempty"`

	// Timezone is an IANA zone name; empty means UTC.
	Timezone string `json:"timezone,omitempty"`
}

// Delivery says where the fired turn's output goes.
type Delivery struct {
	Channel string `json:"channel,omitempty"`
	Target  string `json:"target,omitempty"`
}

// Job is a durable scheduled trigger. JobID, Creator and IdentityID
// are locked: no write may change them once the job exists.
type Job struct {
	JobID       string `json:"job_id"`
	IdentityID  string `json:"identity_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Schedule      Schedule `json:"schedule"`
	SessionTarget string   `json:"session_target,omitempty"`
	Message       string   `json:"message"`
	Delivery      Delivery `json:"delivery"`

	Creator   Creator   `json:"creator"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the fields a job must carry before it can be
// persisted.
func (j *Job) Validate() error {
	if j.JobID == "" {
		return errors.New("job has no id")
	}
	if j.IdentityID == "" {
		return errors.New("job has no identity")
	}
	if j.Creator != CreatorOwner && j.Creator != CreatorAgent {
		return fmt.Errorf("unknown creator %q", j.Creator)
	}
	switch j.Schedule.Kind {
	case ScheduleOneShot:
		if j.Schedule.At == nil {
			return errors.New("one-shot job has no firing time")
		}
	case ScheduleRecurring:
		if _, err := parseExpression(j.Schedule.Expression); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", j.Schedule.Expression, err)
		}
		if _, err := j.location(); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", j.Schedule.Timezone, err)
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", j.Schedule.Kind)
	}
	return nil
}

func parseExpression(expr string) (cronparse.Schedule, error) {
	return cronparse.ParseStandard(expr)
}

func (j *Job) location() (*time.Location, error) {
	if j.Schedule.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(j.Schedule.Timezone)
}

// NextRun computes the first firing time strictly after the given
// instant. Returns false when the job will never fire again.
func (j *Job) NextRun(after time.Time) (time.Time, bool) {
	switch j.Schedule.Kind {
	case ScheduleOneShot:
		if j.Schedule.At != nil && j.Schedule.At.After(after) {
			return *j.Schedule.At, true
		}
		return time.Time{}, false

	case ScheduleRecurring:
		sched, err := parseExpression(j.Schedule.Expression)
		if err != nil {
			return time.Time{}, false
		}
		loc, err := j.location()
		if err != nil {
			return time.Time{}, false
		}
		return sched.Next(after.In(loc)), true

	default:
		return time.Time{}, false
	}
}

// ExecutionStatus is the outcome of one firing.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"

	// StatusLapsed records a one-shot whose time passed while the
	// process was down. Policy: it is logged, never fired late.
	StatusLapsed ExecutionStatus = "lapsed"

	// StatusSkipped records a firing suppressed by the process-wide
	// concurrent-run cap.
	StatusSkipped ExecutionStatus = "skipped"
)

// Execution is the audit record of one firing (or non-firing).
type Execution struct {
	ID          string          `json:"id"`
	JobID       string          `json:"job_id"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Result      string          `json:"result,omitempty"`
}
