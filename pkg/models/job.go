package models

import "time"

// JobState represents the lifecycle of a camper job
type JobState string

const (
	JobPending JobState = "PENDING"
	JobRunning JobState = "RUNNING"
	JobStopped JobState = "STOPPED"
)

// TerminationCause records why a camper job stopped
type TerminationCause string

const (
	CauseNone        TerminationCause = ""
	CauseManual      TerminationCause = "MANUAL"
	CauseTokenExpiry TerminationCause = "TOKEN_EXPIRED"
	CauseError       TerminationCause = "ERROR"
	CauseWindowEnded TerminationCause = "WINDOW_ENDED"
)

// CamperJob is a snapshot of a user's recurring scan job
type CamperJob struct {
	UserID      string           `json:"userId"`
	Interval    time.Duration    `json:"interval"`
	StartOffset time.Duration    `json:"startOffset"`
	EndOffset   time.Duration    `json:"endOffset"`
	State       JobState         `json:"state"`
	Cause       TerminationCause `json:"cause,omitempty"`
	Err         string           `json:"error,omitempty"`
	Firings     int              `json:"firings"`
	Skipped     int              `json:"skipped"`
	StartedAt   time.Time        `json:"startedAt"`
	EndsAt      time.Time        `json:"endsAt"`
}
