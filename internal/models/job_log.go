package models

import "time"

// LogLevel represents the severity of a job log entry
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// JobLog is an append-only per-job log record
type JobLog struct {
	ID         string                 `json:"id" badgerhold:"key"`
	JobID      string                 `json:"jobId" badgerholdIndex:"JobID"`
	Level      LogLevel               `json:"level"`
	Message    string                 `json:"message"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	DurationMs int64                  `json:"durationMs,omitempty"`
}
