package tui

import "time"

// TaskID identifies a task in the TUI progress display.
type TaskID int

const (
	TaskConfig  TaskID = iota // Loading configuration and opening the history store
	TaskScan                  // Scanning projects on the worker pool
	TaskArchive               // Exporting and deleting archive candidates
	TaskNotify                // Delivering digest emails
	TaskComment               // Posting reminder comments
)

// TaskStatus represents the current status of a task.
type TaskStatus int

const (
	StatusPending TaskStatus = iota
	StatusRunning
	StatusComplete
	StatusError
	StatusSkipped
)

// Event is the interface for all TUI events.
type Event interface {
	isEvent()
}

// TaskEvent represents an update to a task's status.
type TaskEvent struct {
	Task     TaskID
	Status   TaskStatus
	Message  string  // Optional message (e.g., "12/30" for progress)
	Count    int     // Count of items (e.g., projects scanned)
	Progress float64 // Progress from 0.0 to 1.0
	Error    error   // Error if status is StatusError
}

func (TaskEvent) isEvent() {}

// RateLimitEvent reports that the platform API limit is exhausted.
type RateLimitEvent struct {
	Limited bool
	ResetAt time.Time
}

func (RateLimitEvent) isEvent() {}

// DoneEvent signals that all work is complete.
type DoneEvent struct{}

func (DoneEvent) isEvent() {}
