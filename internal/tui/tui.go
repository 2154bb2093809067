package tui

import (
	"fmt"
	"os"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/spiffcs/stalebot/internal/constants"
	"github.com/spiffcs/stalebot/internal/scan"
)

// Run starts the TUI and blocks until it completes.
func Run(events <-chan Event, opts ...ModelOption) error {
	model := NewModel(events, opts...)
	// Don't use alt screen - render inline
	p := tea.NewProgram(model)
	_, err := p.Run()
	return err
}

// ShouldUseTUI returns true if the TUI should be used based on environment.
func ShouldUseTUI() bool {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return false
	}

	ciVars := []string{
		"CI",
		"GITHUB_ACTIONS",
		"JENKINS_URL",
		"TRAVIS",
		"CIRCLECI",
		"GITLAB_CI",
		"BUILDKITE",
	}
	for _, v := range ciVars {
		if os.Getenv(v) != "" {
			return false
		}
	}
	return true
}

// SendEvent sends an event to the channel in a non-blocking manner.
func SendEvent(ch chan<- Event, e Event) {
	if ch == nil {
		return
	}
	select {
	case ch <- e:
	default:
		// Non-blocking send - drop event if channel is full
	}
}

// SendTaskEvent is a convenience function for sending task events.
func SendTaskEvent(ch chan<- Event, task TaskID, status TaskStatus, opts ...TaskEventOption) {
	e := TaskEvent{
		Task:   task,
		Status: status,
	}
	for _, opt := range opts {
		opt(&e)
	}
	SendEvent(ch, e)
}

// TaskEventOption is a functional option for TaskEvent.
type TaskEventOption func(*TaskEvent)

// WithMessage sets the message on a TaskEvent.
func WithMessage(msg string) TaskEventOption {
	return func(e *TaskEvent) {
		e.Message = msg
	}
}

// WithCount sets the count on a TaskEvent.
func WithCount(count int) TaskEventOption {
	return func(e *TaskEvent) {
		e.Count = count
	}
}

// WithProgress sets the progress on a TaskEvent.
func WithProgress(progress float64) TaskEventOption {
	return func(e *TaskEvent) {
		e.Progress = progress
	}
}

// WithError sets the error on a TaskEvent.
func WithError(err error) TaskEventOption {
	return func(e *TaskEvent) {
		e.Error = err
	}
}

var stageTasks = map[scan.Stage]TaskID{
	scan.StageScan:    TaskScan,
	scan.StageArchive: TaskArchive,
	scan.StageNotify:  TaskNotify,
	scan.StageComment: TaskComment,
}

// StageProgress adapts orchestrator progress callbacks into task events.
// Intermediate updates are throttled; the first and last update of a stage
// are always sent.
func StageProgress(ch chan<- Event) scan.ProgressFunc {
	var (
		mu   sync.Mutex
		last = make(map[scan.Stage]time.Time)
	)
	return func(stage scan.Stage, completed, total int) {
		task, ok := stageTasks[stage]
		if !ok {
			return
		}
		mu.Lock()
		now := time.Now()
		final := completed >= total
		if completed > 0 && !final && now.Sub(last[stage]) < constants.TUIUpdateInterval {
			mu.Unlock()
			return
		}
		last[stage] = now
		mu.Unlock()

		switch {
		case total == 0:
			SendTaskEvent(ch, task, StatusComplete, WithMessage("nothing to do"))
		case final:
			SendTaskEvent(ch, task, StatusComplete, WithCount(total))
		default:
			SendTaskEvent(ch, task, StatusRunning,
				WithProgress(float64(completed)/float64(total)),
				WithMessage(fmt.Sprintf("%d/%d", completed, total)))
		}
	}
}
