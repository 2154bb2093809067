package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
)

// Task is one stage of a run in the progress display.
type Task struct {
	ID       TaskID
	Name     string
	Status   TaskStatus
	Message  string
	Count    int
	Progress float64
	Error    error
}

// NewTask returns a pending stage.
func NewTask(id TaskID, name string) Task {
	return Task{ID: id, Name: name, Status: StatusPending}
}

// apply folds e into t. Zero fields in e keep the previous value. It reports
// whether the progress fraction moved.
func (t *Task) apply(e TaskEvent) bool {
	t.Status = e.Status
	if e.Message != "" {
		t.Message = e.Message
	}
	if e.Count > 0 {
		t.Count = e.Count
	}
	if e.Error != nil {
		t.Error = e.Error
	}
	if e.Progress <= 0 {
		return false
	}
	t.Progress = e.Progress
	return true
}

// idle stages have not started or will not run.
func (t Task) idle() bool {
	return t.Status == StatusPending || t.Status == StatusSkipped
}

// detail is the text after the stage name: a bar while the scan is partway
// through, the last message, or the item count.
func (t Task) detail(prog progress.Model) string {
	if t.Status == StatusRunning && t.Progress > 0 {
		bar := fmt.Sprintf("%s %d%%", prog.ViewAs(t.Progress), int(t.Progress*100))
		if t.Message == "" {
			return bar
		}
		return bar + " " + messageStyle.Render("("+t.Message+")")
	}
	if t.Message != "" {
		return messageStyle.Render(t.Message)
	}
	if t.Count > 0 {
		return messageStyle.Render(fmt.Sprintf("(%d)", t.Count))
	}
	return ""
}

// View renders the stage as one indented line.
func (t Task) View(spinnerFrame string, prog progress.Model) string {
	name := taskNameStyle
	if t.idle() {
		name = taskDimStyle
	}
	parts := []string{" ", StatusIcon(t.Status, spinnerFrame), name.Render(t.Name)}
	if d := t.detail(prog); d != "" {
		parts = append(parts, d)
	}
	if t.Error != nil {
		parts = append(parts, errorStyle.Render(t.Error.Error()))
	}
	return strings.Join(parts, " ")
}
