package pipeline

import "github.com/igoryan-dao/cascade/internal/task"

// EventType classifies orchestrator events.
type EventType string

const (
	// EventProgress is emitted when a task changes state during the run.
	EventProgress EventType = "progress"
	// EventPaused is emitted when the run suspends at a task boundary.
	EventPaused EventType = "paused"
	// EventCompleted is emitted once, after the last task resolves.
	EventCompleted EventType = "completed"
	// EventFailed is emitted when a terminal failure halts the run.
	EventFailed EventType = "failed"
)

// Event is published on the orchestrator's event stream. Subscribers receive
// events in the order transitions happened; Tasks is a snapshot the receiver
// may inspect freely.
type Event struct {
	Type    EventType
	Tasks   []*task.Record
	Index   int
	Message string
}
