package manager

// Lifecycle event names.
const (
	EventArtifactRegistered = "artifact_registered"
	EventTaskCreated        = "task_created"
	EventTaskTerminated     = "task_terminated"
	EventInstanceCreated    = "instance_created"
	EventInstanceDestroyed  = "instance_destroyed"
	EventExecutionCompleted = "execution_completed"
	EventPoolDrained        = "pool_drained"
)

// Event represents a manager lifecycle event.
// Minimal and stable: name + task ID and optional fields via key/values.
type Event struct {
	Name   string
	TaskID string
	Fields map[string]any
}

// EventPublisher receives events from the manager. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
