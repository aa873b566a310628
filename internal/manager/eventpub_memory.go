package manager

import "sync"

// MemoryPublisher keeps every lifecycle event in memory. Tests use it to
// assert on the order and payload of events.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

// ForTask returns the events published for taskID, oldest first.
func (p *MemoryPublisher) ForTask(taskID string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, e := range p.events {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out
}

// Names returns published event names in order.
func (p *MemoryPublisher) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Name
	}
	return out
}
