package events

import (
	"context"
	"strconv"
	"sync"

	"github.com/lfedgeai/SPEAR-sub001/internal/errs"
)

// MemorySource is an in-process feed with sequential numeric ids.
type MemorySource struct {
	mu      sync.Mutex
	events  []Event
	changed chan struct{}
}

func NewMemorySource() *MemorySource {
	return &MemorySource{changed: make(chan struct{})}
}

// Append adds an event and wakes blocked readers.
func (s *MemorySource) Append(kind Kind, taskID, nodeID string) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := Event{ID: strconv.Itoa(len(s.events) + 1), Kind: kind, TaskID: taskID, NodeID: nodeID}
	s.events = append(s.events, ev)
	close(s.changed)
	s.changed = make(chan struct{})
	return ev
}

func (s *MemorySource) Next(ctx context.Context, after string) ([]Event, error) {
	n := 0
	if after != "" {
		var err error
		if n, err = strconv.Atoi(after); err != nil || n < 0 {
			return nil, errs.System(errs.KindValidation, "invalid cursor %q", after)
		}
	}
	for {
		s.mu.Lock()
		if len(s.events) > n {
			out := make([]Event, len(s.events)-n)
			copy(out, s.events[n:])
			s.mu.Unlock()
			return out, nil
		}
		ch := s.changed
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}
