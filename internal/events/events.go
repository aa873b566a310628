// Package events consumes the cluster's task lifecycle feed for this node.
//
// A Source yields events after a cursor, a Lookup resolves task details by
// id, and the Subscriber applies each event to the execution manager before
// persisting the cursor, so delivery is at-least-once across restarts.
package events

import (
	"context"

	"github.com/google/uuid"

	"github.com/lfedgeai/SPEAR-sub001/internal/errs"
	"github.com/lfedgeai/SPEAR-sub001/internal/task"
	"github.com/lfedgeai/SPEAR-sub001/pkg/types"
)

type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// ParseKind accepts the lowercase names used on the wire.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindCreate, KindUpdate, KindDelete:
		return Kind(s), nil
	}
	return "", errs.System(errs.KindValidation, "unknown task event kind %q", s)
}

// Event is one task lifecycle change addressed to a node.
type Event struct {
	ID     string `json:"id"`
	Kind   Kind   `json:"kind"`
	TaskID string `json:"task_id"`
	NodeID string `json:"node_id"`
}

// Source yields events strictly after the given cursor. An empty cursor
// means the beginning of the feed. Next may block until events arrive or
// ctx ends; an empty result with a nil error is valid.
type Source interface {
	Next(ctx context.Context, after string) ([]Event, error)
}

// Lookup fetches the full record of a task.
type Lookup interface {
	GetTask(ctx context.Context, taskID string) (types.TaskRecord, error)
}

// Target applies events to the local execution engine.
type Target interface {
	MaterializeTask(rec types.TaskRecord) (task.Task, error)
	PrewarmTask(ctx context.Context, taskID string) error
	TerminateTask(ctx context.Context, taskID string) error
}

// NodeUUID returns name when it already is a UUID, otherwise a stable
// name-based UUID derived from it.
func NodeUUID(name string) string {
	if u, err := uuid.Parse(name); err == nil {
		return u.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}
