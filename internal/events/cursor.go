package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lfedgeai/SPEAR-sub001/internal/common/fsutil"
)

// Cursor persists the id of the last handled event.
type Cursor interface {
	Load() (string, error)
	Store(id string) error
}

// FileCursor keeps the cursor in a small JSON file.
type FileCursor struct {
	path string
}

type cursorFile struct {
	LastEventID string `json:"last_event_id"`
}

// NewFileCursor places the cursor file for nodeID under dataDir.
func NewFileCursor(dataDir, nodeID string) *FileCursor {
	return &FileCursor{path: filepath.Join(dataDir, fmt.Sprintf("task_events_cursor_%s.json", nodeID))}
}

func (c *FileCursor) Path() string { return c.path }

// Load returns "" when no cursor was stored yet.
func (c *FileCursor) Load() (string, error) {
	b, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var f cursorFile
	if err := json.Unmarshal(b, &f); err != nil {
		return "", fmt.Errorf("decode cursor %s: %w", c.path, err)
	}
	return f.LastEventID, nil
}

func (c *FileCursor) Store(id string) error {
	b, err := json.Marshal(cursorFile{LastEventID: id})
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(c.path, b, 0o644)
}
