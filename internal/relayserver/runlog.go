package relayserver

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	. "github.com/roelfdiedericks/browserclaw/internal/logging"
)

// RunLog appends one JSON object per event to a JSONL file. A nil RunLog is
// valid and logs nothing.
type RunLog struct {
	mu   sync.Mutex
	path string
}

type runlogRecord struct {
	T     string `json:"t"`
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// NewRunLog opens (creates) a run log at path. Empty path disables it.
func NewRunLog(path string) *RunLog {
	if path == "" {
		return nil
	}
	return &RunLog{path: path}
}

// Log appends one event record. Write failures are logged but never
// propagated; the relay keeps running without its event trail.
func (r *RunLog) Log(event string, data any) {
	if r == nil {
		return
	}
	rec := runlogRecord{
		T:     time.Now().Format("2006-01-02T15:04:05"),
		Event: event,
		Data:  data,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		L_warn("runlog: marshal failed", "event", event, "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		L_warn("runlog: open failed", "path", r.path, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		L_warn("runlog: write failed", "path", r.path, "error", err)
	}
}
