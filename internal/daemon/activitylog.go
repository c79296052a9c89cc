package daemon

import (
	"encoding/json"
	"log"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/revgate/revgate/internal/config"
)

// ActivityEntry is a single activity log line.
type ActivityEntry struct {
	Timestamp time.Time         `json:"ts"`
	Event     string            `json:"event"`
	Component string            `json:"component"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
}

// ActivityLog writes JSONL to disk and keeps an in-memory ring buffer
// of the most recent entries for the /stats/activity endpoint.
// Adapted from internal/daemon/activitylog.go.
type ActivityLog struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	recent     []ActivityEntry
	maxRecent  int
	writeIdx   int
	count      int
	writeCount int
	maxSize    int64
}

const activityLogCapacity = 500

// maxActivityLogSize is the size at which the log file is truncated on open.
const maxActivityLogSize = 5 * 1024 * 1024

const rotateCheckInterval = 1000

// NewActivityLog creates a new activity log writer at path, truncating
// an existing file that has grown past maxActivityLogSize.
func NewActivityLog(path string) (*ActivityLog, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := truncateIfOversized(path, maxActivityLogSize); err != nil {
		log.Printf("activity log: failed to truncate %s: %v", path, err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &ActivityLog{
		file:      file,
		path:      path,
		recent:    make([]ActivityEntry, activityLogCapacity),
		maxRecent: activityLogCapacity,
		maxSize:   maxActivityLogSize,
	}, nil
}

// DefaultActivityLogPath returns the default path under the data directory.
func DefaultActivityLogPath() string {
	return filepath.Join(config.DataDir(), "activity.log")
}

// Log writes an entry to both the file and the ring buffer. The
// details map is copied; callers may mutate it after calling Log.
func (a *ActivityLog) Log(event, component, message string, details map[string]string) {
	entry := ActivityEntry{
		Timestamp: time.Now(),
		Event:     event,
		Component: component,
		Message:   message,
		Details:   copyDetails(details),
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file != nil {
		if data, err := json.Marshal(entry); err == nil {
			_, _ = a.file.Write(data)
			_, _ = a.file.Write([]byte("\n"))
		}
		a.maybeRotate()
	}

	a.recent[a.writeIdx] = entry
	a.writeIdx = (a.writeIdx + 1) % a.maxRecent
	if a.count < a.maxRecent {
		a.count++
	}
}

// Recent returns all buffered entries, newest first.
func (a *ActivityLog) Recent() []ActivityEntry {
	return a.RecentN(a.maxRecent)
}

// RecentN returns up to n most recent entries, newest first.
func (a *ActivityLog) RecentN(n int) []ActivityEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.count == 0 || n <= 0 {
		return nil
	}
	if n > a.count {
		n = a.count
	}
	result := make([]ActivityEntry, n)
	readIdx := (a.writeIdx - 1 + a.maxRecent) % a.maxRecent
	for i := 0; i < n; i++ {
		e := a.recent[readIdx]
		e.Details = copyDetails(e.Details)
		result[i] = e
		readIdx = (readIdx - 1 + a.maxRecent) % a.maxRecent
	}
	return result
}

// Close closes the underlying log file.
func (a *ActivityLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		err := a.file.Close()
		a.file = nil
		return err
	}
	return nil
}

// maybeRotate checks the file size every rotateCheckInterval writes
// and truncates it if over maxSize. Must be called with a.mu held.
func (a *ActivityLog) maybeRotate() {
	a.writeCount++
	if a.writeCount < rotateCheckInterval {
		return
	}
	a.writeCount = 0

	info, err := a.file.Stat()
	if err != nil || info.Size() <= a.maxSize {
		return
	}

	a.file.Close()
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("activity log: rotate reopen failed, retrying append: %v", err)
		f, err = os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			log.Printf("activity log: fallback reopen also failed: %v", err)
			a.file = nil
			return
		}
	}
	a.file = f
}

func copyDetails(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	maps.Copy(cp, m)
	return cp
}

func truncateIfOversized(path string, limit int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	if info.Size() > limit {
		return os.Remove(path)
	}
	return nil
}
