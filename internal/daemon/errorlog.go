package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/revgate/revgate/internal/config"
)

// ErrorEntry is a single error/warning log line.
type ErrorEntry struct {
	Timestamp time.Time `json:"ts"`
	Level     string    `json:"level"` // "error" | "warn"
	Component string    `json:"component"`
	Message   string    `json:"message"`
	TaskID    string    `json:"task_id,omitempty"`
}

// MaxErrorLogEntries bounds the in-memory ring buffer.
const MaxErrorLogEntries = 100

// ErrorLog writes JSONL to disk and keeps an in-memory ring buffer of
// the most recent entries for the /stats/errors endpoint. Adapted
// from internal/daemon/errorlog.go.
type ErrorLog struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	recent    []ErrorEntry
	maxRecent int
	writeIdx  int
	count     int
}

// NewErrorLog creates a new error log writer at path.
func NewErrorLog(path string) (*ErrorLog, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &ErrorLog{
		file:      file,
		path:      path,
		recent:    make([]ErrorEntry, MaxErrorLogEntries),
		maxRecent: MaxErrorLogEntries,
	}, nil
}

// DefaultErrorLogPath returns the default path under the data directory.
func DefaultErrorLogPath() string {
	return filepath.Join(config.DataDir(), "errors.log")
}

// Log writes an entry to both the file and the ring buffer.
func (e *ErrorLog) Log(level, component, message, taskID string) {
	entry := ErrorEntry{Timestamp: time.Now(), Level: level, Component: component, Message: message, TaskID: taskID}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.file != nil {
		if data, err := json.Marshal(entry); err == nil {
			_, _ = e.file.Write(data)
			_, _ = e.file.Write([]byte("\n"))
		}
	}

	e.recent[e.writeIdx] = entry
	e.writeIdx = (e.writeIdx + 1) % e.maxRecent
	if e.count < e.maxRecent {
		e.count++
	}
}

// LogError is a convenience wrapper for level "error".
func (e *ErrorLog) LogError(component, message, taskID string) { e.Log("error", component, message, taskID) }

// LogWarn is a convenience wrapper for level "warn".
func (e *ErrorLog) LogWarn(component, message, taskID string) { e.Log("warn", component, message, taskID) }

// Recent returns all buffered entries, newest first.
func (e *ErrorLog) Recent() []ErrorEntry { return e.RecentN(e.maxRecent) }

// RecentN returns up to n most recent entries, newest first.
func (e *ErrorLog) RecentN(n int) []ErrorEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.count == 0 || n <= 0 {
		return nil
	}
	if n > e.count {
		n = e.count
	}
	result := make([]ErrorEntry, n)
	readIdx := (e.writeIdx - 1 + e.maxRecent) % e.maxRecent
	for i := 0; i < n; i++ {
		result[i] = e.recent[readIdx]
		readIdx = (readIdx - 1 + e.maxRecent) % e.maxRecent
	}
	return result
}

// Count24h counts ring-buffered entries within the last 24 hours. Only
// covers up to maxRecent entries; under high error volume the true
// count may be higher.
func (e *ErrorLog) Count24h() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := time.Now().Add(-24 * time.Hour)
	count := 0
	readIdx := (e.writeIdx - 1 + e.maxRecent) % e.maxRecent
	for i := 0; i < e.count; i++ {
		if e.recent[readIdx].Timestamp.After(cutoff) {
			count++
		}
		readIdx = (readIdx - 1 + e.maxRecent) % e.maxRecent
	}
	return count
}

// Close closes the underlying log file.
func (e *ErrorLog) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file != nil {
		err := e.file.Close()
		e.file = nil
		return err
	}
	return nil
}
