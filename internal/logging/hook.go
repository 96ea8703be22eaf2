package logging

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogEntry is a captured log line
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// RecentHook is a logrus hook that keeps the last warnings and errors in memory so the
// health endpoint can show them
type RecentHook struct {
	mu      sync.Mutex
	entries []LogEntry
	next    int
	full    bool
}

// NewRecentHook creates a hook that retains up to size entries
func NewRecentHook(size int) *RecentHook {
	if size < 1 {
		size = 1
	}
	return &RecentHook{entries: make([]LogEntry, size)}
}

// Levels returns the log levels this hook should fire for
func (h *RecentHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

// Fire is called when a log event occurs
func (h *RecentHook) Fire(entry *logrus.Entry) error {
	logEntry := LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	if len(entry.Data) > 0 {
		logEntry.Fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			logEntry.Fields[k] = v
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries[h.next] = logEntry
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
	return nil
}

// Entries returns the retained entries, oldest first
func (h *RecentHook) Entries() []LogEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.full {
		return append([]LogEntry(nil), h.entries[:h.next]...)
	}
	out := make([]LogEntry, 0, len(h.entries))
	out = append(out, h.entries[h.next:]...)
	out = append(out, h.entries[:h.next]...)
	return out
}
