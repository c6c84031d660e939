package plugin

import (
	"sync"
	"time"
)

// DefaultErrorLogCap is the default ring buffer capacity.
const DefaultErrorLogCap = 100

// ErrorRecord is a single captured plugin failure.
type ErrorRecord struct {
	PluginID  string
	Message   string
	Timestamp time.Time
	Context   string
}

// ErrorLog is a bounded ring buffer of plugin failures. When full, the
// oldest record is evicted first.
type ErrorLog struct {
	mu      sync.RWMutex
	records []ErrorRecord
	cap     int
}

// NewErrorLog creates an error log with the given capacity.
// Non-positive capacities fall back to DefaultErrorLogCap.
func NewErrorLog(capacity int) *ErrorLog {
	if capacity <= 0 {
		capacity = DefaultErrorLogCap
	}
	return &ErrorLog{
		records: make([]ErrorRecord, 0, capacity),
		cap:     capacity,
	}
}

// Append adds a record, evicting the oldest when at capacity.
func (l *ErrorLog) Append(rec ErrorRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	if len(l.records) >= l.cap {
		copy(l.records, l.records[1:])
		l.records[len(l.records)-1] = rec
		return
	}
	l.records = append(l.records, rec)
}

// All returns every record, oldest first.
func (l *ErrorLog) All() []ErrorRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]ErrorRecord, len(l.records))
	copy(out, l.records)
	return out
}

// ForPlugin returns records for a single plugin, oldest first.
func (l *ErrorLog) ForPlugin(pluginID string) []ErrorRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []ErrorRecord
	for _, rec := range l.records {
		if rec.PluginID == pluginID {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the number of buffered records.
func (l *ErrorLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Clear drops all records.
func (l *ErrorLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = l.records[:0]
}
