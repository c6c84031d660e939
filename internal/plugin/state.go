package plugin

import "time"

// Status is the persisted lifecycle status of a plugin.
type Status string

// Persisted plugin statuses.
const (
	// StatusEnabled - plugin is active and its hooks are registered.
	StatusEnabled Status = "ENABLED"

	// StatusDisabled - plugin is loaded or installed but not active.
	StatusDisabled Status = "DISABLED"

	// StatusError - a lifecycle callback failed; the plugin stays disabled.
	StatusError Status = "ERROR"
)

// IsValid returns true for a known status value.
func (s Status) IsValid() bool {
	switch s {
	case StatusEnabled, StatusDisabled, StatusError:
		return true
	default:
		return false
	}
}

// Record is the persisted state of a plugin, one row per plugin id.
// It outlives the in-memory Instance so that installs, enablement and
// errors survive restarts and unloads.
type Record struct {
	PluginID    string
	Name        string
	Version     string
	Description string
	Author      string
	Status      Status
	Installed   bool
	InstalledAt time.Time
	LastVersion string
	LastError   string
	ErrorAt     time.Time
	Settings    string // JSON document
}

// StateStore persists plugin records. The SQLite implementation lives in
// the store package; tests use an in-memory substitute.
type StateStore interface {
	// Get returns the record for a plugin id, and whether it exists.
	Get(pluginID string) (*Record, bool, error)

	// Put inserts or replaces a record.
	Put(rec *Record) error

	// SetStatus updates the status and, for StatusError, the error detail.
	SetStatus(pluginID string, status Status, lastError string) error

	// MarkInstalled flags a plugin's one-time install as completed.
	MarkInstalled(pluginID string, at time.Time) error

	// Delete removes a record. Returns whether it existed.
	Delete(pluginID string) (bool, error)

	// List returns all records.
	List() ([]*Record, error)

	// AppendError persists an error record for diagnostics.
	AppendError(rec ErrorRecord) error

	// Close releases the store.
	Close() error
}
