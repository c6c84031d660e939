// Package store persists plugin records and error history in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	_ "github.com/mattn/go-sqlite3"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/quillpress/quillpress/internal/plugin"
)

const schema = `
CREATE TABLE IF NOT EXISTS plugins (
	plugin_id    TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	version      TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT '',
	author       TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'DISABLED',
	installed    INTEGER NOT NULL DEFAULT 0,
	installed_at TIMESTAMP,
	last_version TEXT NOT NULL DEFAULT '',
	last_error   TEXT NOT NULL DEFAULT '',
	error_at     TIMESTAMP,
	settings     TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS plugin_errors (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	plugin_id  TEXT NOT NULL,
	message    TEXT NOT NULL,
	context    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_plugin_errors_plugin
	ON plugin_errors (plugin_id, created_at);
`

// SQLiteStore implements plugin.StateStore on a local SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	log hclog.Logger
}

// compile-time interface check
var _ plugin.StateStore = (*SQLiteStore)(nil)

// Open opens (creating if needed) the plugin state database at path.
// WAL mode keeps readers unblocked during writes.
func Open(path string, log hclog.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open plugin state db: %w", err)
	}
	// SQLite serializes writers; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize plugin state schema: %w", err)
	}

	return &SQLiteStore{db: db, log: log.Named("statestore")}, nil
}

// Get returns the record for a plugin id, and whether it exists.
func (s *SQLiteStore) Get(pluginID string) (*plugin.Record, bool, error) {
	row := s.db.QueryRow(`
		SELECT plugin_id, name, version, description, author, status,
		       installed, installed_at, last_version, last_error, error_at, settings
		FROM plugins WHERE plugin_id = ?`, pluginID)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get plugin %q: %w", pluginID, err)
	}
	return rec, true, nil
}

// Put inserts or replaces a record.
func (s *SQLiteStore) Put(rec *plugin.Record) error {
	settings := rec.Settings
	if settings == "" {
		settings = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO plugins
			(plugin_id, name, version, description, author, status,
			 installed, installed_at, last_version, last_error, error_at, settings)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(plugin_id) DO UPDATE SET
			name = excluded.name,
			version = excluded.version,
			description = excluded.description,
			author = excluded.author,
			status = excluded.status,
			installed = excluded.installed,
			installed_at = excluded.installed_at,
			last_version = excluded.last_version,
			last_error = excluded.last_error,
			error_at = excluded.error_at,
			settings = excluded.settings`,
		rec.PluginID, rec.Name, rec.Version, rec.Description, rec.Author,
		string(rec.Status), boolToInt(rec.Installed), nullTime(rec.InstalledAt),
		rec.LastVersion, rec.LastError, nullTime(rec.ErrorAt), settings)
	if err != nil {
		return fmt.Errorf("put plugin %q: %w", rec.PluginID, err)
	}
	return nil
}

// SetStatus updates a plugin's status. For StatusError the error detail and
// timestamp are recorded; other statuses clear them.
func (s *SQLiteStore) SetStatus(pluginID string, status plugin.Status, lastError string) error {
	if !status.IsValid() {
		return fmt.Errorf("set status for %q: invalid status %q", pluginID, status)
	}

	var res sql.Result
	var err error
	if status == plugin.StatusError {
		res, err = s.db.Exec(`
			UPDATE plugins SET status = ?, last_error = ?, error_at = ?
			WHERE plugin_id = ?`,
			string(status), lastError, time.Now(), pluginID)
	} else {
		res, err = s.db.Exec(`
			UPDATE plugins SET status = ?, last_error = '', error_at = NULL
			WHERE plugin_id = ?`,
			string(status), pluginID)
	}
	if err != nil {
		return fmt.Errorf("set status for %q: %w", pluginID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set status for %q: %w", pluginID, plugin.ErrPluginNotFound)
	}
	return nil
}

// MarkInstalled flags a plugin's one-time install as completed.
func (s *SQLiteStore) MarkInstalled(pluginID string, at time.Time) error {
	res, err := s.db.Exec(`
		UPDATE plugins SET installed = 1, installed_at = ? WHERE plugin_id = ?`,
		at, pluginID)
	if err != nil {
		return fmt.Errorf("mark installed %q: %w", pluginID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark installed %q: %w", pluginID, plugin.ErrPluginNotFound)
	}
	return nil
}

// Delete removes a record. Returns whether it existed.
func (s *SQLiteStore) Delete(pluginID string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM plugins WHERE plugin_id = ?`, pluginID)
	if err != nil {
		return false, fmt.Errorf("delete plugin %q: %w", pluginID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// List returns all records ordered by plugin id.
func (s *SQLiteStore) List() ([]*plugin.Record, error) {
	rows, err := s.db.Query(`
		SELECT plugin_id, name, version, description, author, status,
		       installed, installed_at, last_version, last_error, error_at, settings
		FROM plugins ORDER BY plugin_id`)
	if err != nil {
		return nil, fmt.Errorf("list plugins: %w", err)
	}
	defer rows.Close()

	var records []*plugin.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list plugins: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// AppendError persists an error record for diagnostics.
func (s *SQLiteStore) AppendError(rec plugin.ErrorRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO plugin_errors (plugin_id, message, context, created_at)
		VALUES (?, ?, ?, ?)`,
		rec.PluginID, rec.Message, rec.Context, ts)
	if err != nil {
		return fmt.Errorf("append error for %q: %w", rec.PluginID, err)
	}
	return nil
}

// ErrorHistory returns the most recent persisted errors for a plugin,
// newest first, capped at limit.
func (s *SQLiteStore) ErrorHistory(pluginID string, limit int) ([]plugin.ErrorRecord, error) {
	if limit <= 0 {
		limit = plugin.DefaultErrorLogCap
	}
	rows, err := s.db.Query(`
		SELECT plugin_id, message, context, created_at
		FROM plugin_errors WHERE plugin_id = ?
		ORDER BY created_at DESC LIMIT ?`, pluginID, limit)
	if err != nil {
		return nil, fmt.Errorf("error history for %q: %w", pluginID, err)
	}
	defer rows.Close()

	var records []plugin.ErrorRecord
	for rows.Next() {
		var rec plugin.ErrorRecord
		if err := rows.Scan(&rec.PluginID, &rec.Message, &rec.Context, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("error history for %q: %w", pluginID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetSetting reads one value from a plugin's settings document by gjson path.
func (s *SQLiteStore) GetSetting(pluginID, path string) (string, bool, error) {
	rec, ok, err := s.Get(pluginID)
	if err != nil || !ok {
		return "", false, err
	}
	result := gjson.Get(rec.Settings, path)
	if !result.Exists() {
		return "", false, nil
	}
	return result.String(), true, nil
}

// SetSetting writes one value into a plugin's settings document by sjson
// path and persists the updated document.
func (s *SQLiteStore) SetSetting(pluginID, path string, value any) error {
	rec, ok, err := s.Get(pluginID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("set setting for %q: %w", pluginID, plugin.ErrPluginNotFound)
	}

	doc := rec.Settings
	if doc == "" {
		doc = "{}"
	}
	updated, err := sjson.Set(doc, path, value)
	if err != nil {
		return fmt.Errorf("set setting for %q: %w", pluginID, err)
	}

	_, err = s.db.Exec(`UPDATE plugins SET settings = ? WHERE plugin_id = ?`, updated, pluginID)
	if err != nil {
		return fmt.Errorf("set setting for %q: %w", pluginID, err)
	}
	return nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*plugin.Record, error) {
	var rec plugin.Record
	var status string
	var installed int
	var installedAt, errorAt sql.NullTime

	err := row.Scan(&rec.PluginID, &rec.Name, &rec.Version, &rec.Description,
		&rec.Author, &status, &installed, &installedAt,
		&rec.LastVersion, &rec.LastError, &errorAt, &rec.Settings)
	if err != nil {
		return nil, err
	}

	rec.Status = plugin.Status(status)
	rec.Installed = installed != 0
	if installedAt.Valid {
		rec.InstalledAt = installedAt.Time
	}
	if errorAt.Valid {
		rec.ErrorAt = errorAt.Time
	}
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
