// core/metadata.go
package core

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// BackupKind is the closed variant for BackupRecord.Kind.
type BackupKind string

const (
	KindFull        BackupKind = "full"
	KindIncremental BackupKind = "incremental"
)

// BackupStatus is the closed variant for BackupRecord.Status.
type BackupStatus string

const (
	StatusRunning   BackupStatus = "running"
	StatusCompleted BackupStatus = "completed"
	StatusFailed    BackupStatus = "failed"
	StatusPartial   BackupStatus = "partial"
)

// BackupRecord is one row in the backups table.
type BackupRecord struct {
	ID              int64
	Timestamp       time.Time
	Kind            BackupKind
	BaseBackupID    sql.NullInt64
	DestinationKind string
	DestinationPath string
	Status          BackupStatus
	FilesTotal      int
	FilesProcessed  int
	SizeOriginal    int64
	SizeCompressed  int64
	KeyHash         string
	Salt            []byte
	CompletedAt     sql.NullTime
	ErrorMessage    sql.NullString
}

// BackupIDString renders the external identifier: YYYYMMDD_HHMMSS_{full|incr}.
// It is derived from the record's timestamp and kind, never stored, and is
// used as the backup's directory name on the destination.
func (b *BackupRecord) BackupIDString() string {
	kind := "full"
	if b.Kind == KindIncremental {
		kind = "incr"
	}
	return b.Timestamp.Format("20060102_150405") + "_" + kind
}

// ParseBackupIDString is the inverse of BackupIDString: it recovers the
// (timestamp, kind) pair a destination directory name encodes. The returned
// timestamp is in the local zone, matching what BackupIDString formats.
func ParseBackupIDString(s string) (time.Time, BackupKind, error) {
	const stampLen = len("20060102_150405")
	if len(s) <= stampLen+1 || s[stampLen] != '_' {
		return time.Time{}, "", fmt.Errorf("malformed backup id %q", s)
	}
	ts, err := time.ParseInLocation("20060102_150405", s[:stampLen], time.Local)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed backup id %q: %w", s, err)
	}
	switch s[stampLen+1:] {
	case "full":
		return ts, KindFull, nil
	case "incr":
		return ts, KindIncremental, nil
	}
	return time.Time{}, "", fmt.Errorf("malformed backup id %q: unknown kind", s)
}

// FileRecord is one row in backup_files.
type FileRecord struct {
	ID           int64
	BackupID     int64
	SourcePath   string
	RelativePath string
	Size         int64
	ModTime      time.Time
	ArchiveName  string
	ArchivePath  string
	Checksum     sql.NullString
	Deleted      bool
}

// LogEntry is one row in logs. Entries outlive the backup they reference:
// deleting a backup nulls out BackupID instead of cascading.
type LogEntry struct {
	ID        int64
	Level     string
	Timestamp time.Time
	Message   string
	BackupID  sql.NullInt64
	Detail    sql.NullString
}

const currentSchemaVersion = 2

// MetadataStore is the single source of truth for what a restore can
// reconstruct. Single writer per process; readers may be concurrent.
type MetadataStore struct {
	db *sql.DB
}

// OpenMetadataStore opens (creating if absent) a SQLite-backed store at
// path and applies any pending schema migrations.
func OpenMetadataStore(path string) (*MetadataStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, wrapErr(KindSchema, "", err)
	}
	db.SetMaxOpenConns(1) // single-writer store; sqlite3 driver is not safe for concurrent writers anyway

	store := &MetadataStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, wrapErr(KindSchema, "", err)
	}
	return store, nil
}

func (s *MetadataStore) Close() error { return s.db.Close() }

func (s *MetadataStore) migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_info (version INTEGER NOT NULL)`); err != nil {
		return err
	}

	version := 0
	row := tx.QueryRow(`SELECT MAX(version) FROM schema_info`)
	var v sql.NullInt64
	if err := row.Scan(&v); err != nil {
		return err
	}
	if v.Valid {
		version = int(v.Int64)
	}

	if version < 1 {
		if err := migrateV1(tx); err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO schema_info(version) VALUES (1)`); err != nil {
			return err
		}
		version = 1
	}

	if version < 2 {
		if err := migrateV2AddSalt(tx); err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO schema_info(version) VALUES (2)`); err != nil {
			return err
		}
		version = 2
	}

	return tx.Commit()
}

func migrateV1(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS backups (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			kind TEXT NOT NULL CHECK(kind IN ('full','incremental')),
			base_backup_id INTEGER REFERENCES backups(id) ON DELETE SET NULL,
			destination_kind TEXT NOT NULL,
			destination_path TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('running','completed','failed','partial')),
			files_total INTEGER NOT NULL DEFAULT 0,
			files_processed INTEGER NOT NULL DEFAULT 0,
			size_original INTEGER NOT NULL DEFAULT 0,
			size_compressed INTEGER NOT NULL DEFAULT 0,
			key_hash TEXT NOT NULL DEFAULT '',
			completed_at DATETIME,
			error_message TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS backup_files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			backup_id INTEGER NOT NULL REFERENCES backups(id) ON DELETE CASCADE,
			source_path TEXT NOT NULL,
			relative_path TEXT NOT NULL,
			size INTEGER NOT NULL DEFAULT 0,
			mod_time DATETIME,
			archive_name TEXT NOT NULL DEFAULT '',
			archive_path TEXT NOT NULL DEFAULT '',
			checksum TEXT,
			is_deleted INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			level TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			message TEXT NOT NULL,
			backup_id INTEGER REFERENCES backups(id) ON DELETE SET NULL,
			detail TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS sources (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS destinations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			path TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_backup_files_backup_ref ON backup_files(backup_id)`,
		`CREATE INDEX IF NOT EXISTS idx_backup_files_source_path ON backup_files(source_path)`,
		`CREATE INDEX IF NOT EXISTS idx_backups_timestamp ON backups(timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_backups_status ON backups(status)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
	}
	return nil
}

// migrateV2AddSalt adds the salt column introduced to support key
// re-derivation on restore. Detected by introspection (PRAGMA table_info),
// not by assumed prior state, since pre-versioning databases exist in the
// wild.
func migrateV2AddSalt(tx *sql.Tx) error {
	rows, err := tx.Query(`PRAGMA table_info(backups)`)
	if err != nil {
		return err
	}
	defer rows.Close()

	hasSalt := false
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if name == "salt" {
			hasSalt = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if hasSalt {
		return nil // idempotent no-op, version still bumps
	}

	_, err = tx.Exec(`ALTER TABLE backups ADD COLUMN salt BLOB`)
	return err
}

// CreateBackupRecord inserts a new Running BackupRecord.
func (s *MetadataStore) CreateBackupRecord(kind BackupKind, destKind, destPath, keyHash string, salt []byte, base *int64) (int64, error) {
	var baseArg interface{}
	if base != nil {
		baseArg = *base
	}
	res, err := s.db.Exec(
		`INSERT INTO backups(timestamp, kind, base_backup_id, destination_kind, destination_path, status, key_hash, salt)
		 VALUES (?, ?, ?, ?, ?, 'running', ?, ?)`,
		time.Now(), string(kind), baseArg, destKind, destPath, keyHash, salt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateBackupProgress performs a monotonic progress write; no invariants
// are enforced beyond the columns themselves.
func (s *MetadataStore) UpdateBackupProgress(id int64, filesProcessed int, sizeOriginal, sizeCompressed int64) error {
	_, err := s.db.Exec(
		`UPDATE backups SET files_processed=?, size_original=?, size_compressed=? WHERE id=?`,
		filesProcessed, sizeOriginal, sizeCompressed, id,
	)
	return err
}

// MarkCompleted sets the terminal Completed status and completed_at.
func (s *MetadataStore) MarkCompleted(id int64, filesTotal int) error {
	_, err := s.db.Exec(
		`UPDATE backups SET status='completed', files_total=?, completed_at=? WHERE id=?`,
		filesTotal, time.Now(), id,
	)
	return err
}

// MarkFailed sets the terminal Failed status, completed_at, and error message.
func (s *MetadataStore) MarkFailed(id int64, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE backups SET status='failed', completed_at=?, error_message=? WHERE id=?`,
		time.Now(), errMsg, id,
	)
	return err
}

// AddFileToBackup appends a FileRecord. is_deleted=true is permitted for
// tombstones; tombstone rows carry size=0 and empty archive fields.
func (s *MetadataStore) AddFileToBackup(f FileRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO backup_files(backup_id, source_path, relative_path, size, mod_time, archive_name, archive_path, checksum, is_deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.BackupID, f.SourcePath, f.RelativePath, f.Size, f.ModTime, f.ArchiveName, f.ArchivePath, f.Checksum, boolToInt(f.Deleted),
	)
	return err
}

// GetBackup reads a single BackupRecord by id.
func (s *MetadataStore) GetBackup(id int64) (*BackupRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, timestamp, kind, base_backup_id, destination_kind, destination_path, status,
		        files_total, files_processed, size_original, size_compressed, key_hash, salt, completed_at, error_message
		 FROM backups WHERE id=?`, id)
	return scanBackupRow(row)
}

// GetAllBackups returns backups ordered by timestamp descending, optionally
// filtered by status, limited to limit rows (0 = unlimited).
func (s *MetadataStore) GetAllBackups(status string, limit int) ([]BackupRecord, error) {
	query := `SELECT id, timestamp, kind, base_backup_id, destination_kind, destination_path, status,
	                 files_total, files_processed, size_original, size_compressed, key_hash, salt, completed_at, error_message
	          FROM backups`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY timestamp DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BackupRecord
	for rows.Next() {
		rec, err := scanBackupRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// GetBackupFiles returns every FileRecord for a backup id, including the
// tombstone rows (Deleted set) that an incremental records for files removed
// since its base.
func (s *MetadataStore) GetBackupFiles(id int64) ([]FileRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, backup_id, source_path, relative_path, size, mod_time, archive_name, archive_path, checksum, is_deleted
		 FROM backup_files WHERE backup_id=?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		var f FileRecord
		var isDeleted int
		var modTime sql.NullTime
		if err := rows.Scan(&f.ID, &f.BackupID, &f.SourcePath, &f.RelativePath, &f.Size, &modTime, &f.ArchiveName, &f.ArchivePath, &f.Checksum, &isDeleted); err != nil {
			return nil, err
		}
		if modTime.Valid {
			f.ModTime = modTime.Time
		}
		f.Deleted = isDeleted != 0
		out = append(out, f)
	}
	return out, rows.Err()
}

// SearchFiles finds file records across all backups whose relative_path
// matches a SQL LIKE pattern, most recent backups first.
func (s *MetadataStore) SearchFiles(pattern string, limit int) ([]FileRecord, error) {
	query := `SELECT id, backup_id, source_path, relative_path, size, mod_time, archive_name, archive_path, checksum, is_deleted
	          FROM backup_files WHERE relative_path LIKE ? ORDER BY id DESC`
	args := []interface{}{pattern}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		var f FileRecord
		var isDeleted int
		var modTime sql.NullTime
		if err := rows.Scan(&f.ID, &f.BackupID, &f.SourcePath, &f.RelativePath, &f.Size, &modTime, &f.ArchiveName, &f.ArchivePath, &f.Checksum, &isDeleted); err != nil {
			return nil, err
		}
		if modTime.Valid {
			f.ModTime = modTime.Time
		}
		f.Deleted = isDeleted != 0
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteBackup cascades to FileRecords (FK ON DELETE CASCADE) and nulls
// out backup_id in LogEntries (FK ON DELETE SET NULL).
func (s *MetadataStore) DeleteBackup(id int64) error {
	_, err := s.db.Exec(`DELETE FROM backups WHERE id=?`, id)
	return err
}

// AddLog appends an audit trail entry.
func (s *MetadataStore) AddLog(level, message string, backupID *int64, detail string) error {
	var backupArg interface{}
	if backupID != nil {
		backupArg = *backupID
	}
	var detailArg interface{}
	if detail != "" {
		detailArg = detail
	}
	_, err := s.db.Exec(
		`INSERT INTO logs(level, timestamp, message, backup_id, detail) VALUES (?, ?, ?, ?, ?)`,
		level, time.Now(), message, backupArg, detailArg,
	)
	return err
}

// GetLogs returns log entries, optionally filtered to one backup id.
func (s *MetadataStore) GetLogs(backupID *int64, limit int) ([]LogEntry, error) {
	query := `SELECT id, level, timestamp, message, backup_id, detail FROM logs`
	args := []interface{}{}
	if backupID != nil {
		query += ` WHERE backup_id = ?`
		args = append(args, *backupID)
	}
	query += ` ORDER BY timestamp DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.Level, &e.Timestamp, &e.Message, &e.BackupID, &e.Detail); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClearLogs deletes log entries older than the given number of days (all
// logs if olderThanDays <= 0).
func (s *MetadataStore) ClearLogs(olderThanDays int) error {
	if olderThanDays <= 0 {
		_, err := s.db.Exec(`DELETE FROM logs`)
		return err
	}
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	_, err := s.db.Exec(`DELETE FROM logs WHERE timestamp < ?`, cutoff)
	return err
}

// Stats aggregates counts and sizes across all recorded backups.
type Stats struct {
	TotalBackups        int
	CompletedBackups    int
	TotalSizeOriginal   int64
	TotalSizeCompressed int64
}

func (s *MetadataStore) Stats() (*Stats, error) {
	var st Stats
	row := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size_original),0), COALESCE(SUM(size_compressed),0) FROM backups`)
	if err := row.Scan(&st.TotalBackups, &st.TotalSizeOriginal, &st.TotalSizeCompressed); err != nil {
		return nil, err
	}
	row = s.db.QueryRow(`SELECT COUNT(*) FROM backups WHERE status='completed'`)
	if err := row.Scan(&st.CompletedBackups); err != nil {
		return nil, err
	}
	return &st, nil
}

// ReapStaleRunning marks Running records older than olderThan as Failed.
// A record can be left Running by a crash or a mid-encrypt cancellation;
// callers run this once on startup.
func (s *MetadataStore) ReapStaleRunning(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.Exec(
		`UPDATE backups SET status='failed', completed_at=?, error_message='stale running record reaped on startup'
		 WHERE status='running' AND timestamp < ?`,
		time.Now(), cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SourceEntry is one row in the sources lookup table: a path a caller has
// registered as a backup source.
type SourceEntry struct {
	ID   int64
	Path string
}

// DestinationEntry is one row in the destinations lookup table.
type DestinationEntry struct {
	ID   int64
	Kind string
	Path string
}

// AddSource registers a source path; re-adding an existing path is a no-op.
func (s *MetadataStore) AddSource(path string) (int64, error) {
	res, err := s.db.Exec(`INSERT OR IGNORE INTO sources(path) VALUES (?)`, path)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		row := s.db.QueryRow(`SELECT id FROM sources WHERE path=?`, path)
		var id int64
		if err := row.Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	return res.LastInsertId()
}

// GetSources lists every registered source path.
func (s *MetadataStore) GetSources() ([]SourceEntry, error) {
	rows, err := s.db.Query(`SELECT id, path FROM sources ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SourceEntry
	for rows.Next() {
		var e SourceEntry
		if err := rows.Scan(&e.ID, &e.Path); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RemoveSource deletes a registered source path.
func (s *MetadataStore) RemoveSource(path string) error {
	_, err := s.db.Exec(`DELETE FROM sources WHERE path=?`, path)
	return err
}

// AddDestination registers a destination (kind, path) pair.
func (s *MetadataStore) AddDestination(kind, path string) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO destinations(kind, path) VALUES (?, ?)`, kind, path)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetDestinations lists every registered destination.
func (s *MetadataStore) GetDestinations() ([]DestinationEntry, error) {
	rows, err := s.db.Query(`SELECT id, kind, path FROM destinations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DestinationEntry
	for rows.Next() {
		var e DestinationEntry
		if err := rows.Scan(&e.ID, &e.Kind, &e.Path); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBackupRow(row *sql.Row) (*BackupRecord, error) {
	return scanBackupRows(row)
}

func scanBackupRows(row rowScanner) (*BackupRecord, error) {
	var b BackupRecord
	var kind string
	var status string
	if err := row.Scan(&b.ID, &b.Timestamp, &kind, &b.BaseBackupID, &b.DestinationKind, &b.DestinationPath, &status,
		&b.FilesTotal, &b.FilesProcessed, &b.SizeOriginal, &b.SizeCompressed, &b.KeyHash, &b.Salt, &b.CompletedAt, &b.ErrorMessage); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, err
	}
	b.Kind = BackupKind(kind)
	b.Status = BackupStatus(status)
	return &b, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
