package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/hpungsan/callbrief/internal/config"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 1

// FileName is the database file created under the base directory.
const FileName = "callbrief.db"

// dsnPragmas apply to every pooled connection.
const dsnPragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

// Init initializes the SQLite database at baseDir/callbrief.db.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.callbrief.
func Init(baseDir string) (*sql.DB, error) {
	// Create base directory with restricted permissions
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, eris.Wrapf(err, "create base directory %s", baseDir)
	}
	_ = os.Chmod(baseDir, 0700)

	dbPath := filepath.Join(baseDir, FileName)
	db, err := sql.Open("sqlite", dbPath+dsnPragmas)
	if err != nil {
		return nil, eris.Wrap(err, "open database")
	}

	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// ConfigurePool applies connection pool settings from config.
// Only sets limits if explicitly configured (non-zero values).
func ConfigurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: Initial schema (v1)
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS campaigns (
		  id         TEXT PRIMARY KEY,
		  user_id    TEXT NOT NULL,
		  active     INTEGER NOT NULL DEFAULT 1,
		  created_at INTEGER NOT NULL,
		  updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS research_runs (
		  kind           TEXT NOT NULL,
		  subject_id     TEXT NOT NULL,
		  campaign_id    TEXT NOT NULL,
		  status         TEXT NOT NULL,
		  attempt        INTEGER NOT NULL DEFAULT 0,
		  error_kind     TEXT,
		  failure_reason TEXT,
		  brief_id       TEXT,
		  request_json   TEXT NOT NULL,
		  created_at     INTEGER NOT NULL,
		  updated_at     INTEGER NOT NULL,
		  PRIMARY KEY (kind, subject_id)
		);

		CREATE INDEX IF NOT EXISTS idx_runs_status_updated
		ON research_runs(status, updated_at);

		CREATE TABLE IF NOT EXISTS research_briefs (
		  id          TEXT PRIMARY KEY,
		  kind        TEXT NOT NULL,
		  subject_id  TEXT NOT NULL,
		  confidence  TEXT NOT NULL,
		  brief_json  TEXT NOT NULL,
		  created_at  INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_briefs_subject
		ON research_briefs(kind, subject_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS cache_entries (
		  key        TEXT NOT NULL,
		  class      TEXT NOT NULL,
		  payload    BLOB NOT NULL,
		  fetched_at INTEGER NOT NULL,
		  PRIMARY KEY (key, class)
		);

		CREATE TABLE IF NOT EXISTS webhook_subscriptions (
		  id          TEXT PRIMARY KEY,
		  channel_id  TEXT NOT NULL,
		  resource_id TEXT NOT NULL,
		  campaign_id TEXT NOT NULL,
		  calendar_id TEXT NOT NULL,
		  created_at  INTEGER NOT NULL,
		  expires_at  INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_subscriptions_channel
		ON webhook_subscriptions(channel_id, expires_at DESC);

		CREATE INDEX IF NOT EXISTS idx_subscriptions_expires
		ON webhook_subscriptions(expires_at);

		CREATE INDEX IF NOT EXISTS idx_subscriptions_campaign
		ON webhook_subscriptions(campaign_id);
		`
		if _, err := db.Exec(schema); err != nil {
			return eris.Wrap(err, "migration 1")
		}
		if err := SetUserVersion(db, 1); err != nil {
			return err
		}
	}

	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return eris.Wrap(err, "verify journal mode")
	}
	if journalMode != "wal" {
		return eris.Errorf("expected WAL journal mode, got %s", journalMode)
	}
	return nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, eris.Wrap(err, "read user_version")
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(db *sql.DB, version int) error {
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return eris.Wrap(err, "set user_version")
	}
	return nil
}
