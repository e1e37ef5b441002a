// Copyright 2024 AI SA Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package audit records every reply the compliance filter altered. It
// supports JSON-lines file and SQLite storage.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Storage types
const (
	StorageTypeFile   = "file"
	StorageTypeSQLite = "sqlite"
	StorageTypeNone   = "none"
)

// Entry is one audited chat turn
type Entry struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	SessionKey    string    `json:"session_key"`
	ThreadID      string    `json:"thread_id"`
	RunID         string    `json:"run_id"`
	Substitutions int       `json:"substitutions"`
	Tier2Applied  bool      `json:"tier2_applied"`
	Tier2Error    string    `json:"tier2_error,omitempty"`
	Removed       []string  `json:"removed"`
	Inserted      []string  `json:"inserted"`
}

// Config holds configuration for audit logging
type Config struct {
	StorageType string `json:"storage_type"`
	FilePath    string `json:"file_path"`
	DBPath      string `json:"db_path"`
}

// Logger writes audit entries to the configured backend
type Logger struct {
	config Config
	logger *zap.Logger
	db     *sql.DB
	mu     sync.RWMutex
}

// NewLogger creates an audit logger. Storage type "none" or "" records nothing.
func NewLogger(config Config, logger *zap.Logger) (*Logger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.StorageType == "" {
		config.StorageType = StorageTypeNone
	}

	al := &Logger{
		config: config,
		logger: logger,
	}

	switch config.StorageType {
	case StorageTypeNone:
	case StorageTypeFile:
		if err := al.initFileStorage(); err != nil {
			return nil, fmt.Errorf("failed to initialize file storage: %w", err)
		}
	case StorageTypeSQLite:
		if err := al.initSQLiteStorage(); err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite storage: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", config.StorageType)
	}

	return al, nil
}

func (al *Logger) initFileStorage() error {
	if err := os.MkdirAll(filepath.Dir(al.config.FilePath), 0750); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}

	file, err := os.OpenFile(al.config.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create audit file: %w", err)
	}
	return file.Close()
}

func (al *Logger) initSQLiteStorage() error {
	if err := os.MkdirAll(filepath.Dir(al.config.DBPath), 0750); err != nil {
		return fmt.Errorf("failed to create audit database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", al.config.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open SQLite database: %w", err)
	}

	createTableSQL := `
		CREATE TABLE IF NOT EXISTS compliance_audit (
			id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			session_key TEXT,
			thread_id TEXT,
			run_id TEXT,
			substitutions INTEGER NOT NULL DEFAULT 0,
			tier2_applied BOOLEAN NOT NULL DEFAULT 0,
			tier2_error TEXT,
			removed TEXT,
			inserted TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_compliance_audit_timestamp ON compliance_audit(timestamp);
	`

	if _, err := db.Exec(createTableSQL); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to create audit table: %w", err)
	}

	al.db = db
	return nil
}

// Enabled reports whether entries are persisted
func (al *Logger) Enabled() bool {
	return al.config.StorageType != StorageTypeNone
}

// Queryable reports whether Recent can read entries back
func (al *Logger) Queryable() bool {
	return al.config.StorageType == StorageTypeSQLite && al.db != nil
}

// Record stores an entry, assigning its ID and timestamp when missing
func (al *Logger) Record(ctx context.Context, entry Entry) error {
	if !al.Enabled() {
		return nil
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	var err error
	switch al.config.StorageType {
	case StorageTypeFile:
		err = al.recordToFile(entry)
	case StorageTypeSQLite:
		err = al.recordToSQLite(ctx, entry)
	}
	if err != nil {
		return err
	}

	al.logger.Debug("Compliance audit recorded",
		zap.String("id", entry.ID),
		zap.String("storage", al.config.StorageType),
		zap.String("run_id", entry.RunID),
		zap.Int("substitutions", entry.Substitutions))

	return nil
}

func (al *Logger) recordToFile(entry Entry) error {
	file, err := os.OpenFile(al.config.FilePath, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	defer func() { _ = file.Close() }()

	jsonData, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	if _, err := file.Write(append(jsonData, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry to file: %w", err)
	}
	return nil
}

func (al *Logger) recordToSQLite(ctx context.Context, entry Entry) error {
	if al.db == nil {
		return fmt.Errorf("SQLite database not initialized")
	}

	removed, err := json.Marshal(entry.Removed)
	if err != nil {
		return fmt.Errorf("failed to marshal removed fragments: %w", err)
	}
	inserted, err := json.Marshal(entry.Inserted)
	if err != nil {
		return fmt.Errorf("failed to marshal inserted fragments: %w", err)
	}

	insertSQL := `
		INSERT INTO compliance_audit
			(id, timestamp, session_key, thread_id, run_id, substitutions, tier2_applied, tier2_error, removed, inserted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = al.db.ExecContext(ctx, insertSQL,
		entry.ID,
		entry.Timestamp,
		entry.SessionKey,
		entry.ThreadID,
		entry.RunID,
		entry.Substitutions,
		entry.Tier2Applied,
		entry.Tier2Error,
		string(removed),
		string(inserted),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry into SQLite: %w", err)
	}
	return nil
}

// Recent returns the newest entries first (SQLite only)
func (al *Logger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if al.config.StorageType != StorageTypeSQLite {
		return nil, fmt.Errorf("Recent only supported for SQLite storage")
	}
	if al.db == nil {
		return nil, fmt.Errorf("SQLite database not initialized")
	}

	al.mu.RLock()
	defer al.mu.RUnlock()

	query := `
		SELECT id, timestamp, session_key, thread_id, run_id, substitutions, tier2_applied, tier2_error, removed, inserted
		FROM compliance_audit
		ORDER BY timestamp DESC
		LIMIT ?
	`

	rows, err := al.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var sessionKey, threadID, runID, tier2Error, removed, inserted sql.NullString

		err := rows.Scan(
			&entry.ID,
			&entry.Timestamp,
			&sessionKey,
			&threadID,
			&runID,
			&entry.Substitutions,
			&entry.Tier2Applied,
			&tier2Error,
			&removed,
			&inserted,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}

		entry.SessionKey = sessionKey.String
		entry.ThreadID = threadID.String
		entry.RunID = runID.String
		entry.Tier2Error = tier2Error.String
		if removed.Valid {
			_ = json.Unmarshal([]byte(removed.String), &entry.Removed)
		}
		if inserted.Valid {
			_ = json.Unmarshal([]byte(inserted.String), &entry.Inserted)
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit rows: %w", err)
	}

	return entries, nil
}

// Ping checks the SQLite backend; other backends always succeed
func (al *Logger) Ping(ctx context.Context) error {
	if al.db == nil {
		return nil
	}
	return al.db.PingContext(ctx)
}

// Close closes the audit logger and any open resources
func (al *Logger) Close() error {
	al.mu.Lock()
	defer al.mu.Unlock()

	if al.db != nil {
		return al.db.Close()
	}
	return nil
}
