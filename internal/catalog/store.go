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

// Package catalog keeps a local SQLite record of the documents uploaded to
// the assistant's retrieval store.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// ErrNotFound is returned when no document has the requested file ID
var ErrNotFound = errors.New("document not found")

// Document is one uploaded knowledge-base file and its tags
type Document struct {
	FileID        string    `json:"file_id"`
	Filename      string    `json:"filename"`
	Profession    string    `json:"profession"`
	Region        string    `json:"region"`
	Topic         string    `json:"topic"`
	Updated       string    `json:"updated"`
	VectorStoreID string    `json:"vector_store_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// Filter narrows a document query. Empty fields match everything.
type Filter struct {
	Profession string
	Region     string
	Topic      string
	Limit      int
}

// Stats summarizes the catalog
type Stats struct {
	Documents    int            `json:"documents"`
	ByProfession map[string]int `json:"by_profession"`
	ByRegion     map[string]int `json:"by_region"`
}

// Store handles queries to the SQLite document catalog
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStore opens (creating if needed) the catalog database at dbPath
func NewStore(dbPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
			return nil, fmt.Errorf("failed to create catalog directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)

	store := &Store{db: db, logger: logger}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Document catalog opened", zap.String("db_path", dbPath))
	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) initSchema() error {
	query := `
		CREATE TABLE IF NOT EXISTS documents (
			file_id TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			profession TEXT,
			region TEXT,
			topic TEXT,
			updated TEXT,
			vector_store_id TEXT,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_documents_profession_region ON documents(profession, region);
	`

	_, err := s.db.Exec(query)
	return err
}

// Add inserts or replaces a document
func (s *Store) Add(ctx context.Context, doc Document) error {
	if doc.FileID == "" {
		return fmt.Errorf("file_id is required")
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT OR REPLACE INTO documents
			(file_id, filename, profession, region, topic, updated, vector_store_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		doc.FileID, doc.Filename, doc.Profession, doc.Region, doc.Topic, doc.Updated, doc.VectorStoreID, doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}

	s.logger.Info("Document cataloged",
		zap.String("file_id", doc.FileID),
		zap.String("filename", doc.Filename),
		zap.String("profession", doc.Profession),
		zap.String("region", doc.Region))
	return nil
}

const selectColumns = "SELECT file_id, filename, profession, region, topic, updated, vector_store_id, created_at FROM documents"

// Query returns documents matching the filter, newest first
func (s *Store) Query(ctx context.Context, filter Filter) ([]Document, error) {
	var conditions []string
	var args []interface{}

	if filter.Profession != "" {
		conditions = append(conditions, "profession = ?")
		args = append(args, filter.Profession)
	}
	if filter.Region != "" {
		conditions = append(conditions, "region = ?")
		args = append(args, filter.Region)
	}
	if filter.Topic != "" {
		conditions = append(conditions, "topic LIKE ?")
		args = append(args, "%"+filter.Topic+"%")
	}

	query := selectColumns
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, file_id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return docs, nil
}

// Get returns the document with the given file ID
func (s *Store) Get(ctx context.Context, fileID string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" WHERE file_id = ?", fileID)

	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &doc, nil
}

// Stats counts documents overall and per profession and region
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		ByProfession: make(map[string]int),
		ByRegion:     make(map[string]int),
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&stats.Documents); err != nil {
		return stats, fmt.Errorf("failed to count documents: %w", err)
	}
	if err := s.countBy(ctx, "profession", stats.ByProfession); err != nil {
		return stats, err
	}
	if err := s.countBy(ctx, "region", stats.ByRegion); err != nil {
		return stats, err
	}
	return stats, nil
}

func (s *Store) countBy(ctx context.Context, column string, into map[string]int) error {
	// column is one of a fixed set, never user input
	query := fmt.Sprintf("SELECT %s, COUNT(*) FROM documents WHERE %s != '' GROUP BY %s", column, column, column)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to count documents by %s: %w", column, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("failed to scan %s count: %w", column, err)
		}
		into[key] = count
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row scanner) (Document, error) {
	var doc Document
	var profession, region, topic, updated, vectorStoreID sql.NullString

	err := row.Scan(&doc.FileID, &doc.Filename, &profession, &region, &topic, &updated, &vectorStoreID, &doc.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return doc, err
		}
		return doc, fmt.Errorf("failed to scan document: %w", err)
	}

	doc.Profession = profession.String
	doc.Region = region.String
	doc.Topic = topic.String
	doc.Updated = updated.String
	doc.VectorStoreID = vectorStoreID.String
	return doc, nil
}
