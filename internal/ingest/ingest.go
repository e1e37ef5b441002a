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

// Package ingest adds tagged knowledge-base documents to the assistant's
// retrieval store and records them in the local catalog.
package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/marketing-coach/internal/assistant"
	"github.com/your-org/marketing-coach/internal/catalog"
	"github.com/your-org/marketing-coach/internal/session"
)

// DateLayout is the accepted format of the updated tag
const DateLayout = "2006-01-02"

// MaxDocumentBytes caps the size of one uploaded document
const MaxDocumentBytes = 20 << 20

// Uploader sends a document to the remote knowledge store
type Uploader interface {
	UploadDocument(ctx context.Context, doc assistant.Document) (assistant.UploadResult, error)
}

// Catalog records uploaded documents
type Catalog interface {
	Add(ctx context.Context, doc catalog.Document) error
}

// Request is one document with its tags
type Request struct {
	Filename   string
	Content    []byte
	Profession string
	Region     string
	Topic      string
	Updated    string
}

// ValidationError lists every problem with a request
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid document: " + strings.Join(e.Problems, "; ")
}

// Validate normalizes the tags in place and reports every invalid field
func (r *Request) Validate() error {
	var problems []string

	r.Filename = filepath.Base(strings.TrimSpace(r.Filename))
	r.Profession = strings.ToLower(strings.TrimSpace(r.Profession))
	r.Region = strings.ToUpper(strings.TrimSpace(r.Region))
	r.Topic = strings.TrimSpace(r.Topic)
	r.Updated = strings.TrimSpace(r.Updated)

	if r.Filename == "" || r.Filename == "." || r.Filename == string(filepath.Separator) {
		problems = append(problems, "filename is required")
	}
	switch {
	case len(r.Content) == 0:
		problems = append(problems, "document is empty")
	case len(r.Content) > MaxDocumentBytes:
		problems = append(problems, fmt.Sprintf("document exceeds %d bytes", MaxDocumentBytes))
	}
	if !session.IsProfession(r.Profession) {
		problems = append(problems, fmt.Sprintf("unknown profession %q", r.Profession))
	}
	if !session.IsRegion(r.Region) {
		problems = append(problems, fmt.Sprintf("unknown region %q", r.Region))
	}
	if r.Updated != "" {
		if _, err := time.Parse(DateLayout, r.Updated); err != nil {
			problems = append(problems, fmt.Sprintf("updated must be YYYY-MM-DD, got %q", r.Updated))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Service uploads documents and catalogs them
type Service struct {
	uploader Uploader
	catalog  Catalog
	logger   *zap.Logger
}

// NewService creates an ingest service. A nil catalog skips cataloging.
func NewService(uploader Uploader, catalog Catalog, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{uploader: uploader, catalog: catalog, logger: logger}
}

// Ingest validates, uploads and catalogs one document
func (s *Service) Ingest(ctx context.Context, req Request) (*catalog.Document, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	result, err := s.uploader.UploadDocument(ctx, assistant.Document{Filename: req.Filename, Content: req.Content})
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", req.Filename, err)
	}

	doc := catalog.Document{
		FileID:        result.FileID,
		Filename:      req.Filename,
		Profession:    req.Profession,
		Region:        req.Region,
		Topic:         req.Topic,
		Updated:       req.Updated,
		VectorStoreID: result.VectorStoreID,
		CreatedAt:     time.Now().UTC(),
	}

	if s.catalog != nil {
		if err := s.catalog.Add(ctx, doc); err != nil {
			// the remote copy exists, so report the file id with the failure
			return &doc, fmt.Errorf("uploaded %s as %s but failed to catalog it: %w", req.Filename, result.FileID, err)
		}
	}

	s.logger.Info("Document ingested",
		zap.String("file_id", doc.FileID),
		zap.String("filename", doc.Filename),
		zap.String("profession", doc.Profession),
		zap.String("region", doc.Region),
		zap.Int("bytes", len(req.Content)))

	return &doc, nil
}
