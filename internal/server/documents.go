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

package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/your-org/marketing-coach/internal/audit"
	"github.com/your-org/marketing-coach/internal/catalog"
	"github.com/your-org/marketing-coach/internal/resilience"
)

const (
	// DefaultListLimit applies when a listing request has no limit
	DefaultListLimit = 50
	// MaxListLimit caps the limit query parameter
	MaxListLimit = 500
)

// DocumentCatalog reads the catalog of ingested documents
type DocumentCatalog interface {
	Query(ctx context.Context, filter catalog.Filter) ([]catalog.Document, error)
	Get(ctx context.Context, fileID string) (*catalog.Document, error)
	Stats(ctx context.Context) (catalog.Stats, error)
}

// AuditReader reads recent compliance audit entries
type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]audit.Entry, error)
}

func (s *Server) handleListDocuments(c *gin.Context) {
	limit, err := listLimit(c)
	if err != nil {
		s.writeError(c, err)
		return
	}

	docs, err := s.catalog.Query(c.Request.Context(), catalog.Filter{
		Profession: strings.ToLower(strings.TrimSpace(c.Query("profession"))),
		Region:     strings.ToUpper(strings.TrimSpace(c.Query("region"))),
		Topic:      strings.TrimSpace(c.Query("topic")),
		Limit:      limit,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	if docs == nil {
		docs = []catalog.Document{}
	}

	c.JSON(http.StatusOK, gin.H{"documents": docs, "count": len(docs)})
}

func (s *Server) handleGetDocument(c *gin.Context) {
	doc, err := s.catalog.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			s.writeError(c, resilience.NewNotFoundError("document not found", err))
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) handleCatalogStats(c *gin.Context) {
	stats, err := s.catalog.Stats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleRecentAudit(c *gin.Context) {
	limit, err := listLimit(c)
	if err != nil {
		s.writeError(c, err)
		return
	}

	entries, err := s.audit.Recent(c.Request.Context(), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func listLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return DefaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, resilience.NewBadRequestError("limit must be a positive integer", err)
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return limit, nil
}
