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

// Package server exposes the coach over HTTP with gin.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/your-org/marketing-coach/internal/catalog"
	"github.com/your-org/marketing-coach/internal/coach"
	"github.com/your-org/marketing-coach/internal/health"
	"github.com/your-org/marketing-coach/internal/ingest"
	"github.com/your-org/marketing-coach/internal/resilience"
	"github.com/your-org/marketing-coach/internal/session"
)

const (
	// SessionHeader carries the caller's session key
	SessionHeader = "X-Session-Id"
	// RequestIDHeader carries the request correlation id
	RequestIDHeader = "X-Request-Id"

	// DefaultMaxBodyBytes limits JSON request bodies
	DefaultMaxBodyBytes = 1 << 20
	// DefaultRequestTimeout bounds one chat turn
	DefaultRequestTimeout = 150 * time.Second
)

// TurnRunner runs one chat turn
type TurnRunner interface {
	Turn(ctx context.Context, req coach.TurnRequest) (*coach.TurnResult, error)
}

// DocumentIngester adds a document to the knowledge store
type DocumentIngester interface {
	Ingest(ctx context.Context, req ingest.Request) (*catalog.Document, error)
}

// Config holds HTTP surface settings
type Config struct {
	AllowedOrigins []string
	MaxBodyBytes   int64
	RequestTimeout time.Duration
	Version        string
}

// ChatRequest is the POST /chat body
type ChatRequest struct {
	Message        *string `json:"message"`
	ThreadID       string  `json:"threadId"`
	ShowDisclaimer bool    `json:"showDisclaimer"`
}

// ChatResponse is the POST /chat success body
type ChatResponse struct {
	Answer   string `json:"answer"`
	ThreadID string `json:"thread_id"`
	RunID    string `json:"run_id"`
}

// Server wires the HTTP routes to the coach
type Server struct {
	config   Config
	turns    TurnRunner
	ingester DocumentIngester
	catalog  DocumentCatalog
	audit    AuditReader
	health   *health.Manager
	errors   *resilience.ErrorHandler
	logger   *zap.Logger
}

// Option configures optional server routes
type Option func(*Server)

// WithCatalog enables the document listing routes
func WithCatalog(documents DocumentCatalog) Option {
	return func(s *Server) {
		s.catalog = documents
	}
}

// WithAuditLog enables GET /audit
func WithAuditLog(reader AuditReader) Option {
	return func(s *Server) {
		s.audit = reader
	}
}

// New creates a server. A nil ingester disables POST /ingest and a nil
// health manager disables GET /health.
func New(config Config, turns TurnRunner, ingester DocumentIngester, healthManager *health.Manager, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.Version == "" {
		config.Version = "dev"
	}

	s := &Server{
		config:   config,
		turns:    turns,
		ingester: ingester,
		health:   healthManager,
		errors:   resilience.NewErrorHandler(logger),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine with middleware and routes
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(
		requestID(),
		accessLog(s.logger),
		gin.CustomRecovery(s.recover),
		cors(s.config.AllowedOrigins),
	)

	router.GET("/", s.handleIndex)
	router.GET("/ping", s.handlePing)
	router.POST("/chat", bodyLimit(s.config.MaxBodyBytes), s.handleChat)

	if s.ingester != nil {
		router.POST("/ingest", bodyLimit(ingest.MaxDocumentBytes+DefaultMaxBodyBytes), s.handleIngest)
	}
	if s.catalog != nil {
		router.GET("/documents", s.handleListDocuments)
		router.GET("/documents/:id", s.handleGetDocument)
		router.GET("/catalog/stats", s.handleCatalogStats)
	}
	if s.audit != nil {
		router.GET("/audit", s.handleRecentAudit)
	}
	if s.health != nil {
		router.GET("/health", gin.WrapH(s.health.HTTPHandler()))
	}

	router.NoRoute(func(c *gin.Context) {
		s.writeError(c, resilience.NewNotFoundError("route not found", nil))
	})

	return router
}

func (s *Server) handleIndex(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "marketing-coach",
		"version": s.config.Version,
		"status":  "ok",
	})
}

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleChat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, resilience.NewBadRequestError(bindErrorMessage(err), err))
		return
	}
	if req.Message == nil || strings.TrimSpace(*req.Message) == "" {
		s.writeError(c, resilience.NewBadRequestError(coach.ErrEmptyMessage.Error(), coach.ErrEmptyMessage))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.config.RequestTimeout)
	defer cancel()

	result, err := s.turns.Turn(ctx, coach.TurnRequest{
		SessionKey:     session.KeyFor(c.GetHeader(SessionHeader), c.ClientIP()),
		Message:        *req.Message,
		ThreadID:       strings.TrimSpace(req.ThreadID),
		ShowDisclaimer: req.ShowDisclaimer,
	})
	if err != nil {
		s.writeError(c, chatError(err))
		return
	}

	c.JSON(http.StatusOK, ChatResponse{
		Answer:   result.Answer,
		ThreadID: result.ThreadID,
		RunID:    result.RunID,
	})
}

// chatError maps a failed turn onto the error envelope. Only a missing
// message is the caller's fault; everything else is a 500.
func chatError(err error) error {
	if errors.Is(err, coach.ErrEmptyMessage) {
		return resilience.NewBadRequestError(err.Error(), err)
	}
	var notCompleted *coach.RunNotCompletedError
	if errors.As(err, &notCompleted) {
		return resilience.NewServiceError(err.Error(), resilience.ErrorCodeRunNotCompleted, http.StatusInternalServerError, err)
	}
	return err
}

func (s *Server) handleIngest(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		s.writeError(c, resilience.NewBadRequestError("multipart field 'file' is required", err))
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		s.writeError(c, resilience.NewBadRequestError("failed to open uploaded file", err))
		return
	}
	defer func() { _ = file.Close() }()

	content, err := io.ReadAll(file)
	if err != nil {
		s.writeError(c, resilience.NewBadRequestError("failed to read uploaded file", err))
		return
	}

	doc, err := s.ingester.Ingest(c.Request.Context(), ingest.Request{
		Filename:   fileHeader.Filename,
		Content:    content,
		Profession: c.PostForm("profession"),
		Region:     c.PostForm("region"),
		Topic:      c.PostForm("topic"),
		Updated:    c.PostForm("updated"),
	})
	if err != nil {
		var validationErr *ingest.ValidationError
		if errors.As(err, &validationErr) {
			s.writeError(c, resilience.NewBadRequestError(err.Error(), err))
			return
		}
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, doc)
}

func (s *Server) writeError(c *gin.Context, err error) {
	s.errors.WriteErrorResponse(c.Writer, err, c.GetString(requestIDKey))
	c.Abort()
}

func (s *Server) recover(c *gin.Context, recovered interface{}) {
	s.logger.Error("Panic while handling request",
		zap.Any("panic", recovered),
		zap.String("path", c.Request.URL.Path))
	s.writeError(c, resilience.NewInternalError("internal server error", nil))
}

func bindErrorMessage(err error) string {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return "request body too large"
	}
	if errors.Is(err, io.EOF) {
		return "request body is required"
	}
	return "invalid JSON body"
}
