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

package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/your-org/marketing-coach/internal/assistant"
	"github.com/your-org/marketing-coach/internal/audit"
	"github.com/your-org/marketing-coach/internal/catalog"
	"github.com/your-org/marketing-coach/internal/coach"
	"github.com/your-org/marketing-coach/internal/compliance"
	"github.com/your-org/marketing-coach/internal/config"
	"github.com/your-org/marketing-coach/internal/health"
	"github.com/your-org/marketing-coach/internal/ingest"
	"github.com/your-org/marketing-coach/internal/resilience"
	"github.com/your-org/marketing-coach/internal/server"
	"github.com/your-org/marketing-coach/internal/session"
)

// ServiceDependencies holds everything the commands share
type ServiceDependencies struct {
	Client       *assistant.Client
	Sessions     *session.Manager
	Catalog      *catalog.Store
	Audit        *audit.Logger
	Orchestrator *coach.Orchestrator
	Ingest       *ingest.Service
	Health       *health.Manager

	logger *zap.Logger
}

// initializeDependencies builds the service graph from the configuration
func initializeDependencies(cfg *config.Config, logger *zap.Logger) (*ServiceDependencies, error) {
	logger.Info("Initializing service dependencies")

	retrier := resilience.NewRetrier(retryConfig(cfg.Retry), logger)

	client, err := assistant.NewClient(assistant.Config{
		APIKey:         cfg.OpenAI.APIKey,
		BaseURL:        cfg.OpenAI.Endpoint,
		OrgID:          cfg.OpenAI.OrgID,
		VectorStoreID:  cfg.OpenAI.VectorStoreID,
		RewriteModel:   cfg.OpenAI.RewriteModel,
		RetryChatCalls: cfg.Chat.RetryRemoteCalls,
	}, retrier, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize assistant client: %w", err)
	}

	catalogStore, err := catalog.NewStore(cfg.Catalog.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize document catalog: %w", err)
	}

	auditLogger, err := audit.NewLogger(audit.Config{
		StorageType: cfg.Audit.StorageType,
		FilePath:    cfg.Audit.FilePath,
		DBPath:      cfg.Audit.DBPath,
	}, logger)
	if err != nil {
		_ = catalogStore.Close()
		return nil, fmt.Errorf("failed to initialize compliance audit: %w", err)
	}

	sessions := session.NewManager(session.Config{
		DefaultTTL:      cfg.Session.TTL,
		MaxSessions:     cfg.Session.MaxSessions,
		CleanupInterval: cfg.Session.CleanupInterval,
	}, nil, logger)

	filter := compliance.NewPipeline(newRewriter(cfg.Compliance.RewriteMode, client), logger)

	orchestrator := coach.NewOrchestrator(client, sessions, filter, coach.Config{
		AssistantID:   cfg.OpenAI.AssistantID,
		VectorStoreID: cfg.OpenAI.VectorStoreID,
		PollInterval:  cfg.Chat.PollInterval,
		PollTimeout:   cfg.Chat.PollTimeout,
		MessageWindow: cfg.Chat.MessageWindow,
		RunsWindow:    cfg.Chat.RunsWindow,
		Disclaimer:    cfg.Chat.Disclaimer,
	}, logger, coach.WithAuditRecorder(auditLogger))

	healthManager := health.NewManager("marketing-coach", version, logger)
	healthManager.AddChecker("catalog", health.DatabaseChecker("catalog", catalogStore.Ping))
	healthManager.AddChecker("audit", health.DatabaseChecker("audit", auditLogger.Ping))
	healthManager.AddChecker("sessions", health.SessionChecker(sessions.Count, cfg.Session.MaxSessions))
	healthManager.AddChecker("assistant", health.ConfigChecker(map[string]string{
		"assistant_id":    cfg.OpenAI.AssistantID,
		"vector_store_id": cfg.OpenAI.VectorStoreID,
	}))

	return &ServiceDependencies{
		Client:       client,
		Sessions:     sessions,
		Catalog:      catalogStore,
		Audit:        auditLogger,
		Orchestrator: orchestrator,
		Ingest:       ingest.NewService(client, catalogStore, logger),
		Health:       healthManager,
		logger:       logger,
	}, nil
}

// Close releases the stores and stops the session cleanup loop
func (d *ServiceDependencies) Close() {
	if err := d.Sessions.Close(); err != nil {
		d.logger.Warn("Failed to close session manager", zap.Error(err))
	}
	if err := d.Audit.Close(); err != nil {
		d.logger.Warn("Failed to close audit logger", zap.Error(err))
	}
	if err := d.Catalog.Close(); err != nil {
		d.logger.Warn("Failed to close document catalog", zap.Error(err))
	}
}

// serverOptions enables the catalog routes, and the audit route when the
// audit storage can be read back
func (d *ServiceDependencies) serverOptions() []server.Option {
	opts := []server.Option{server.WithCatalog(d.Catalog)}
	if d.Audit.Queryable() {
		opts = append(opts, server.WithAuditLog(d.Audit))
	}
	return opts
}

func retryConfig(cfg config.RetryConfig) resilience.RetryConfig {
	retry := resilience.DefaultRetryConfig()
	retry.MaxRetries = cfg.MaxRetries
	if cfg.BaseDelay > 0 {
		retry.BaseDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		retry.MaxDelay = cfg.MaxDelay
	}
	return retry
}

// newRewriter picks the second compliance tier. Off leaves only the local tier.
func newRewriter(mode string, client *assistant.Client) compliance.Rewriter {
	switch mode {
	case config.RewriteModeRules:
		return compliance.RuleRewriter{}
	case config.RewriteModeOff:
		return nil
	default:
		return client
	}
}
