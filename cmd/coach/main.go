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
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/your-org/marketing-coach/internal/coach"
	"github.com/your-org/marketing-coach/internal/config"
	"github.com/your-org/marketing-coach/internal/ingest"
	"github.com/your-org/marketing-coach/internal/server"
)

var version = "dev"

const shutdownTimeout = 15 * time.Second

type rootOptions struct {
	configPath string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "coach",
		Short:         "Compliant marketing coach for regulated health practitioners",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to configuration file")

	rootCmd.AddCommand(
		newServeCommand(opts),
		newAskCommand(opts),
		newIngestCommand(opts),
	)
	return rootCmd
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var port int
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP chat service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Server.Port = port
			}

			logger, level, err := initializeLogger(cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			if watch {
				err := config.WatchConfig(opts.configPath, logger, func(updated *config.Config) {
					level.SetLevel(parseLevel(updated.Logging.Level))
					logger.Info("Log level updated", zap.String("level", updated.Logging.Level))
				})
				if err != nil {
					logger.Warn("Config hot reload disabled", zap.Error(err))
				}
			}

			return serve(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Port to listen on (overrides server.port)")
	cmd.Flags().BoolVar(&watch, "watch", false, "Reload the log level when the config file changes")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	maskedConfig := cfg.MaskSensitiveValues()
	logger.Info("Starting marketing coach",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("openai_endpoint", maskedConfig.OpenAI.Endpoint),
		zap.String("openai_api_key", maskedConfig.OpenAI.APIKey),
		zap.String("assistant_id", cfg.OpenAI.AssistantID),
		zap.String("rewrite_mode", cfg.Compliance.RewriteMode),
		zap.String("audit_storage", cfg.Audit.StorageType))

	deps, err := initializeDependencies(cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := server.New(server.Config{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		RequestTimeout: cfg.Server.RequestTimeout,
		Version:        version,
	}, deps.Orchestrator, deps.Ingest, deps.Health, logger, deps.serverOptions()...)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newAskCommand(opts *rootOptions) *cobra.Command {
	var sessionKey, threadID string
	var disclaimer bool

	cmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Run one chat turn from the terminal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			// keep stdout for the answer
			cfg.Logging.Output = "stderr"

			logger, _, err := initializeLogger(cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			deps, err := initializeDependencies(cfg, logger)
			if err != nil {
				return err
			}
			defer deps.Close()

			result, err := deps.Orchestrator.Turn(cmd.Context(), coach.TurnRequest{
				SessionKey:     sessionKey,
				Message:        strings.Join(args, " "),
				ThreadID:       threadID,
				ShowDisclaimer: disclaimer,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, result.Answer)
			fmt.Fprintf(cmd.ErrOrStderr(), "\nthread: %s\nrun: %s\n", result.ThreadID, result.RunID)
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionKey, "session", "cli", "Session key for context tracking")
	cmd.Flags().StringVar(&threadID, "thread", "", "Existing thread to continue")
	cmd.Flags().BoolVar(&disclaimer, "disclaimer", false, "Append the configured disclaimer to the message")
	return cmd
}

func newIngestCommand(opts *rootOptions) *cobra.Command {
	var profession, region, topic, updated string

	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Upload a tagged document to the knowledge store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readIngestRequest(args[0], profession, region, topic, updated)
			if err != nil {
				return err
			}

			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			cfg.Logging.Output = "stderr"

			logger, _, err := initializeLogger(cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			deps, err := initializeDependencies(cfg, logger)
			if err != nil {
				return err
			}
			defer deps.Close()

			doc, err := deps.Ingest.Ingest(cmd.Context(), req)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", doc.FileID, doc.Filename, doc.VectorStoreID)
			return nil
		},
	}

	cmd.Flags().StringVar(&profession, "profession", "", "Profession tag (physio, chiro, osteo, rmt)")
	cmd.Flags().StringVar(&region, "region", "", "Region code (e.g. ON, BC, NY)")
	cmd.Flags().StringVar(&topic, "topic", "", "Free-form topic")
	cmd.Flags().StringVar(&updated, "updated", "", "Last-updated date, YYYY-MM-DD")
	_ = cmd.MarkFlagRequired("profession")
	_ = cmd.MarkFlagRequired("region")
	return cmd
}

// readIngestRequest reads the document and validates its tags before any
// remote client is built
func readIngestRequest(path, profession, region, topic, updated string) (ingest.Request, error) {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return ingest.Request{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	req := ingest.Request{
		Filename:   filepath.Base(path),
		Content:    content,
		Profession: profession,
		Region:     region,
		Topic:      topic,
		Updated:    updated,
	}
	if err := req.Validate(); err != nil {
		return ingest.Request{}, err
	}
	return req, nil
}

// initializeLogger builds the zap logger from the logging section. The
// returned level can be changed at runtime.
func initializeLogger(cfg *config.Config) (*zap.Logger, zap.AtomicLevel, error) {
	var zapConfig zap.Config

	if cfg.Logging.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	zapConfig.Level = zap.NewAtomicLevelAt(parseLevel(cfg.Logging.Level))

	switch cfg.Logging.Output {
	case "", "stdout":
		zapConfig.OutputPaths = []string{"stdout"}
		zapConfig.ErrorOutputPaths = []string{"stderr"}
	case "stderr":
		zapConfig.OutputPaths = []string{"stderr"}
		zapConfig.ErrorOutputPaths = []string{"stderr"}
	case "file":
		zapConfig.OutputPaths = []string{"coach.log"}
		zapConfig.ErrorOutputPaths = []string{"coach.log"}
	default:
		zapConfig.OutputPaths = []string{cfg.Logging.Output}
		zapConfig.ErrorOutputPaths = []string{cfg.Logging.Output}
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, zapConfig.Level, err
	}
	return logger, zapConfig.Level, nil
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
