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

// Package coach drives one chat turn end to end: thread, message, run, poll,
// reply selection and compliance filtering.
package coach

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/marketing-coach/internal/assistant"
	"github.com/your-org/marketing-coach/internal/audit"
	"github.com/your-org/marketing-coach/internal/compliance"
	"github.com/your-org/marketing-coach/internal/resilience"
	"github.com/your-org/marketing-coach/internal/session"
)

const (
	// DefaultPollInterval is the wait between run status checks
	DefaultPollInterval = 900 * time.Millisecond
	// DefaultPollTimeout bounds the whole poll loop
	DefaultPollTimeout = 120 * time.Second
	// DefaultMessageWindow is how many recent messages are read for the reply
	DefaultMessageWindow = 10
	// DefaultRunsWindow is how many recent runs are listed when retrieve fails
	DefaultRunsWindow = 20
)

// ErrEmptyMessage rejects a turn without user text
var ErrEmptyMessage = errors.New("message is required")

// State is a step of the turn state machine
type State string

// Turn states
const (
	StateNew           State = "NEW"
	StateThreadReady   State = "THREAD_READY"
	StateMessagePosted State = "MESSAGE_POSTED"
	StateRunStarted    State = "RUN_STARTED"
	StatePolling       State = "POLLING"
	StateRunTerminal   State = "RUN_TERMINAL"
	StateReplyReady    State = "REPLY_READY"
	StateFailed        State = "FAILED"
)

// Config holds orchestrator settings
type Config struct {
	AssistantID   string
	VectorStoreID string
	PollInterval  time.Duration
	// PollTimeout of zero polls without a deadline
	PollTimeout   time.Duration
	MessageWindow int
	RunsWindow    int
	Disclaimer    string
}

// DefaultConfig returns the default orchestrator settings
func DefaultConfig() Config {
	return Config{
		PollInterval:  DefaultPollInterval,
		PollTimeout:   DefaultPollTimeout,
		MessageWindow: DefaultMessageWindow,
		RunsWindow:    DefaultRunsWindow,
	}
}

// SessionObserver folds the facts in a message into the caller's session
type SessionObserver interface {
	Observe(ctx context.Context, key, text string) (*session.Session, error)
}

// AuditRecorder persists filter changes
type AuditRecorder interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// TurnRequest is one user message
type TurnRequest struct {
	SessionKey     string
	Message        string
	ThreadID       string
	ShowDisclaimer bool
}

// TurnResult is the filtered reply plus the handles the caller may reuse
type TurnResult struct {
	Answer     string
	ThreadID   string
	RunID      string
	Facts      session.Facts
	Compliance compliance.Result
}

// RunNotCompletedError reports a run that ended in a status other than completed
type RunNotCompletedError struct {
	RunID  string
	Status assistant.RunStatus
	Reason string
}

func (e *RunNotCompletedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("run not completed: %s (%s)", e.Status, e.Reason)
	}
	return fmt.Sprintf("run not completed: %s", e.Status)
}

// TurnError records the state a turn failed in. Its message is the
// underlying failure's message.
type TurnError struct {
	State State
	Err   error
}

func (e *TurnError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error
func (e *TurnError) Unwrap() error {
	return e.Err
}

// Option customizes an Orchestrator
type Option func(*Orchestrator)

// WithAuditRecorder records every reply the filter changed
func WithAuditRecorder(recorder AuditRecorder) Option {
	return func(o *Orchestrator) {
		o.auditor = recorder
	}
}

// WithSleep replaces the poll wait, mainly for tests
func WithSleep(sleep resilience.SleepFunc) Option {
	return func(o *Orchestrator) {
		o.sleep = sleep
	}
}

// Orchestrator runs chat turns against the remote assistant
type Orchestrator struct {
	service  assistant.Service
	sessions SessionObserver
	filter   compliance.Filter
	auditor  AuditRecorder
	config   Config
	logger   *zap.Logger
	sleep    resilience.SleepFunc
}

// NewOrchestrator creates an orchestrator. Zero interval and window settings
// take their defaults.
func NewOrchestrator(service assistant.Service, sessions SessionObserver, filter compliance.Filter,
	config Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	defaults := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.MessageWindow <= 0 {
		config.MessageWindow = defaults.MessageWindow
	}
	if config.RunsWindow <= 0 {
		config.RunsWindow = defaults.RunsWindow
	}
	if filter == nil {
		filter = compliance.LocalFilter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		service:  service,
		sessions: sessions,
		filter:   filter,
		config:   config,
		logger:   logger,
		sleep:    resilience.Sleep,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// turn tracks the state of one chat turn for logging
type turn struct {
	state  State
	logger *zap.Logger
}

func (t *turn) enter(state State, fields ...zap.Field) {
	t.state = state
	t.logger.Debug("Turn state changed", append(fields, zap.String("state", string(state)))...)
}

func (t *turn) fail(err error) error {
	t.logger.Error("Turn failed",
		zap.String("failed_state", string(t.state)),
		zap.Error(err))
	failed := &TurnError{State: t.state, Err: err}
	t.state = StateFailed
	return failed
}

// Turn drives one message through the full pipeline. Steps run strictly in
// order and any failure aborts the turn.
func (o *Orchestrator) Turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, ErrEmptyMessage
	}

	start := time.Now()
	t := &turn{state: StateNew, logger: o.logger.With(zap.String("session_key", req.SessionKey))}

	current, err := o.sessions.Observe(ctx, req.SessionKey, message)
	if err != nil {
		return nil, t.fail(fmt.Errorf("failed to update session: %w", err))
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID, err = o.service.CreateThread(ctx)
		if err != nil {
			return nil, t.fail(err)
		}
	}
	t.logger = t.logger.With(zap.String("thread_id", threadID))
	t.enter(StateThreadReady, zap.Bool("reused", req.ThreadID != ""))

	content := message
	if req.ShowDisclaimer && o.config.Disclaimer != "" {
		content = content + "\n\n" + o.config.Disclaimer
	}
	if _, err := o.service.PostMessage(ctx, threadID, assistant.RoleUser, content); err != nil {
		return nil, t.fail(err)
	}
	t.enter(StateMessagePosted)

	run, err := o.startRun(ctx, t, threadID, BuildInstructions(current.Facts))
	if err != nil {
		return nil, t.fail(err)
	}
	t.logger = t.logger.With(zap.String("run_id", run.ID))
	t.enter(StateRunStarted, zap.String("status", string(run.Status)))

	t.enter(StatePolling)
	run, err = o.waitForRun(ctx, t, threadID, run)
	if err != nil {
		return nil, t.fail(err)
	}
	t.enter(StateRunTerminal, zap.String("status", string(run.Status)))

	if run.Status != assistant.StatusCompleted {
		return nil, t.fail(&RunNotCompletedError{RunID: run.ID, Status: run.Status, Reason: run.LastError})
	}

	messages, err := o.service.ListMessages(ctx, threadID, o.config.MessageWindow)
	if err != nil {
		return nil, t.fail(err)
	}
	raw := selectReply(messages)
	t.enter(StateReplyReady, zap.Int("reply_length", len(raw)))

	filtered := o.filter.Apply(ctx, raw)
	if filtered.Changed() {
		o.recordAudit(ctx, req.SessionKey, threadID, run.ID, raw, filtered)
	}

	t.logger.Info("Turn completed",
		zap.Duration("duration", time.Since(start)),
		zap.Int("substitutions", filtered.Substitutions),
		zap.Bool("tier2_applied", filtered.Tier2Applied))

	return &TurnResult{
		Answer:     filtered.Text,
		ThreadID:   threadID,
		RunID:      run.ID,
		Facts:      current.Facts,
		Compliance: filtered,
	}, nil
}

// startRun starts a run with the retrieval resource when configured; if the
// remote rejects that form it retries once without it.
func (o *Orchestrator) startRun(ctx context.Context, t *turn, threadID, instructions string) (assistant.Run, error) {
	req := assistant.RunRequest{
		AssistantID:   o.config.AssistantID,
		Instructions:  instructions,
		VectorStoreID: o.config.VectorStoreID,
	}

	run, err := o.service.StartRun(ctx, threadID, req)
	if err == nil || req.VectorStoreID == "" || ctx.Err() != nil {
		return run, err
	}

	t.logger.Warn("Run with retrieval resource rejected, retrying without it", zap.Error(err))
	req.VectorStoreID = ""
	return o.service.StartRun(ctx, threadID, req)
}

// waitForRun polls until the run reaches a terminal status or the poll
// deadline passes. When retrieve fails the recent runs are listed instead and
// the last known status is kept if the run is not among them.
func (o *Orchestrator) waitForRun(ctx context.Context, t *turn, threadID string, run assistant.Run) (assistant.Run, error) {
	pollCtx := ctx
	if o.config.PollTimeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, o.config.PollTimeout)
		defer cancel()
	}

	checks := 0
	for !run.Status.Terminal() {
		if err := o.sleep(pollCtx, o.config.PollInterval); err != nil {
			return run, o.pollError(ctx, run, err)
		}

		checks++
		current, err := o.service.GetRun(pollCtx, threadID, run.ID)
		if err != nil {
			if pollCtx.Err() != nil {
				return run, o.pollError(ctx, run, err)
			}
			t.logger.Warn("Retrieve run failed, falling back to run listing", zap.Error(err))

			current, err = o.findRun(pollCtx, threadID, run)
			if err != nil {
				if pollCtx.Err() != nil {
					return run, o.pollError(ctx, run, err)
				}
				return run, err
			}
		}

		if current.Status != run.Status {
			t.logger.Debug("Run status changed",
				zap.String("from", string(run.Status)),
				zap.String("to", string(current.Status)),
				zap.Int("checks", checks))
		}
		run = current
	}

	return run, nil
}

// findRun locates the run among the thread's recent runs, keeping last when absent
func (o *Orchestrator) findRun(ctx context.Context, threadID string, last assistant.Run) (assistant.Run, error) {
	runs, err := o.service.ListRuns(ctx, threadID, o.config.RunsWindow)
	if err != nil {
		return last, err
	}
	for _, candidate := range runs {
		if candidate.ID == last.ID {
			return candidate, nil
		}
	}
	return last, nil
}

// pollError distinguishes caller cancellation from the poll deadline
func (o *Orchestrator) pollError(ctx context.Context, run assistant.Run, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return resilience.NewTimeoutError(
		fmt.Sprintf("run %s did not finish within %s (last status: %s)", run.ID, o.config.PollTimeout, run.Status),
		err)
}

// selectReply returns the text of the newest assistant message
func selectReply(messages []assistant.Message) string {
	for _, msg := range messages {
		if msg.Role == assistant.RoleAssistant {
			return msg.Text()
		}
	}
	return ""
}

func (o *Orchestrator) recordAudit(ctx context.Context, sessionKey, threadID, runID, raw string, result compliance.Result) {
	if o.auditor == nil {
		return
	}

	changes := compliance.Diff(raw, result.Text)
	entry := audit.Entry{
		SessionKey:    sessionKey,
		ThreadID:      threadID,
		RunID:         runID,
		Substitutions: result.Substitutions,
		Tier2Applied:  result.Tier2Applied,
		Tier2Error:    result.Tier2Error,
		Removed:       changes.Removed,
		Inserted:      changes.Inserted,
	}
	if err := o.auditor.Record(ctx, entry); err != nil {
		o.logger.Warn("Failed to record compliance audit", zap.Error(err), zap.String("run_id", runID))
	}
}
