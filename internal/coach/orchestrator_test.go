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

package coach

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/marketing-coach/internal/assistant"
	"github.com/your-org/marketing-coach/internal/audit"
	"github.com/your-org/marketing-coach/internal/compliance"
	"github.com/your-org/marketing-coach/internal/resilience"
	"github.com/your-org/marketing-coach/internal/session"
)

// fakeService is a scripted assistant.Service
type fakeService struct {
	mu sync.Mutex

	statuses     []assistant.RunStatus
	getRunErrs   []error
	listedRuns   []assistant.Run
	listRunsErr  error
	reply        []assistant.Message
	startRunErrs []error
	createErr    error
	postErr      error

	calls        []string
	posted       []string
	runRequests  []assistant.RunRequest
	getRunCalls  int
	listRunCalls int
}

func (f *fakeService) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeService) CreateThread(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateThread")
	if f.createErr != nil {
		return "", f.createErr
	}
	return "thread_new", nil
}

func (f *fakeService) PostMessage(_ context.Context, threadID, role, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("PostMessage")
	if f.postErr != nil {
		return "", f.postErr
	}
	f.posted = append(f.posted, threadID+"|"+role+"|"+content)
	return "msg_1", nil
}

func (f *fakeService) ListMessages(_ context.Context, _ string, limit int) ([]assistant.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListMessages")
	if limit != DefaultMessageWindow {
		return nil, errors.New("unexpected message window")
	}
	return f.reply, nil
}

func (f *fakeService) StartRun(_ context.Context, threadID string, req assistant.RunRequest) (assistant.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("StartRun")
	f.runRequests = append(f.runRequests, req)
	if len(f.startRunErrs) > 0 {
		err := f.startRunErrs[0]
		f.startRunErrs = f.startRunErrs[1:]
		if err != nil {
			return assistant.Run{}, err
		}
	}
	return assistant.Run{ID: "run_1", ThreadID: threadID, Status: assistant.StatusQueued}, nil
}

func (f *fakeService) GetRun(ctx context.Context, threadID, runID string) (assistant.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetRun")
	f.getRunCalls++
	if err := ctx.Err(); err != nil {
		return assistant.Run{}, err
	}
	if len(f.getRunErrs) > 0 {
		err := f.getRunErrs[0]
		f.getRunErrs = f.getRunErrs[1:]
		if err != nil {
			return assistant.Run{}, err
		}
	}
	status := assistant.StatusInProgress
	if len(f.statuses) > 0 {
		status = f.statuses[0]
		f.statuses = f.statuses[1:]
	}
	return assistant.Run{ID: runID, ThreadID: threadID, Status: status}, nil
}

func (f *fakeService) ListRuns(_ context.Context, _ string, _ int) ([]assistant.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListRuns")
	f.listRunCalls++
	return f.listedRuns, f.listRunsErr
}

func (f *fakeService) called(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, call := range f.calls {
		if call == name {
			return true
		}
	}
	return false
}

type recordingAuditor struct {
	entries []audit.Entry
}

func (r *recordingAuditor) Record(_ context.Context, entry audit.Entry) error {
	r.entries = append(r.entries, entry)
	return nil
}

func assistantReply(text ...string) []assistant.Message {
	blocks := make([]assistant.ContentBlock, 0, len(text))
	for _, t := range text {
		blocks = append(blocks, assistant.ContentBlock{Type: assistant.ContentTypeText, Text: t})
	}
	return []assistant.Message{
		{ID: "msg_2", Role: assistant.RoleAssistant, Content: blocks},
		{ID: "msg_1", Role: assistant.RoleUser, Content: []assistant.ContentBlock{{Type: assistant.ContentTypeText, Text: "hi"}}},
	}
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// testPollTimeout bounds polling when a test does not set its own deadline
const testPollTimeout = 100 * time.Millisecond

func newTestOrchestrator(t *testing.T, service assistant.Service, config Config, opts ...Option) *Orchestrator {
	t.Helper()
	if config.PollTimeout == 0 {
		config.PollTimeout = testPollTimeout
	}
	manager := session.NewManager(session.Config{DefaultTTL: time.Hour, MaxSessions: 100}, nil, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = manager.Close() })
	opts = append([]Option{WithSleep(noSleep)}, opts...)
	return NewOrchestrator(service, manager, compliance.NewPipeline(nil, zaptest.NewLogger(t)), config, zaptest.NewLogger(t), opts...)
}

func TestTurn_PollsUntilCompleted(t *testing.T) {
	service := &fakeService{
		statuses: []assistant.RunStatus{
			assistant.StatusQueued, assistant.StatusInProgress, assistant.StatusInProgress, assistant.StatusCompleted,
		},
		reply: assistantReply("Here is a headline idea.", "Keep it factual."),
	}
	var sleeps []time.Duration
	orchestrator := newTestOrchestrator(t, service, Config{AssistantID: "asst_1"},
		WithSleep(func(ctx context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			return ctx.Err()
		}))

	result, err := orchestrator.Turn(context.Background(), TurnRequest{SessionKey: "s1", Message: "Help with my ads"})

	require.NoError(t, err)
	assert.Equal(t, 4, service.getRunCalls)
	assert.Len(t, sleeps, 4)
	assert.Equal(t, DefaultPollInterval, sleeps[0])
	assert.Equal(t, "Here is a headline idea.\nKeep it factual.", result.Answer)
	assert.Equal(t, "thread_new", result.ThreadID)
	assert.Equal(t, "run_1", result.RunID)
	assert.Equal(t, []string{"CreateThread", "PostMessage", "StartRun", "GetRun", "GetRun", "GetRun", "GetRun", "ListMessages"}, service.calls)
}

func TestTurn_FailedRunSkipsReply(t *testing.T) {
	service := &fakeService{
		statuses: []assistant.RunStatus{assistant.StatusInProgress, assistant.StatusFailed},
		reply:    assistantReply("should not be read"),
	}
	orchestrator := newTestOrchestrator(t, service, Config{AssistantID: "asst_1"})

	_, err := orchestrator.Turn(context.Background(), TurnRequest{SessionKey: "s1", Message: "hello"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
	assert.False(t, service.called("ListMessages"))

	var notCompleted *RunNotCompletedError
	require.True(t, errors.As(err, &notCompleted))
	assert.Equal(t, assistant.StatusFailed, notCompleted.Status)

	var turnErr *TurnError
	require.True(t, errors.As(err, &turnErr))
	assert.Equal(t, StateRunTerminal, turnErr.State)
}

func TestTurn_OtherTerminalStatuses(t *testing.T) {
	for _, status := range []assistant.RunStatus{assistant.StatusCancelled, assistant.StatusExpired, assistant.StatusIncomplete} {
		t.Run(string(status), func(t *testing.T) {
			service := &fakeService{statuses: []assistant.RunStatus{status}}
			orchestrator := newTestOrchestrator(t, service, Config{})

			_, err := orchestrator.Turn(context.Background(), TurnRequest{SessionKey: "s1", Message: "hello"})

			require.Error(t, err)
			assert.Equal(t, "run not completed: "+string(status), err.Error())
			assert.False(t, service.called("ListMessages"))
		})
	}
}

func TestTurn_ReusesSuppliedThread(t *testing.T) {
	service := &fakeService{
		statuses: []assistant.RunStatus{assistant.StatusCompleted},
		reply:    assistantReply("ok"),
	}
	orchestrator := newTestOrchestrator(t, service, Config{})

	result, err := orchestrator.Turn(context.Background(), TurnRequest{SessionKey: "s1", Message: "hello", ThreadID: "thread_existing"})

	require.NoError(t, err)
	assert.Equal(t, "thread_existing", result.ThreadID)
	assert.False(t, service.called("CreateThread"))
	assert.True(t, strings.HasPrefix(service.posted[0], "thread_existing|user|hello"))
}

func TestTurn_AppendsDisclaimer(t *testing.T) {
	service := &fakeService{
		statuses: []assistant.RunStatus{assistant.StatusCompleted, assistant.StatusCompleted},
		reply:    assistantReply("ok"),
	}
	orchestrator := newTestOrchestrator(t, service, Config{Disclaimer: "Educational guidance only."})

	_, err := orchestrator.Turn(context.Background(), TurnRequest{SessionKey: "s1", Message: "hello", ShowDisclaimer: true})
	require.NoError(t, err)
	assert.Equal(t, "thread_new|user|hello\n\nEducational guidance only.", service.posted[0])

	_, err = orchestrator.Turn(context.Background(), TurnRequest{SessionKey: "s1", Message: "again", ThreadID: "thread_new"})
	require.NoError(t, err)
	assert.Equal(t, "thread_new|user|again", service.posted[1])
	assert.Equal(t, 2, service.getRunCalls)
}

func TestTurn_UnscriptedRunHitsDefaultDeadline(t *testing.T) {
	service := &fakeService{reply: assistantReply("ok")}
	orchestrator := newTestOrchestrator(t, service, Config{})

	_, err := orchestrator.Turn(context.Background(), TurnRequest{SessionKey: "s1", Message: "hello"})

	var serviceErr *resilience.ServiceError
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, resilience.ErrorCodeTimeout, serviceErr.Code)
	assert.False(t, service.called("ListMessages"))
}

func TestTurn_InstructionsReflectSessionFacts(t *testing.T) {
	service := &fakeService{
		statuses: []assistant.RunStatus{assistant.StatusCompleted, assistant.StatusCompleted},
		reply:    assistantReply("ok"),
	}
	orchestrator := newTestOrchestrator(t, service, Config{AssistantID: "asst_1"})
	ctx := context.Background()

	_, err := orchestrator.Turn(ctx, TurnRequest{SessionKey: "s1", Message: "I run a physio clinic"})
	require.NoError(t, err)
	_, err = orchestrator.Turn(ctx, TurnRequest{SessionKey: "s1", Message: "We're based in Ontario"})
	require.NoError(t, err)

	require.Len(t, service.runRequests, 2)
	assert.Equal(t, "asst_1", service.runRequests[0].AssistantID)
	assert.Contains(t, service.runRequests[0].Instructions, "profession=physiotherapy; region=unknown")
	assert.Contains(t, service.runRequests[0].Instructions, "Ask only for their region")
	assert.Contains(t, service.runRequests[1].Instructions, "profession=physiotherapy; region=ON")
	assert.Contains(t, service.runRequests[1].Instructions, "Proceed with the request")
}

func TestTurn_RunResourceFallback(t *testing.T) {
	service := &fakeService{
		startRunErrs: []error{&assistant.APIError{Op: "create run", StatusCode: 400, Message: "invalid tool_resources"}},
		statuses:     []assistant.RunStatus{assistant.StatusCompleted},
		reply:        assistantReply("ok"),
	}
	orchestrator := newTestOrchestrator(t, service, Config{AssistantID: "asst_1", VectorStoreID: "vs_1"})

	_, err := orchestrator.Turn(context.Background(), TurnRequest{SessionKey: "s1", Message: "hello"})

	require.NoError(t, err)
	require.Len(t, service.runRequests, 2)
	assert.Equal(t, "vs_1", service.runRequests[0].VectorStoreID)
	assert.Empty(t, service.runRequests[1].VectorStoreID)
}

func TestTurn_RunStartFailsWithoutResource(t *testing.T) {
	service := &fakeService{
		startRunErrs: []error{&assistant.APIError{Op: "create run", StatusCode: 404, Message: "no such assistant"}},
	}
	orchestrator := newTestOrchestrator(t, service, Config{AssistantID: "asst_missing"})

	_, err := orchestrator.Turn(context.Background(), TurnRequest{SessionKey: "s1", Message: "hello"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such assistant")
	assert.Len(t, service.runRequests, 1)
}

func TestTurn_RetrieveFailureFallsBackToListRuns(t *testing.T) {
	service := &fakeService{
		getRunErrs: []error{errors.New("retrieve rejected"), errors.New("retrieve rejected")},
		listedRuns: []assistant.Run{
			{ID: "run_0", Status: assistant.StatusFailed},
			{ID: "run_1", Status: assistant.StatusCompleted},
		},
		reply: assistantReply("ok"),
	}
	orchestrator := newTestOrchestrator(t, service, Config{})

	result, err := orchestrator.Turn(context.Background(), TurnRequest{SessionKey: "s1", Message: "hello"})

	require.NoError(t, err)
	assert.Equal(t, "ok", result.Answer)
	assert.Equal(t, 1, service.getRunCalls)
	assert.Equal(t, 1, service.listRunCalls)
}

func TestTurn_ListRunsMissingKeepsLastStatus(t *testing.T) {
	service := &fakeService{
		getRunErrs: []error{errors.New("retrieve rejected"), nil},
		listedRuns: []assistant.Run{{ID: "run_other", Status: assistant.StatusCompleted}},
		statuses:   []assistant.RunStatus{assistant.StatusCompleted},
		reply:      assistantReply("ok"),
	}
	orchestrator := newTestOrchestrator(t, service, Config{})

	_, err := orchestrator.Turn(context.Background(), TurnRequest{SessionKey: "s1", Message: "hello"})

	require.NoError(t, err)
	// the unrelated completed run is ignored, so polling continues
	assert.Equal(t, 2, service.getRunCalls)
	assert.Equal(t, 1, service.listRunCalls)
}

func TestTurn_ListRunsFailureAbortsTurn(t *testing.T) {
	service := &fakeService{
		getRunErrs:  []error{errors.New("retrieve rejected")},
		listRunsErr: errors.New("list rejected"),
	}
	orchestrator := newTestOrchestrator(t, service, Config{})

	_, err := orchestrator.Turn(context.Background(), TurnRequest{SessionKey: "s1", Message: "hello"})

	require.Error(t, err)
	assert.Equal(t, "list rejected", err.Error())
}

func TestTurn_PollTimeout(t *testing.T) {
	service := &fakeService{}
	manager := session.NewManager(session.Config{DefaultTTL: time.Hour, MaxSessions: 10}, nil, zaptest.NewLogger(t))
	defer func() { _ = manager.Close() }()
	orchestrator := NewOrchestrator(service, manager, nil,
		Config{PollInterval: 5 * time.Millisecond, PollTimeout: 40 * time.Millisecond}, zaptest.NewLogger(t))

	_, err := orchestrator.Turn(context.Background(), TurnRequest{SessionKey: "s1", Message: "hello"})

	require.Error(t, err)
	var serviceErr *resilience.ServiceError
	require.True(t, errors.As(err, &serviceErr))
	assert.Equal(t, resilience.ErrorCodeTimeout, serviceErr.Code)
	assert.Contains(t, err.Error(), "did not finish")
	assert.False(t, service.called("ListMessages"))
}

func TestTurn_CallerCancellation(t *testing.T) {
	service := &fakeService{}
	orchestrator := newTestOrchestrator(t, service, Config{PollTimeout: time.Minute},
		WithSleep(resilience.Sleep))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := orchestrator.Turn(ctx, TurnRequest{SessionKey: "s1", Message: "hello"})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestTurn_EmptyMessage(t *testing.T) {
	service := &fakeService{}
	orchestrator := newTestOrchestrator(t, service, Config{})

	_, err := orchestrator.Turn(context.Background(), TurnRequest{SessionKey: "s1", Message: "   "})

	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, service.calls)
}

func TestTurn_CreateThreadFailure(t *testing.T) {
	service := &fakeService{createErr: &assistant.APIError{Op: "create thread", StatusCode: 500, Message: "upstream down"}}
	orchestrator := newTestOrchestrator(t, service, Config{})

	_, err := orchestrator.Turn(context.Background(), TurnRequest{SessionKey: "s1", Message: "hello"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")
	var turnErr *TurnError
	require.True(t, errors.As(err, &turnErr))
	assert.Equal(t, StateNew, turnErr.State)
	assert.False(t, service.called("PostMessage"))
}

func TestTurn_CompliancePipelineAndAudit(t *testing.T) {
	service := &fakeService{
		statuses: []assistant.RunStatus{assistant.StatusCompleted},
		reply:    assistantReply("We are the best and guarantee results, free consult!"),
	}
	auditor := &recordingAuditor{}
	orchestrator := newTestOrchestrator(t, service, Config{}, WithAuditRecorder(auditor))

	result, err := orchestrator.Turn(context.Background(), TurnRequest{SessionKey: "s1", Message: "Write an ad"})

	require.NoError(t, err)
	assert.NotContains(t, result.Answer, "best")
	assert.NotContains(t, result.Answer, "free")
	assert.Equal(t, 1, strings.Count(result.Answer, compliance.Advisory))
	assert.True(t, result.Compliance.Tier1Applied)

	require.Len(t, auditor.entries, 1)
	assert.Equal(t, "run_1", auditor.entries[0].RunID)
	assert.Equal(t, 2, auditor.entries[0].Substitutions)
	assert.NotEmpty(t, auditor.entries[0].Inserted)
}

func TestTurn_NoAssistantMessageYieldsPlaceholder(t *testing.T) {
	service := &fakeService{
		statuses: []assistant.RunStatus{assistant.StatusCompleted},
		reply:    []assistant.Message{{Role: assistant.RoleUser, Content: []assistant.ContentBlock{{Type: "text", Text: "hi"}}}},
	}
	auditor := &recordingAuditor{}
	orchestrator := newTestOrchestrator(t, service, Config{}, WithAuditRecorder(auditor))

	result, err := orchestrator.Turn(context.Background(), TurnRequest{SessionKey: "s1", Message: "hello"})

	require.NoError(t, err)
	assert.Equal(t, compliance.Placeholder, result.Answer)
	assert.Empty(t, auditor.entries)
}

func TestBuildInstructions(t *testing.T) {
	tests := []struct {
		name     string
		facts    session.Facts
		contains string
	}{
		{"both unknown", session.Facts{}, "Ask for both in a single sentence"},
		{"profession unknown", session.Facts{Region: "BC"}, "Ask only for their profession"},
		{"region unknown", session.Facts{Profession: session.ProfessionRMT}, "Ask only for their region"},
		{"both known", session.Facts{Profession: session.ProfessionOsteo, Region: "QC"}, "without asking for them again"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			instructions := BuildInstructions(tt.facts)
			assert.True(t, strings.HasPrefix(instructions, Persona))
			assert.Contains(t, instructions, tt.contains)
			assert.Contains(t, instructions, ComplianceConstraints)
			assert.Equal(t, 1, strings.Count(instructions, "Known context:"))
		})
	}
}
