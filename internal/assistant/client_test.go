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

package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/marketing-coach/internal/resilience"
)

// mockAssistantServer records requests and replies through a per-route handler
type mockAssistantServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
	handlers map[string]func(call int, r *http.Request, body []byte) (int, string)
	counts   map[string]int
}

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   []byte
	Beta   string
}

func newMockAssistantServer(t *testing.T) *mockAssistantServer {
	t.Helper()
	m := &mockAssistantServer{
		handlers: map[string]func(int, *http.Request, []byte) (int, string){},
		counts:   map[string]int{},
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		key := r.Method + " " + r.URL.Path

		m.mu.Lock()
		m.requests = append(m.requests, recordedRequest{
			Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: body, Beta: r.Header.Get("OpenAI-Beta"),
		})
		m.counts[key]++
		call := m.counts[key]
		handler, ok := m.handlers[key]
		m.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error": {"message": "not found"}}`))
			return
		}
		status, response := handler(call, r, body)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(m.Close)
	return m
}

func (m *mockAssistantServer) handle(method, path string, handler func(call int, r *http.Request, body []byte) (int, string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method+" "+path] = handler
}

func (m *mockAssistantServer) reply(method, path string, status int, response string) {
	m.handle(method, path, func(int, *http.Request, []byte) (int, string) { return status, response })
}

func (m *mockAssistantServer) count(method, path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[method+" "+path]
}

func (m *mockAssistantServer) recorded() []recordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]recordedRequest(nil), m.requests...)
}

func noSleepRetrier() *resilience.Retrier {
	return resilience.NewRetrier(resilience.DefaultRetryConfig(), zap.NewNop()).
		WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() })
}

func newTestClient(t *testing.T, server *mockAssistantServer, config Config) *Client {
	t.Helper()
	config.APIKey = "sk-test" // pragma: allowlist secret
	config.BaseURL = server.URL + "/v1"
	client, err := NewClient(config, noSleepRetrier(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return client
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(Config{}, nil, zap.NewNop())
	require.Error(t, err)

	client, err := NewClient(Config{APIKey: "sk-test"}, nil, nil) // pragma: allowlist secret
	require.NoError(t, err)
	assert.Equal(t, DefaultRewriteModel, client.rewriteModel)
	assert.Nil(t, client.chatRetrier)

	client, err = NewClient(Config{APIKey: "sk-test", RetryChatCalls: true}, nil, nil) // pragma: allowlist secret
	require.NoError(t, err)
	assert.NotNil(t, client.chatRetrier)
}

func TestClient_CreateThreadAndPostMessage(t *testing.T) {
	server := newMockAssistantServer(t)
	server.reply(http.MethodPost, "/v1/threads", http.StatusOK, `{"id": "thread_1", "object": "thread"}`)
	server.reply(http.MethodPost, "/v1/threads/thread_1/messages", http.StatusOK, `{"id": "msg_1", "role": "user"}`)
	client := newTestClient(t, server, Config{})

	threadID, err := client.CreateThread(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "thread_1", threadID)

	messageID, err := client.PostMessage(context.Background(), threadID, RoleUser, "I run a physio clinic")
	require.NoError(t, err)
	assert.Equal(t, "msg_1", messageID)

	requests := server.recorded()
	require.Len(t, requests, 2)
	assert.Equal(t, "assistants=v2", requests[1].Beta)

	var body map[string]any
	require.NoError(t, json.Unmarshal(requests[1].Body, &body))
	assert.Equal(t, "user", body["role"])
	assert.Equal(t, "I run a physio clinic", body["content"])
}

func TestClient_PostMessageFallsBackToPayloadShape(t *testing.T) {
	server := newMockAssistantServer(t)
	server.handle(http.MethodPost, "/v1/threads/thread_1/messages", func(call int, _ *http.Request, _ []byte) (int, string) {
		if call == 1 {
			return http.StatusBadRequest, `{"error": {"message": "unrecognized request argument"}}`
		}
		return http.StatusOK, `{"id": "msg_2"}`
	})
	client := newTestClient(t, server, Config{})

	messageID, err := client.PostMessage(context.Background(), "thread_1", RoleUser, "hello")

	require.NoError(t, err)
	assert.Equal(t, "msg_2", messageID)
	assert.Equal(t, 2, server.count(http.MethodPost, "/v1/threads/thread_1/messages"))

	// thread_id routes the payload shape and never reaches the body
	var body map[string]any
	require.NoError(t, json.Unmarshal(server.recorded()[1].Body, &body))
	assert.NotContains(t, body, "thread_id")
	assert.Equal(t, "hello", body["content"])
}

func TestClient_BothShapesRejected(t *testing.T) {
	server := newMockAssistantServer(t)
	server.reply(http.MethodGet, "/v1/threads/thread_1/runs/run_1", http.StatusNotFound, `{"error": {"message": "No run found"}}`)
	client := newTestClient(t, server, Config{})

	_, err := client.GetRun(context.Background(), "thread_1", "run_1")

	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "No run found", apiErr.Message)
	assert.Equal(t, 2, server.count(http.MethodGet, "/v1/threads/thread_1/runs/run_1"))
}

func TestClient_ChatPathDoesNotRetryTransientFailures(t *testing.T) {
	server := newMockAssistantServer(t)
	server.reply(http.MethodPost, "/v1/threads", http.StatusServiceUnavailable, `{"error": {"message": "overloaded"}}`)
	client := newTestClient(t, server, Config{})

	_, err := client.CreateThread(context.Background())

	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resilience.StatusCode(err))
	// one call per shape, no backoff retries
	assert.Equal(t, 2, server.count(http.MethodPost, "/v1/threads"))
}

func TestClient_ChatPathRetryOptIn(t *testing.T) {
	server := newMockAssistantServer(t)
	server.handle(http.MethodPost, "/v1/threads", func(call int, _ *http.Request, _ []byte) (int, string) {
		if call <= 2 {
			return http.StatusServiceUnavailable, `{"error": {"message": "overloaded"}}`
		}
		return http.StatusOK, `{"id": "thread_9"}`
	})
	client := newTestClient(t, server, Config{RetryChatCalls: true})

	threadID, err := client.CreateThread(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "thread_9", threadID)
	assert.Equal(t, 3, server.count(http.MethodPost, "/v1/threads"))
}

func TestClient_StartRunWithVectorStoreUsesPayloadShape(t *testing.T) {
	server := newMockAssistantServer(t)
	server.reply(http.MethodPost, "/v1/threads/thread_1/runs", http.StatusOK,
		`{"id": "run_1", "thread_id": "thread_1", "status": "queued"}`)
	client := newTestClient(t, server, Config{})

	run, err := client.StartRun(context.Background(), "thread_1", RunRequest{
		AssistantID:   "asst_1",
		Instructions:  "Be a careful marketing coach.",
		VectorStoreID: "vs_1",
	})

	require.NoError(t, err)
	assert.Equal(t, "run_1", run.ID)
	assert.Equal(t, StatusQueued, run.Status)

	requests := server.recorded()
	require.Len(t, requests, 1)

	var body struct {
		AssistantID   string `json:"assistant_id"`
		Instructions  string `json:"instructions"`
		ToolResources struct {
			FileSearch struct {
				VectorStoreIDs []string `json:"vector_store_ids"`
			} `json:"file_search"`
		} `json:"tool_resources"`
	}
	require.NoError(t, json.Unmarshal(requests[0].Body, &body))
	assert.Equal(t, "asst_1", body.AssistantID)
	assert.Equal(t, []string{"vs_1"}, body.ToolResources.FileSearch.VectorStoreIDs)
}

func TestClient_StartRunWithoutVectorStore(t *testing.T) {
	server := newMockAssistantServer(t)
	server.reply(http.MethodPost, "/v1/threads/thread_1/runs", http.StatusOK,
		`{"id": "run_2", "thread_id": "thread_1", "status": "in_progress"}`)
	client := newTestClient(t, server, Config{})

	run, err := client.StartRun(context.Background(), "thread_1", RunRequest{AssistantID: "asst_1"})

	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, run.Status)

	var body map[string]any
	require.NoError(t, json.Unmarshal(server.recorded()[0].Body, &body))
	assert.NotContains(t, body, "tool_resources")
}

func TestClient_ListMessagesAndRuns(t *testing.T) {
	server := newMockAssistantServer(t)
	server.reply(http.MethodGet, "/v1/threads/thread_1/messages", http.StatusOK, `{
		"object": "list",
		"data": [
			{"id": "msg_3", "role": "assistant", "content": [
				{"type": "text", "text": {"value": "First part.", "annotations": []}},
				{"type": "image_file", "image_file": {"file_id": "file_1"}},
				{"type": "text", "text": {"value": "Second part.", "annotations": []}}
			]},
			{"id": "msg_2", "role": "user", "content": [{"type": "text", "text": {"value": "hi", "annotations": []}}]}
		]
	}`)
	server.reply(http.MethodGet, "/v1/threads/thread_1/runs", http.StatusOK, `{
		"object": "list",
		"data": [{"id": "run_2", "status": "completed"}, {"id": "run_1", "status": "failed", "last_error": {"code": "server_error", "message": "boom"}}]
	}`)
	client := newTestClient(t, server, Config{})

	messages, err := client.ListMessages(context.Background(), "thread_1", 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, RoleAssistant, messages[0].Role)
	assert.Equal(t, "First part.\nSecond part.", messages[0].Text())
	assert.Contains(t, server.recorded()[0].Query, "limit=10")
	assert.Contains(t, server.recorded()[0].Query, "order=desc")

	runs, err := client.ListRuns(context.Background(), "thread_1", 20)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, StatusFailed, runs[1].Status)
	assert.Equal(t, "boom", runs[1].LastError)
}

func TestClient_Rewrite(t *testing.T) {
	server := newMockAssistantServer(t)
	server.handle(http.MethodPost, "/v1/chat/completions", func(_ int, _ *http.Request, body []byte) (int, string) {
		var req map[string]any
		_ = json.Unmarshal(body, &req)
		if req["model"] != DefaultRewriteModel {
			return http.StatusBadRequest, `{"error": {"message": "wrong model"}}`
		}
		return http.StatusOK, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "  We offer experienced care.  "}, "finish_reason": "stop"}]
		}`
	})
	client := newTestClient(t, server, Config{})

	rewritten, err := client.Rewrite(context.Background(), "rewrite compliantly", "We are the best.")

	require.NoError(t, err)
	assert.Equal(t, "We offer experienced care.", rewritten)
}

func TestClient_UploadDocumentRetriesTransientFailures(t *testing.T) {
	server := newMockAssistantServer(t)
	server.handle(http.MethodPost, "/v1/files", func(call int, _ *http.Request, _ []byte) (int, string) {
		if call <= 2 {
			return http.StatusServiceUnavailable, `{"error": {"message": "try again"}}`
		}
		return http.StatusOK, `{"id": "file_1", "object": "file", "purpose": "assistants"}`
	})
	server.reply(http.MethodPost, "/v1/vector_stores/vs_1/files", http.StatusOK,
		`{"id": "file_1", "object": "vector_store.file", "vector_store_id": "vs_1"}`)
	client := newTestClient(t, server, Config{VectorStoreID: "vs_1"})

	result, err := client.UploadDocument(context.Background(), Document{Filename: "ads.md", Content: []byte("# Advertising")})

	require.NoError(t, err)
	assert.Equal(t, UploadResult{FileID: "file_1", VectorStoreID: "vs_1"}, result)
	assert.Equal(t, 3, server.count(http.MethodPost, "/v1/files"))
	assert.Equal(t, 1, server.count(http.MethodPost, "/v1/vector_stores/vs_1/files"))
}

func TestClient_UploadDocumentNonRetriable(t *testing.T) {
	server := newMockAssistantServer(t)
	server.reply(http.MethodPost, "/v1/files", http.StatusBadRequest, `{"error": {"message": "invalid file"}}`)
	client := newTestClient(t, server, Config{VectorStoreID: "vs_1"})

	_, err := client.UploadDocument(context.Background(), Document{Filename: "ads.md", Content: []byte("x")})

	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resilience.StatusCode(err))
	assert.Equal(t, 1, server.count(http.MethodPost, "/v1/files"))
}

func TestClient_UploadDocumentValidation(t *testing.T) {
	server := newMockAssistantServer(t)
	client := newTestClient(t, server, Config{})

	_, err := client.UploadDocument(context.Background(), Document{Filename: "a.md", Content: []byte("x")})
	require.Error(t, err)

	client = newTestClient(t, server, Config{VectorStoreID: "vs_1"})
	_, err = client.UploadDocument(context.Background(), Document{Filename: "a.md"})
	require.Error(t, err)
	assert.Empty(t, server.recorded())
}

func TestResolvePath(t *testing.T) {
	path, rest, err := resolvePath("/threads/{thread_id}/runs/{run_id}", map[string]any{
		"thread_id": "thread_1", "run_id": "run_1", "limit": 5,
	})
	require.NoError(t, err)
	assert.Equal(t, "/threads/thread_1/runs/run_1", path)
	assert.Equal(t, map[string]any{"limit": 5}, rest)

	_, _, err = resolvePath("/threads/{thread_id}/runs", map[string]any{})
	require.Error(t, err)
}

func TestMessageText(t *testing.T) {
	msg := Message{Content: []ContentBlock{
		{Type: "image_file"},
		{Type: ContentTypeText, Text: "  Hello"},
		{Type: ContentTypeText, Text: "world  "},
	}}
	assert.Equal(t, "Hello\nworld", msg.Text())
	assert.Equal(t, "", Message{}.Text())
}

func TestRunStatusTerminal(t *testing.T) {
	for _, status := range []RunStatus{StatusCompleted, StatusFailed, StatusCancelled, StatusExpired, StatusIncomplete} {
		assert.True(t, status.Terminal(), status)
	}
	for _, status := range []RunStatus{StatusQueued, StatusInProgress, StatusRequiresAction, StatusCancelling} {
		assert.False(t, status.Terminal(), status)
	}
}
