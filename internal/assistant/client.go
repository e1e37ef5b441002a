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
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/your-org/marketing-coach/internal/resilience"
)

const (
	// DefaultBaseURL is the public OpenAI API endpoint
	DefaultBaseURL = "https://api.openai.com/v1"
	// DefaultRewriteModel is used for the compliance rewrite pass
	DefaultRewriteModel = openai.GPT4oMini
	// RewriteTemperature keeps rewrites close to the source copy
	RewriteTemperature = 0.2

	orderNewestFirst = "desc"
)

// Config configures a Client
type Config struct {
	APIKey        string
	BaseURL       string
	OrgID         string
	VectorStoreID string
	RewriteModel  string
	// RetryChatCalls wraps chat-path call shapes in the retrier as well
	RetryChatCalls bool
	HTTPClient     *http.Client
}

// Client implements Service over go-openai, with a raw REST transport as the
// payload-shaped fallback for every chat-path operation.
type Client struct {
	sdk           *openai.Client
	rest          *restTransport
	logger        *zap.Logger
	retrier       *resilience.Retrier
	chatRetrier   *resilience.Retrier
	rewriteModel  string
	vectorStoreID string
}

// NewClient creates a remote assistant client. retrier guards the upload path.
func NewClient(config Config, retrier *resilience.Retrier, logger *zap.Logger) (*Client, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if retrier == nil {
		retrier = resilience.NewRetrier(resilience.DefaultRetryConfig(), logger)
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.RewriteModel == "" {
		config.RewriteModel = DefaultRewriteModel
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}

	sdkConfig := openai.DefaultConfig(config.APIKey)
	sdkConfig.BaseURL = strings.TrimRight(config.BaseURL, "/")
	sdkConfig.OrgID = config.OrgID
	sdkConfig.HTTPClient = config.HTTPClient

	client := &Client{
		sdk:           openai.NewClientWithConfig(sdkConfig),
		rest:          newRESTTransport(config.BaseURL, config.APIKey, config.OrgID, config.HTTPClient),
		logger:        logger,
		retrier:       retrier,
		rewriteModel:  config.RewriteModel,
		vectorStoreID: config.VectorStoreID,
	}
	if config.RetryChatCalls {
		client.chatRetrier = retrier
	}

	logger.Info("Assistant client initialized",
		zap.String("base_url", sdkConfig.BaseURL),
		zap.String("rewrite_model", config.RewriteModel),
		zap.Bool("vector_store_configured", config.VectorStoreID != ""),
		zap.Bool("retry_chat_calls", config.RetryChatCalls))

	return client, nil
}

// CreateThread creates an empty conversation thread
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	const op = "create thread"
	return Invoke(ctx, c.logger, c.chatRetrier, op,
		Shape[string]{Name: ShapePositional, Call: func(ctx context.Context) (string, error) {
			thread, err := c.sdk.CreateThread(ctx, openai.ThreadRequest{})
			if err != nil {
				return "", normalizeError(op, err)
			}
			return thread.ID, nil
		}},
		Shape[string]{Name: ShapePayload, Call: func(ctx context.Context) (string, error) {
			var thread openai.Thread
			if err := c.rest.send(ctx, op, http.MethodPost, "/threads", map[string]any{}, &thread); err != nil {
				return "", err
			}
			return thread.ID, nil
		}},
	)
}

// PostMessage appends a message to a thread and returns its id
func (c *Client) PostMessage(ctx context.Context, threadID, role, content string) (string, error) {
	const op = "create message"
	return Invoke(ctx, c.logger, c.chatRetrier, op,
		Shape[string]{Name: ShapePositional, Call: func(ctx context.Context) (string, error) {
			msg, err := c.sdk.CreateMessage(ctx, threadID, openai.MessageRequest{Role: role, Content: content})
			if err != nil {
				return "", normalizeError(op, err)
			}
			return msg.ID, nil
		}},
		Shape[string]{Name: ShapePayload, Call: func(ctx context.Context) (string, error) {
			var msg openai.Message
			payload := map[string]any{"thread_id": threadID, "role": role, "content": content}
			if err := c.rest.send(ctx, op, http.MethodPost, "/threads/{thread_id}/messages", payload, &msg); err != nil {
				return "", err
			}
			return msg.ID, nil
		}},
	)
}

// ListMessages returns up to limit messages, newest first
func (c *Client) ListMessages(ctx context.Context, threadID string, limit int) ([]Message, error) {
	const op = "list messages"
	return Invoke(ctx, c.logger, c.chatRetrier, op,
		Shape[[]Message]{Name: ShapePositional, Call: func(ctx context.Context) ([]Message, error) {
			order := orderNewestFirst
			list, err := c.sdk.ListMessage(ctx, threadID, &limit, &order, nil, nil, nil)
			if err != nil {
				return nil, normalizeError(op, err)
			}
			return convertMessages(list.Messages), nil
		}},
		Shape[[]Message]{Name: ShapePayload, Call: func(ctx context.Context) ([]Message, error) {
			var list openai.MessagesList
			payload := map[string]any{"thread_id": threadID, "limit": limit, "order": orderNewestFirst}
			if err := c.rest.send(ctx, op, http.MethodGet, "/threads/{thread_id}/messages", payload, &list); err != nil {
				return nil, err
			}
			return convertMessages(list.Messages), nil
		}},
	)
}

// StartRun starts a run. A retrieval resource can only be expressed in the
// payload shape, so the positional shape rejects such requests locally.
func (c *Client) StartRun(ctx context.Context, threadID string, req RunRequest) (Run, error) {
	const op = "create run"
	return Invoke(ctx, c.logger, c.chatRetrier, op,
		Shape[Run]{Name: ShapePositional, Call: func(ctx context.Context) (Run, error) {
			if req.VectorStoreID != "" {
				return Run{}, &APIError{Op: op, Message: "tool resources unsupported", Err: ErrShapeUnsupported}
			}
			run, err := c.sdk.CreateRun(ctx, threadID, openai.RunRequest{
				AssistantID:  req.AssistantID,
				Instructions: req.Instructions,
			})
			if err != nil {
				return Run{}, normalizeError(op, err)
			}
			return convertRun(run), nil
		}},
		Shape[Run]{Name: ShapePayload, Call: func(ctx context.Context) (Run, error) {
			payload := map[string]any{
				"thread_id":    threadID,
				"assistant_id": req.AssistantID,
				"instructions": req.Instructions,
			}
			if req.VectorStoreID != "" {
				payload["tool_resources"] = map[string]any{
					"file_search": map[string]any{"vector_store_ids": []string{req.VectorStoreID}},
				}
			}
			var run openai.Run
			if err := c.rest.send(ctx, op, http.MethodPost, "/threads/{thread_id}/runs", payload, &run); err != nil {
				return Run{}, err
			}
			return convertRun(run), nil
		}},
	)
}

// GetRun retrieves the current state of a run
func (c *Client) GetRun(ctx context.Context, threadID, runID string) (Run, error) {
	const op = "retrieve run"
	return Invoke(ctx, c.logger, c.chatRetrier, op,
		Shape[Run]{Name: ShapePositional, Call: func(ctx context.Context) (Run, error) {
			run, err := c.sdk.RetrieveRun(ctx, threadID, runID)
			if err != nil {
				return Run{}, normalizeError(op, err)
			}
			return convertRun(run), nil
		}},
		Shape[Run]{Name: ShapePayload, Call: func(ctx context.Context) (Run, error) {
			var run openai.Run
			payload := map[string]any{"thread_id": threadID, "run_id": runID}
			if err := c.rest.send(ctx, op, http.MethodGet, "/threads/{thread_id}/runs/{run_id}", payload, &run); err != nil {
				return Run{}, err
			}
			return convertRun(run), nil
		}},
	)
}

// ListRuns returns up to limit recent runs on a thread, newest first
func (c *Client) ListRuns(ctx context.Context, threadID string, limit int) ([]Run, error) {
	const op = "list runs"
	return Invoke(ctx, c.logger, c.chatRetrier, op,
		Shape[[]Run]{Name: ShapePositional, Call: func(ctx context.Context) ([]Run, error) {
			order := orderNewestFirst
			list, err := c.sdk.ListRuns(ctx, threadID, openai.Pagination{Limit: &limit, Order: &order})
			if err != nil {
				return nil, normalizeError(op, err)
			}
			return convertRuns(list.Runs), nil
		}},
		Shape[[]Run]{Name: ShapePayload, Call: func(ctx context.Context) ([]Run, error) {
			var list openai.RunList
			payload := map[string]any{"thread_id": threadID, "limit": limit, "order": orderNewestFirst}
			if err := c.rest.send(ctx, op, http.MethodGet, "/threads/{thread_id}/runs", payload, &list); err != nil {
				return nil, err
			}
			return convertRuns(list.Runs), nil
		}},
	)
}

// Rewrite asks the model to rewrite text under systemPrompt
func (c *Client) Rewrite(ctx context.Context, systemPrompt, text string) (string, error) {
	const op = "rewrite"
	call := func(ctx context.Context) (string, error) {
		resp, err := c.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: c.rewriteModel,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: text},
			},
			Temperature: RewriteTemperature,
		})
		if err != nil {
			return "", normalizeError(op, err)
		}
		if len(resp.Choices) == 0 {
			return "", &APIError{Op: op, Message: "no choices returned"}
		}
		return strings.TrimSpace(resp.Choices[0].Message.Content), nil
	}

	if c.chatRetrier != nil {
		return resilience.WithRetry(ctx, c.chatRetrier, op, call)
	}
	return call(ctx)
}

// UploadDocument uploads a file and attaches it to the configured vector
// store. Both steps run under the retrier.
func (c *Client) UploadDocument(ctx context.Context, doc Document) (UploadResult, error) {
	if c.vectorStoreID == "" {
		return UploadResult{}, fmt.Errorf("vector store id is not configured")
	}
	if len(doc.Content) == 0 {
		return UploadResult{}, fmt.Errorf("document %q is empty", doc.Filename)
	}

	file, err := resilience.WithRetry(ctx, c.retrier, "upload file", func(ctx context.Context) (openai.File, error) {
		file, err := c.sdk.CreateFileBytes(ctx, openai.FileBytesRequest{
			Name:    doc.Filename,
			Bytes:   doc.Content,
			Purpose: openai.PurposeAssistants,
		})
		return file, normalizeError("upload file", err)
	})
	if err != nil {
		return UploadResult{}, err
	}

	_, err = resilience.WithRetry(ctx, c.retrier, "attach file", func(ctx context.Context) (openai.VectorStoreFile, error) {
		attached, err := c.sdk.CreateVectorStoreFile(ctx, c.vectorStoreID, openai.VectorStoreFileRequest{FileID: file.ID})
		return attached, normalizeError("attach file", err)
	})
	if err != nil {
		return UploadResult{}, err
	}

	c.logger.Info("Document uploaded",
		zap.String("filename", doc.Filename),
		zap.String("file_id", file.ID),
		zap.String("vector_store_id", c.vectorStoreID))

	return UploadResult{FileID: file.ID, VectorStoreID: c.vectorStoreID}, nil
}

func convertRun(run openai.Run) Run {
	converted := Run{ID: run.ID, ThreadID: run.ThreadID, Status: RunStatus(run.Status)}
	if run.LastError != nil {
		converted.LastError = run.LastError.Message
	}
	return converted
}

func convertRuns(runs []openai.Run) []Run {
	converted := make([]Run, 0, len(runs))
	for _, run := range runs {
		converted = append(converted, convertRun(run))
	}
	return converted
}

func convertMessages(messages []openai.Message) []Message {
	converted := make([]Message, 0, len(messages))
	for _, msg := range messages {
		m := Message{ID: msg.ID, Role: msg.Role}
		for _, content := range msg.Content {
			block := ContentBlock{Type: content.Type}
			if content.Text != nil {
				block.Text = content.Text.Value
			}
			m.Content = append(m.Content, block)
		}
		converted = append(converted, m)
	}
	return converted
}
