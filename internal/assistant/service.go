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

// Package assistant talks to the remote conversational-assistant service:
// threads, messages, asynchronous runs, the compliance rewrite call and
// knowledge-store uploads.
package assistant

import (
	"context"
	"strings"
)

// RunStatus is the lifecycle status of a run
type RunStatus string

// Run statuses reported by the remote service
const (
	StatusQueued         RunStatus = "queued"
	StatusInProgress     RunStatus = "in_progress"
	StatusRequiresAction RunStatus = "requires_action"
	StatusCancelling     RunStatus = "cancelling"
	StatusCompleted      RunStatus = "completed"
	StatusFailed         RunStatus = "failed"
	StatusCancelled      RunStatus = "cancelled"
	StatusExpired        RunStatus = "expired"
	StatusIncomplete     RunStatus = "incomplete"
)

// Terminal reports whether a run in this status will never change again
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired, StatusIncomplete:
		return true
	default:
		return false
	}
}

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ContentTypeText marks a text content block
const ContentTypeText = "text"

// Run is one asynchronous execution of the assistant against a thread
type Run struct {
	ID        string
	ThreadID  string
	Status    RunStatus
	LastError string
}

// ContentBlock is a typed piece of message content
type ContentBlock struct {
	Type string
	Text string
}

// Message is an immutable entry in a thread
type Message struct {
	ID      string
	Role    string
	Content []ContentBlock
}

// Text concatenates the message's text blocks in order, newline separated
// and trimmed. Non-text blocks are ignored.
func (m Message) Text() string {
	parts := make([]string, 0, len(m.Content))
	for _, block := range m.Content {
		if block.Type != ContentTypeText || block.Text == "" {
			continue
		}
		parts = append(parts, block.Text)
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// RunRequest describes a run to start. VectorStoreID is optional.
type RunRequest struct {
	AssistantID   string
	Instructions  string
	VectorStoreID string
}

// Service is the capability set a chat turn needs from the remote assistant.
// ListMessages returns newest first.
type Service interface {
	CreateThread(ctx context.Context) (string, error)
	PostMessage(ctx context.Context, threadID, role, content string) (string, error)
	ListMessages(ctx context.Context, threadID string, limit int) ([]Message, error)
	StartRun(ctx context.Context, threadID string, req RunRequest) (Run, error)
	GetRun(ctx context.Context, threadID, runID string) (Run, error)
	ListRuns(ctx context.Context, threadID string, limit int) ([]Run, error)
}

// Document is a file headed for the knowledge store
type Document struct {
	Filename string
	Content  []byte
}

// UploadResult identifies an uploaded document
type UploadResult struct {
	FileID        string
	VectorStoreID string
}
