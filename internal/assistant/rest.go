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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const assistantsBetaHeader = "assistants=v2"

// restTransport issues payload-shaped calls: one JSON object whose routing
// fields (thread_id, run_id) name the resource and the rest form the body or query.
type restTransport struct {
	baseURL    string
	apiKey     string
	orgID      string
	httpClient *http.Client
}

func newRESTTransport(baseURL, apiKey, orgID string, httpClient *http.Client) *restTransport {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &restTransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		orgID:      orgID,
		httpClient: httpClient,
	}
}

// resolvePath substitutes {field} placeholders from payload and returns the
// remaining fields. Routing fields must be non-empty strings.
func resolvePath(template string, payload map[string]any) (string, map[string]any, error) {
	rest := make(map[string]any, len(payload))
	for k, v := range payload {
		rest[k] = v
	}

	path := template
	for {
		start := strings.Index(path, "{")
		if start < 0 {
			break
		}
		end := strings.Index(path[start:], "}")
		if end < 0 {
			return "", nil, fmt.Errorf("malformed route %q", template)
		}
		field := path[start+1 : start+end]
		value, ok := rest[field].(string)
		if !ok || value == "" {
			return "", nil, fmt.Errorf("payload missing routing field %q", field)
		}
		delete(rest, field)
		path = path[:start] + url.PathEscape(value) + path[start+end+1:]
	}
	return path, rest, nil
}

func (t *restTransport) send(ctx context.Context, op, method, route string, payload map[string]any, out any) error {
	path, fields, err := resolvePath(route, payload)
	if err != nil {
		return &APIError{Op: op, Message: err.Error(), Err: err}
	}

	endpoint := t.baseURL + path
	var body io.Reader
	if method == http.MethodGet {
		if len(fields) > 0 {
			query := url.Values{}
			for k, v := range fields {
				query.Set(k, fmt.Sprint(v))
			}
			endpoint += "?" + query.Encode()
		}
	} else {
		encoded, err := json.Marshal(fields)
		if err != nil {
			return &APIError{Op: op, Message: "failed to encode payload", Err: err}
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return &APIError{Op: op, Message: "failed to build request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("OpenAI-Beta", assistantsBetaHeader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.orgID != "" {
		req.Header.Set("OpenAI-Organization", t.orgID)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return &APIError{Op: op, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Op: op, StatusCode: resp.StatusCode, Message: "failed to read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(data, resp.Status)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &APIError{Op: op, StatusCode: resp.StatusCode, Message: "failed to decode response", Err: err}
	}
	return nil
}

// errorMessage extracts error.message from an error body, falling back to the status text
func errorMessage(data []byte, status string) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return status
}
