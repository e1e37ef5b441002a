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
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// ErrShapeUnsupported is returned locally when a call shape cannot express a request
var ErrShapeUnsupported = errors.New("request not expressible in this call shape")

// APIError is a normalized remote failure. StatusCode is 0 when the failure
// never reached the remote service.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Unwrap returns the underlying error
func (e *APIError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP-equivalent status code used by the retry policy
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

// normalizeError converts SDK and transport failures into *APIError
func normalizeError(op string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return err
	}

	var sdkErr *openai.APIError
	if errors.As(err, &sdkErr) {
		return &APIError{Op: op, StatusCode: sdkErr.HTTPStatusCode, Message: sdkErr.Message, Err: err}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		message := string(reqErr.Body)
		if reqErr.Err != nil {
			message = reqErr.Err.Error()
		}
		return &APIError{Op: op, StatusCode: reqErr.HTTPStatusCode, Message: message, Err: err}
	}

	return &APIError{Op: op, Message: err.Error(), Err: err}
}
