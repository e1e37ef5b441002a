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

	"go.uber.org/zap"

	"github.com/your-org/marketing-coach/internal/resilience"
)

// Call shape names
const (
	ShapePositional = "positional"
	ShapePayload    = "payload"
)

// Shape is one argument convention for issuing a remote operation
type Shape[T any] struct {
	Name string
	Call func(ctx context.Context) (T, error)
}

// Invoke tries each shape in order and returns the first success. Every call
// re-runs the full sequence; the winning shape is never remembered. When
// retrier is non-nil each shape is individually wrapped by it.
func Invoke[T any](ctx context.Context, logger *zap.Logger, retrier *resilience.Retrier, op string, shapes ...Shape[T]) (T, error) {
	var zero T
	if len(shapes) == 0 {
		return zero, fmt.Errorf("%s: no call shapes configured", op)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var lastErr error
	for i, shape := range shapes {
		var (
			value T
			err   error
		)
		if retrier != nil {
			value, err = resilience.WithRetry(ctx, retrier, op+" ("+shape.Name+")", shape.Call)
		} else {
			value, err = shape.Call(ctx)
		}
		if err == nil {
			if i > 0 {
				logger.Debug("Fallback call shape accepted",
					zap.String("operation", op),
					zap.String("shape", shape.Name))
			}
			return value, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return zero, err
		}

		logger.Warn("Call shape rejected",
			zap.String("operation", op),
			zap.String("shape", shape.Name),
			zap.Int("remaining", len(shapes)-i-1),
			zap.Error(err))
	}

	return zero, fmt.Errorf("%s: %w", op, lastErr)
}
