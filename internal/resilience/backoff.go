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

// Package resilience provides retry with exponential backoff and the shared
// error taxonomy used by the marketing coach services.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	// DefaultMaxRetries is the default number of retries after the first attempt
	DefaultMaxRetries = 5
	// DefaultBaseDelay is the delay before the first retry
	DefaultBaseDelay = 600 * time.Millisecond
	// DefaultMaxDelaySeconds caps a single backoff delay
	DefaultMaxDelaySeconds = 30
	// DefaultMultiplier is the exponential backoff multiplier
	DefaultMultiplier = 2.0
)

// RetryConfig holds configuration for exponential backoff retry logic
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	RetryOn    func(error) bool
}

// DefaultRetryConfig returns 5 retries starting at 600ms and doubling per retry
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelaySeconds * time.Second,
		Multiplier: DefaultMultiplier,
		RetryOn:    IsTransient,
	}
}

// StatusCoder is implemented by errors that carry an HTTP-equivalent status code
type StatusCoder interface {
	HTTPStatus() int
}

// StatusCode returns the status code carried by err or any error it wraps, or 0
func StatusCode(err error) int {
	var coder StatusCoder
	if errors.As(err, &coder) {
		return coder.HTTPStatus()
	}
	return 0
}

// IsTransient reports whether err carries a status in {429, 500, 502, 503, 504}
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch StatusCode(err) {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the context-aware default SleepFunc
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retrier executes operations with exponential backoff on transient failures
type Retrier struct {
	config RetryConfig
	logger *zap.Logger
	sleep  SleepFunc
}

// NewRetrier creates a retrier; zero fields in config fall back to the defaults
func NewRetrier(config RetryConfig, logger *zap.Logger) *Retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultRetryConfig()
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaults.BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.Multiplier <= 1 {
		config.Multiplier = defaults.Multiplier
	}
	if config.RetryOn == nil {
		config.RetryOn = defaults.RetryOn
	}

	return &Retrier{
		config: config,
		logger: logger,
		sleep:  Sleep,
	}
}

// WithSleep replaces the wait function, mainly for tests
func (r *Retrier) WithSleep(sleep SleepFunc) *Retrier {
	clone := *r
	clone.sleep = sleep
	return &clone
}

// Config returns the effective configuration
func (r *Retrier) Config() RetryConfig {
	return r.config
}

// schedule builds a deterministic exponential schedule: BaseDelay * Multiplier^attempt
func (r *Retrier) schedule() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(r.config.BaseDelay),
		backoff.WithMultiplier(r.config.Multiplier),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxInterval(r.config.MaxDelay),
		backoff.WithMaxElapsedTime(0),
	)
}

// Do runs fn, retrying transient failures. Non-retriable failures are
// returned unchanged on first occurrence.
func (r *Retrier) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	schedule := r.schedule()
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				r.logger.Info("Operation succeeded after retry",
					zap.String("operation", operation),
					zap.Int("attempt", attempt+1))
			}
			return nil
		}

		lastErr = err

		if !r.config.RetryOn(err) {
			return err
		}

		if attempt == r.config.MaxRetries {
			break
		}

		delay := schedule.NextBackOff()
		r.logger.Warn("Retrying after transient failure",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", r.config.MaxRetries),
			zap.Int("status_code", StatusCode(err)),
			zap.Duration("delay", delay),
			zap.Error(err))

		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}

	r.logger.Error("All retry attempts exhausted",
		zap.String("operation", operation),
		zap.Int("total_attempts", r.config.MaxRetries+1),
		zap.Error(lastErr))

	return fmt.Errorf("%s failed after %d attempts: %w", operation, r.config.MaxRetries+1, lastErr)
}

// WithRetry is the value-returning form of Retrier.Do
func WithRetry[T any](ctx context.Context, r *Retrier, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, operation, func(ctx context.Context) error {
		value, err := fn(ctx)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	return result, err
}
