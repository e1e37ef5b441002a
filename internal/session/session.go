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

// Package session tracks per-conversation context (the user's profession and
// region) learned from chat messages, with bounded in-memory storage.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned when a session key is unknown or expired
var ErrNotFound = errors.New("session not found")

// Config holds configuration for session management
type Config struct {
	DefaultTTL      time.Duration `json:"default_ttl"`
	MaxSessions     int           `json:"max_sessions"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// DefaultConfig returns default session configuration
func DefaultConfig() Config {
	return Config{
		DefaultTTL:      24 * time.Hour,
		MaxSessions:     10000,
		CleanupInterval: 5 * time.Minute,
	}
}

// Facts are the structured details known about the user
type Facts struct {
	Profession string `json:"profession,omitempty"`
	Region     string `json:"region,omitempty"`
}

// IsZero reports whether no fact is known
func (f Facts) IsZero() bool {
	return f.Profession == "" && f.Region == ""
}

// Merge overlays the non-empty fields of update. A known field is never
// cleared, only replaced by a newly detected value.
func (f Facts) Merge(update Facts) Facts {
	if update.Profession != "" {
		f.Profession = update.Profession
	}
	if update.Region != "" {
		f.Region = update.Region
	}
	return f
}

// Session is the accumulated context for one session key
type Session struct {
	Key string `json:"key"`
	Facts
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store defines the interface for session storage backends
type Store interface {
	// GetOrCreate returns the session for key, inserting an empty one if needed
	GetOrCreate(ctx context.Context, key string) (*Session, error)
	// Get returns the session for key or ErrNotFound
	Get(ctx context.Context, key string) (*Session, error)
	// Merge atomically overlays facts onto the session, creating it if needed
	Merge(ctx context.Context, key string, facts Facts) (*Session, error)
	// Delete removes a session
	Delete(ctx context.Context, key string) error
	// Cleanup removes expired sessions and returns how many were removed
	Cleanup(ctx context.Context) (int, error)
	// Len returns the number of live sessions
	Len() int
	// Close releases the store
	Close() error
}

// Manager owns a Store, keeps it clean and feeds it facts from messages
type Manager struct {
	store  Store
	config Config
	logger *zap.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewManager creates a session manager. A nil store selects a MemoryStore.
func NewManager(config Config, store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewMemoryStore(config)
	}

	manager := &Manager{
		store:  store,
		config: config,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	if config.CleanupInterval > 0 {
		manager.wg.Add(1)
		go manager.cleanupLoop()
	}

	return manager
}

// Observe extracts facts from text and folds them into the session for key
func (m *Manager) Observe(ctx context.Context, key, text string) (*Session, error) {
	facts := Extract(text)
	if facts.IsZero() {
		return m.store.GetOrCreate(ctx, key)
	}

	session, err := m.store.Merge(ctx, key, facts)
	if err != nil {
		return nil, err
	}

	m.logger.Debug("Learned session facts",
		zap.String("session_key", key),
		zap.String("profession", facts.Profession),
		zap.String("region", facts.Region))

	return session, nil
}

// Get returns the session for key
func (m *Manager) Get(ctx context.Context, key string) (*Session, error) {
	return m.store.Get(ctx, key)
}

// Count returns the number of live sessions
func (m *Manager) Count() int {
	return m.store.Len()
}

// Close stops the cleanup loop and closes the store
func (m *Manager) Close() error {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	return m.store.Close()
}

// cleanupLoop periodically removes expired sessions
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			removed, err := m.store.Cleanup(ctx)
			cancel()
			if err != nil {
				m.logger.Error("Failed to cleanup expired sessions", zap.Error(err))
				continue
			}
			if removed > 0 {
				m.logger.Debug("Cleaned up expired sessions", zap.Int("removed", removed))
			}
		case <-m.stopCh:
			return
		}
	}
}
