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

package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore provides in-memory session storage with TTL expiry and LRU eviction
type MemoryStore struct {
	sessions    map[string]*Session
	accessTime  map[string]time.Time
	maxSessions int
	ttl         time.Duration
	mutex       sync.Mutex
	now         func() time.Time
}

// NewMemoryStore creates a new in-memory session store
func NewMemoryStore(config Config) *MemoryStore {
	defaults := DefaultConfig()
	if config.MaxSessions <= 0 {
		config.MaxSessions = defaults.MaxSessions
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = defaults.DefaultTTL
	}

	return &MemoryStore{
		sessions:    make(map[string]*Session),
		accessTime:  make(map[string]time.Time),
		maxSessions: config.MaxSessions,
		ttl:         config.DefaultTTL,
		now:         time.Now,
	}
}

// GetOrCreate returns the session for key, inserting an empty one if needed
func (m *MemoryStore) GetOrCreate(_ context.Context, key string) (*Session, error) {
	if key == "" {
		return nil, fmt.Errorf("session key is required")
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	return copySession(m.lookupOrInsert(key)), nil
}

// Get returns the session for key or ErrNotFound
func (m *MemoryStore) Get(_ context.Context, key string) (*Session, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	session, ok := m.live(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	m.touch(key, session)
	return copySession(session), nil
}

// Merge overlays facts under the store lock, creating the session if needed
func (m *MemoryStore) Merge(_ context.Context, key string, facts Facts) (*Session, error) {
	if key == "" {
		return nil, fmt.Errorf("session key is required")
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	session := m.lookupOrInsert(key)
	session.Facts = session.Facts.Merge(facts)
	session.UpdatedAt = m.now()
	return copySession(session), nil
}

// Delete removes a session
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, ok := m.sessions[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	delete(m.sessions, key)
	delete(m.accessTime, key)
	return nil
}

// Cleanup removes expired sessions
func (m *MemoryStore) Cleanup(_ context.Context) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.now()
	removed := 0
	for key, session := range m.sessions {
		if !session.ExpiresAt.After(now) {
			delete(m.sessions, key)
			delete(m.accessTime, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored sessions that have not expired
func (m *MemoryStore) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.now()
	count := 0
	for _, session := range m.sessions {
		if session.ExpiresAt.After(now) {
			count++
		}
	}
	return count
}

// Close clears all sessions
func (m *MemoryStore) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.sessions = make(map[string]*Session)
	m.accessTime = make(map[string]time.Time)
	return nil
}

// live returns the unexpired session for key; caller holds the lock
func (m *MemoryStore) live(key string) (*Session, bool) {
	session, ok := m.sessions[key]
	if !ok {
		return nil, false
	}
	if !session.ExpiresAt.After(m.now()) {
		delete(m.sessions, key)
		delete(m.accessTime, key)
		return nil, false
	}
	return session, true
}

// lookupOrInsert returns the live session for key, inserting a fresh one if
// needed; caller holds the lock
func (m *MemoryStore) lookupOrInsert(key string) *Session {
	if session, ok := m.live(key); ok {
		m.touch(key, session)
		return session
	}

	if len(m.sessions) >= m.maxSessions {
		m.evictOldestSession()
	}

	now := m.now()
	session := &Session{
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	m.sessions[key] = session
	m.accessTime[key] = now
	return session
}

// touch refreshes LRU position and TTL; caller holds the lock
func (m *MemoryStore) touch(key string, session *Session) {
	now := m.now()
	m.accessTime[key] = now
	session.ExpiresAt = now.Add(m.ttl)
}

// evictOldestSession removes the least recently used session
func (m *MemoryStore) evictOldestSession() {
	var oldestKey string
	var oldestTime time.Time

	for key, accessed := range m.accessTime {
		if oldestKey == "" || accessed.Before(oldestTime) {
			oldestKey = key
			oldestTime = accessed
		}
	}

	if oldestKey != "" {
		delete(m.sessions, oldestKey)
		delete(m.accessTime, oldestKey)
	}
}

func copySession(session *Session) *Session {
	sessionCopy := *session
	return &sessionCopy
}
