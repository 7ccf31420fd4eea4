// Package profile manages the analyst profile and the calendar and profile
// context that LLM stages receive with every request.
package profile

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrUnknownField is returned by SetField for a key other than name or context.
var ErrUnknownField = errors.New("unknown profile field")

// ProfileStore defines the storage operations the Manager needs.
// Implemented by storage.Store.
type ProfileStore interface {
	SetProfileKey(key, value string) error
	GetProfileKey(key string) (string, error)
	GetAllProfileKeys() (map[string]string, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Manager provides cached access to the profile stored in SQLite.
type Manager struct {
	store ProfileStore
	clock Clock
	ttl   time.Duration

	mu       sync.RWMutex
	cached   *Profile
	cachedAt time.Time
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store ProfileStore) *Manager {
	return NewManagerWithTTL(store, 60*time.Second)
}

// NewManagerWithTTL creates a Manager whose cached profile expires after ttl.
func NewManagerWithTTL(store ProfileStore, ttl time.Duration) *Manager {
	return NewManagerWithClock(store, realClock{}, ttl)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store ProfileStore, clock Clock, ttl time.Duration) *Manager {
	return &Manager{
		store: store,
		clock: clock,
		ttl:   ttl,
	}
}

// GetProfile returns the stored profile, seeding the default one when the
// store has none.
func (m *Manager) GetProfile() (Profile, error) {
	m.mu.RLock()
	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		p := *m.cached
		m.mu.RUnlock()
		return p, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock.
	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		return *m.cached, nil
	}

	keys, err := m.store.GetAllProfileKeys()
	if err != nil {
		return Profile{}, fmt.Errorf("loading profile keys: %w", err)
	}

	seeded := false
	prof := Profile{Name: keys[KeyName], Context: keys[KeyContext]}
	if _, ok := keys[KeyName]; !ok {
		prof.Name = DefaultName
		seeded = true
	}
	if _, ok := keys[KeyContext]; !ok {
		prof.Context = DefaultContext
		seeded = true
	}
	if seeded {
		if err := m.write(prof); err != nil {
			return Profile{}, err
		}
	}

	m.cached = &prof
	m.cachedAt = m.clock.Now()
	return prof, nil
}

// Update replaces the whole profile.
func (m *Manager) Update(p Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(p); err != nil {
		return err
	}
	m.cached = nil
	return nil
}

func (m *Manager) write(p Profile) error {
	if err := m.store.SetProfileKey(KeyName, p.Name); err != nil {
		return fmt.Errorf("setting profile key %q: %w", KeyName, err)
	}
	if err := m.store.SetProfileKey(KeyContext, p.Context); err != nil {
		return fmt.Errorf("setting profile key %q: %w", KeyContext, err)
	}
	return nil
}

// SetField persists one profile field and invalidates the cache.
func (m *Manager) SetField(key, value string) error {
	key = strings.ToLower(strings.TrimSpace(key))
	if key != KeyName && key != KeyContext {
		return fmt.Errorf("%w: %q", ErrUnknownField, key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.SetProfileKey(key, value); err != nil {
		return fmt.Errorf("setting profile key %q: %w", key, err)
	}
	m.cached = nil
	return nil
}

// Context assembles the calendar and profile background for one request.
// A store failure degrades to the default profile.
func (m *Manager) Context() Context {
	p, err := m.GetProfile()
	if err != nil {
		slog.Warn("profile: loading failed, using default", "error", err)
		p = Profile{Name: DefaultName, Context: DefaultContext}
	}
	return Context{
		Calendar:    CalendarContext(m.clock.Now()),
		UserProfile: p.Context,
	}
}
