package storage

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUserNotFound is returned when no account matches a username or uuid
	ErrUserNotFound = errors.New("user not found")

	// ErrUsernameTaken is returned when registering an existing username
	ErrUsernameTaken = errors.New("username taken")

	// ErrBadCredentials is returned for a wrong password or an empty field
	ErrBadCredentials = errors.New("bad credentials")
)

// User is one account record. PasswordHash never leaves the store.
type User struct {
	CreatedAt time.Time
	LastLogin time.Time
	UUID      string
	Username  string
	LoggedIn  bool
}

// UserStore defines the resource tier's account operations
// All implementations must be thread-safe for concurrent access
type UserStore interface {
	// Create registers a new account and returns it
	// Returns ErrUsernameTaken if the username exists
	Create(username, password string) (User, error)

	// Authenticate checks credentials and marks the user logged in
	// Returns ErrUserNotFound or ErrBadCredentials
	Authenticate(username, password string) (User, error)

	// Logout marks the user logged out
	// No error if the user is already logged out (idempotent)
	Logout(uuid string) error

	// Get retrieves an account by uuid
	Get(uuid string) (User, error)

	// Stats returns account statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Users  int // Number of accounts
	Online int // Accounts currently logged in
}

type record struct {
	User
	hash []byte
}

// MemoryUserStore implements UserStore with in-memory maps
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryUserStore struct {
	mu         sync.RWMutex
	byUUID     map[string]*record
	byUsername map[string]*record
	cost       int
	now        func() time.Time
}

// NewMemoryUserStore creates an empty store hashing passwords at the given
// bcrypt cost. A cost outside bcrypt's range falls back to the default.
func NewMemoryUserStore(cost int) *MemoryUserStore {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &MemoryUserStore{
		byUUID:     make(map[string]*record),
		byUsername: make(map[string]*record),
		cost:       cost,
		now:        time.Now,
	}
}

// Create registers username. The password is hashed before the lock is
// taken so concurrent registrations do not serialize on bcrypt.
func (m *MemoryUserStore) Create(username, password string) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return User{}, ErrBadCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), m.cost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byUsername[username]; exists {
		return User{}, ErrUsernameTaken
	}
	rec := &record{
		User: User{UUID: uuid.NewString(), Username: username, CreatedAt: m.now()},
		hash: hash,
	}
	m.byUUID[rec.UUID] = rec
	m.byUsername[username] = rec
	return rec.User, nil
}

// Authenticate verifies the password outside the lock and then records
// the login.
func (m *MemoryUserStore) Authenticate(username, password string) (User, error) {
	username = strings.TrimSpace(username)

	m.mu.RLock()
	rec, exists := m.byUsername[username]
	var hash []byte
	if exists {
		hash = rec.hash
	}
	m.mu.RUnlock()

	if !exists {
		return User{}, ErrUserNotFound
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return User{}, ErrBadCredentials
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rec.LoggedIn = true
	rec.LastLogin = m.now()
	return rec.User, nil
}

// Logout marks uuid logged out
func (m *MemoryUserStore) Logout(uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.byUUID[uuid]
	if !exists {
		return ErrUserNotFound
	}
	rec.LoggedIn = false
	return nil
}

// Get retrieves an account by uuid
// Returns a copy so callers cannot modify the stored record
func (m *MemoryUserStore) Get(uuid string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, exists := m.byUUID[uuid]
	if !exists {
		return User{}, ErrUserNotFound
	}
	return rec.User, nil
}

// Stats returns account statistics
func (m *MemoryUserStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	online := 0
	for _, rec := range m.byUUID {
		if rec.LoggedIn {
			online++
		}
	}
	return StoreStats{Users: len(m.byUUID), Online: online}
}
