// Package storage holds the resource tier's account records and serves the
// RegisterUser, LoginUser and LogoutUser calls over HTTP/JSON.
//
// # Overview
//
// The resource server is the cluster's source of identity. Chat servers
// never see passwords at rest: they forward credentials once per login and
// receive the user's uuid, which is the key the chat tier uses for the
// single-session rule.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│        Chat tier (discovery)        │
//	└─────────────────────────────────────┘
//	                 │ POST /user/{register,login,logout}
//	                 ▼
//	┌─────────────────────────────────────┐
//	│              Handler                │
//	│   error → status (ok/rejected/      │
//	│            not_found)               │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│            UserStore                │
//	│        (MemoryUserStore)            │
//	└─────────────────────────────────────┘
//
// # Core Interface
//
// UserStore: account operations
//   - Create(username, password) - Register a new account
//   - Authenticate(username, password) - Verify credentials, record login
//   - Logout(uuid) - Record logout (idempotent)
//   - Get(uuid) - Retrieve an account
//   - Stats() - Account and online counts
//
// # Status Mapping
//
//	ErrUserNotFound    → not_found (404)
//	ErrUsernameTaken   → rejected  (409)
//	ErrBadCredentials  → rejected  (409)
//	anything else      → 500
//
// # Implementations
//
// MemoryUserStore: In-memory maps with sync.RWMutex
//   - Passwords hashed with bcrypt
//   - Hashing and comparison run without the lock held
//   - No persistence (accounts lost on restart)
//
// # Concurrency and Thread Safety
//
// All methods are safe for concurrent use. Returned User values are copies.
package storage
