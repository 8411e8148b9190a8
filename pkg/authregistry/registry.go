// Package authregistry issues and verifies per-client secret tokens.
//
// Tokens are 128 bits of crypto/rand, hex-encoded, and compared in
// constant time. They are never logged and never embedded in error
// strings.
package authregistry

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Client is a registered caller's identity record.
type Client struct {
	ClientID  string
	Token     string
	FirstSeen time.Time
	LastSeen  time.Time
}

// Registry is the single-writer-protected store of registered clients.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*Client
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Issue registers a new client and mints its token. It fails with
// ErrDuplicateClient if client_id already has a token.
func (r *Registry) Issue(clientID string) (token string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[clientID]; exists {
		return "", ErrDuplicateClient
	}

	token, err = generateToken()
	if err != nil {
		return "", fmt.Errorf("authregistry: failed to generate token: %w", err)
	}

	now := time.Now()
	r.clients[clientID] = &Client{
		ClientID:  clientID,
		Token:     token,
		FirstSeen: now,
		LastSeen:  now,
	}
	return token, nil
}

// Verify reports whether token is the current token for client_id. It
// touches last-seen on success. Unknown clients always fail, in constant
// time relative to a registered client presenting the wrong token.
func (r *Registry) Verify(clientID, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, exists := r.clients[clientID]
	if !exists {
		return false
	}

	ok := subtle.ConstantTimeCompare([]byte(client.Token), []byte(token)) == 1
	if ok {
		client.LastSeen = time.Now()
	}
	return ok
}

// Exists reports whether client_id has ever been registered.
func (r *Registry) Exists(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.clients[clientID]
	return exists
}

// Snapshot returns a copy of the client record, never including the
// token value.
type Snapshot struct {
	ClientID  string
	FirstSeen time.Time
	LastSeen  time.Time
}

// Get returns a token-free snapshot of the client's record.
func (r *Registry) Get(clientID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, exists := r.clients[clientID]
	if !exists {
		return Snapshot{}, false
	}
	return Snapshot{ClientID: client.ClientID, FirstSeen: client.FirstSeen, LastSeen: client.LastSeen}, true
}

func generateToken() (string, error) {
	buf := make([]byte, 16) // 128 bits
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
