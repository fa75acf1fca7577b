// Package session persists the bearer token (and the user snapshot, when the
// backend returns one) between CLI invocations. It is the local-storage
// analog of the browser client: cleared on logout or on an authentication
// failure.
package session

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

type User struct {
	ID       int64  `json:"id" yaml:"id"`
	Email    string `json:"email" yaml:"email"`
	FullName string `json:"full_name" yaml:"full_name"`
	IsActive bool   `json:"is_active" yaml:"is_active"`
}

type state struct {
	Token string `yaml:"token"`
	User  *User  `yaml:"user,omitempty"`
}

// Store is a file-backed session store.
type Store struct {
	mu   sync.RWMutex
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Token returns the stored bearer token, or "" when no session exists.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, err := s.load()
	if err != nil {
		return ""
	}
	return st.Token
}

// User returns the stored user snapshot, if any.
func (s *Store) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, err := s.load()
	if err != nil {
		return nil
	}
	return st.User
}

// Save replaces the stored session.
func (s *Store) Save(token string, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(state{Token: token, User: user})
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename session file: %w", err)
	}
	return nil
}

// SetUser updates only the user snapshot, keeping the token.
func (s *Store) SetUser(user *User) error {
	s.mu.Lock()
	token := ""
	if st, err := s.load(); err == nil {
		token = st.Token
	}
	s.mu.Unlock()
	return s.Save(token, user)
}

// Clear removes the session file. Missing files are not an error.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

func (s *Store) load() (*state, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return &state{}, err
	}
	var st state
	if err := yaml.Unmarshal(data, &st); err != nil {
		return &state{}, fmt.Errorf("failed to parse session file: %w", err)
	}
	return &st, nil
}
