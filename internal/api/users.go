package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var ErrUserExists = errors.New("api: email already registered")

// User is an admin-surface login, distinct from the daemon's tenant/account
// model: it only gates the HTTP API, never appears on the event log.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserStore is a file-backed, JSON-encoded admin user list, grounded on the
// teacher's db.User/CreateUser/GetUserByEmail but adapted from a SQL table
// to the same flat-file persistence idiom internal/credentials.Store uses
// for secrets, since the daemon's only durable store is the event log.
type UserStore struct {
	mu    sync.RWMutex
	path  string
	byID  map[string]User
	email map[string]string // lowercase email -> user id
}

func OpenUserStore(path string) (*UserStore, error) {
	s := &UserStore{path: path, byID: make(map[string]User), email: make(map[string]string)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *UserStore) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read user store: %w", err)
	}
	var users []User
	if err := json.Unmarshal(data, &users); err != nil {
		return fmt.Errorf("decode user store: %w", err)
	}
	for _, u := range users {
		s.byID[u.ID] = u
		s.email[strings.ToLower(u.Email)] = u.ID
	}
	return nil
}

func (s *UserStore) persist() error {
	users := make([]User, 0, len(s.byID))
	for _, u := range s.byID {
		users = append(users, u)
	}
	data, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// Register creates a new user with a bcrypt password hash.
func (s *UserStore) Register(email, password string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.email[email]; ok {
		return User{}, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	u := User{ID: uuid.NewString(), Email: email, PasswordHash: string(hash), CreatedAt: time.Now()}
	s.byID[u.ID] = u
	s.email[email] = u.ID
	if err := s.persist(); err != nil {
		return User{}, err
	}
	return u, nil
}

// Authenticate checks email/password and returns the matching user.
func (s *UserStore) Authenticate(email, password string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.email[email]
	if !ok {
		return User{}, ErrUserNotFound
	}
	u := s.byID[id]
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

var ErrUserNotFound = errors.New("api: invalid credentials")
