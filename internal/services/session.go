package services

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MegaGrindStone/mardata-chat/internal/models"
	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"
)

const errLoggerKey = "err"

// Session holds the credentials of the signed-in user. It is created once at startup, restored from
// disk if a previous session was saved, and passed to every component that talks to the backend.
// Listeners registered with OnChange are told whenever the user signs in or out.
type Session struct {
	path string

	mu        sync.RWMutex
	token     *oauth2.Token
	user      models.User
	listeners []func(authenticated bool)
}

type sessionFile struct {
	AccessToken  string      `yaml:"accessToken"`
	RefreshToken string      `yaml:"refreshToken,omitempty"`
	TokenType    string      `yaml:"tokenType,omitempty"`
	Expiry       time.Time   `yaml:"expiry,omitempty"`
	User         models.User `yaml:"user"`
}

// NewSession creates an empty session persisted at path. An empty path keeps the session in memory only.
func NewSession(path string) *Session {
	return &Session{path: path}
}

// Restore loads a previously saved session. A missing file is not an error; the session stays signed out.
func (s *Session) Restore() error {
	if s.path == "" {
		return nil
	}

	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error reading session file: %w", err)
	}

	var sf sessionFile
	if err := yaml.Unmarshal(b, &sf); err != nil {
		return fmt.Errorf("error decoding session file: %w", err)
	}
	if sf.AccessToken == "" {
		return nil
	}

	s.mu.Lock()
	s.token = &oauth2.Token{
		AccessToken:  sf.AccessToken,
		RefreshToken: sf.RefreshToken,
		TokenType:    sf.TokenType,
		Expiry:       sf.Expiry,
	}
	s.user = sf.User
	s.mu.Unlock()

	s.notify(true)
	return nil
}

// OnChange registers fn to be called after every sign-in and sign-out.
func (s *Session) OnChange(fn func(authenticated bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Token returns the current access token, or an empty string when signed out.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return ""
	}
	return s.token.AccessToken
}

// OAuthToken returns a copy of the current token, or nil when signed out.
func (s *Session) OAuthToken() *oauth2.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return nil
	}
	tok := *s.token
	return &tok
}

// User returns the signed-in user.
func (s *Session) User() models.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// Authenticated reports whether a token is held.
func (s *Session) Authenticated() bool {
	return s.Token() != ""
}

// SetToken replaces the token and saves the session.
func (s *Session) SetToken(tok *oauth2.Token) error {
	s.mu.Lock()
	wasSignedIn := s.token != nil
	s.token = tok
	err := s.saveLocked()
	s.mu.Unlock()

	if !wasSignedIn {
		s.notify(true)
	}
	return err
}

// SetUser records the signed-in user and saves the session.
func (s *Session) SetUser(user models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = user
	return s.saveLocked()
}

// Clear signs out locally: the token and user are dropped, the session file is removed and listeners
// are notified.
func (s *Session) Clear() error {
	s.mu.Lock()
	s.token = nil
	s.user = models.User{}
	var err error
	if s.path != "" {
		if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			err = fmt.Errorf("error removing session file: %w", rmErr)
		}
	}
	s.mu.Unlock()

	s.notify(false)
	return err
}

func (s *Session) saveLocked() error {
	if s.path == "" || s.token == nil {
		return nil
	}

	b, err := yaml.Marshal(sessionFile{
		AccessToken:  s.token.AccessToken,
		RefreshToken: s.token.RefreshToken,
		TokenType:    s.token.TokenType,
		Expiry:       s.token.Expiry,
		User:         s.user,
	})
	if err != nil {
		return fmt.Errorf("error encoding session: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("error creating session directory: %w", err)
	}
	if err := os.WriteFile(s.path, b, 0600); err != nil {
		return fmt.Errorf("error writing session file: %w", err)
	}
	return nil
}

func (s *Session) notify(authenticated bool) {
	s.mu.RLock()
	fns := append([]func(bool){}, s.listeners...)
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(authenticated)
	}
}
