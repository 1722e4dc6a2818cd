package cli

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"flagplant/internal/auth"
)

var (
	ErrNoSession      = errors.New("no saved session")
	ErrSessionExpired = errors.New("session expired")
)

// Session is the login fpk keeps between invocations.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Email        string    `json:"email"`
	UserID       string    `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// SessionFrom converts a Supabase login into a Session. A zero ExpiresIn
// leaves ExpiresAt unset and the session never expires locally.
func SessionFrom(s auth.Session, now time.Time) Session {
	out := Session{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		Email:        s.User.Email,
		UserID:       s.User.UserID,
		Username:     s.User.Username,
	}
	if s.ExpiresIn > 0 {
		out.ExpiresAt = now.Add(time.Duration(s.ExpiresIn) * time.Second).UTC()
	}
	return out
}

func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// BaseDir is ~/.fpk, created on first use. FPK_HOME overrides it.
func BaseDir() (string, error) {
	dir := strings.TrimSpace(os.Getenv("FPK_HOME"))
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".fpk")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// SessionFile stores one Session as JSON.
type SessionFile struct {
	path string
}

// OpenSessionFile returns the session file under BaseDir.
func OpenSessionFile() (*SessionFile, error) {
	dir, err := BaseDir()
	if err != nil {
		return nil, err
	}
	return &SessionFile{path: filepath.Join(dir, "session.json")}, nil
}

func (f *SessionFile) Save(s Session) error {
	body, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

// Load returns ErrNoSession when nothing usable is saved and
// ErrSessionExpired once the access token is past its expiry.
func (f *SessionFile) Load(now time.Time) (Session, error) {
	body, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return Session{}, ErrNoSession
	}
	if err != nil {
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal(body, &s); err != nil {
		return Session{}, err
	}
	if strings.TrimSpace(s.AccessToken) == "" {
		return Session{}, ErrNoSession
	}
	if s.Expired(now) {
		return s, ErrSessionExpired
	}
	return s, nil
}

func (f *SessionFile) Clear() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
