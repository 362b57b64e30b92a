// Package session holds the metadata for one logical conversation scope.
package session

import (
	"errors"
	"time"
)

var ErrNoSession = errors.New("session not yet established")

// Session is the conversation scope. ID stays empty until the backend
// acknowledges the first exchange; ProjectPath is immutable for the
// session's lifetime.
type Session struct {
	ID             string    `json:"id"`
	ProjectPath    string    `json:"project_path"`
	HasMoreHistory bool      `json:"has_more_history"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// New creates a session that has not yet exchanged with the backend.
func New(projectPath string) Session {
	now := time.Now()
	return Session{
		ProjectPath: projectPath,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Resume creates a session around a known backend id, with older history
// assumed loadable until a short page proves otherwise.
func Resume(id, projectPath string) Session {
	s := New(projectPath)
	s.ID = id
	s.HasMoreHistory = true
	return s
}

// Acknowledge fixes the session id the first time the backend reports it.
// Later acknowledgements with a different id are ignored.
func (s *Session) Acknowledge(id string) bool {
	if s.ID != "" || id == "" {
		return false
	}
	s.ID = id
	s.UpdatedAt = time.Now()
	return true
}
