// Package auth exposes the authenticated user identity to the rest of the
// application. The sign-in flow itself happens elsewhere (browser/OAuth); it
// leaves a JWT session token on disk, and this package watches that token.
package auth

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Event is an auth state transition.
type Event string

const (
	SignedIn  Event = "SIGNED_IN"
	SignedOut Event = "SIGNED_OUT"
)

// User is the authenticated identity.
type User struct {
	ID    string
	Email string
}

// Session pairs a user with the token that proves it.
type Session struct {
	User      User
	Token     string
	ExpiresAt time.Time
}

// Handler receives auth state transitions. The session is nil for SIGNED_OUT.
type Handler func(Event, *Session)

// FileProvider reads identity from a JWT session file. Signature verification
// happened at the auth service that issued the token; locally only the claims
// and expiry are read.
type FileProvider struct {
	path string

	mu       sync.RWMutex
	session  *Session
	handlers map[int]Handler
	nextID   int
}

// NewFileProvider creates a provider for the session token at path. Call
// Load to pick up an existing session before use.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{
		path:     path,
		handlers: make(map[int]Handler),
	}
}

// Load reads the session file without firing events. Missing or expired
// tokens leave the provider signed out.
func (p *FileProvider) Load() error {
	session, err := p.readSession()
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.session = session
	p.mu.Unlock()
	return nil
}

// CurrentUser returns the authenticated user, or nil when signed out.
func (p *FileProvider) CurrentUser() *User {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.session == nil {
		return nil
	}
	u := p.session.User
	return &u
}

// OnAuthStateChange registers a handler and returns its subscription id.
func (p *FileProvider) OnAuthStateChange(h Handler) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	p.handlers[p.nextID] = h
	return p.nextID
}

// Off removes a subscription.
func (p *FileProvider) Off(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers, id)
}

// Reload re-reads the session file and fires transitions against the
// previous state. The daemon calls this when the session file changes.
func (p *FileProvider) Reload() {
	session, err := p.readSession()
	if err != nil {
		slog.Warn("failed to read session token", "error", err)
		session = nil
	}

	p.mu.Lock()
	prev := p.session
	p.session = session
	handlers := make([]Handler, 0, len(p.handlers))
	for _, h := range p.handlers {
		handlers = append(handlers, h)
	}
	p.mu.Unlock()

	switch {
	case prev == nil && session != nil:
		slog.Info("user signed in", "user", session.User.ID)
		fire(handlers, SignedIn, session)
	case prev != nil && session == nil:
		slog.Info("user signed out", "user", prev.User.ID)
		fire(handlers, SignedOut, nil)
	case prev != nil && session != nil && prev.User.ID != session.User.ID:
		slog.Info("user switched", "from", prev.User.ID, "to", session.User.ID)
		fire(handlers, SignedOut, nil)
		fire(handlers, SignedIn, session)
	}
}

func fire(handlers []Handler, event Event, session *Session) {
	for _, h := range handlers {
		h(event, session)
	}
}

// readSession loads and parses the token file. A missing file means signed
// out and is not an error.
func (p *FileProvider) readSession() (*Session, error) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	return ParseSession(string(raw))
}

// ParseSession decodes a JWT into a Session. Returns an error for malformed
// tokens and for tokens past their expiry.
func ParseSession(token string) (*Session, error) {
	token = trimToken(token)
	if token == "" {
		return nil, nil
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("malformed session token: %w", err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("session token has no subject")
	}

	session := &Session{
		User:  User{ID: sub},
		Token: token,
	}

	if email, ok := claims["email"].(string); ok {
		session.User.Email = email
	}

	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		session.ExpiresAt = exp.Time
		if time.Now().After(exp.Time) {
			return nil, fmt.Errorf("session token expired at %s", exp.Time.Format(time.RFC3339))
		}
	}

	return session, nil
}

func trimToken(s string) string {
	// Tokens written by the sign-in flow may carry a trailing newline.
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}
