// Package auth reads the session cookie the host application issues at login
// and gates API access on it.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
)

const (
	sessionName    = "calsync_session"
	sessionMaxAge  = 7 * 24 * time.Hour
	csrfTokenBytes = 32

	keyUserID = "user_id"
	keyEmail  = "email"
	keyName   = "name"
	keyCSRF   = "csrf_token"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionData is the identity carried by the session cookie.
type SessionData struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	CSRFToken string `json:"csrf_token"`
}

// SessionManager reads and writes the session cookie.
type SessionManager struct {
	store *sessions.CookieStore
}

// NewSessionManager creates a session manager. The cookie is signed and
// encrypted with two keys derived from secret, so its contents can be
// neither read nor forged by the browser.
func NewSessionManager(secret string, secure bool) *SessionManager {
	hashKey := sha256.Sum256([]byte("calsync/session/hash:" + secret))
	blockKey := sha256.Sum256([]byte("calsync/session/block:" + secret))

	store := sessions.NewCookieStore(hashKey[:], blockKey[:])
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(sessionMaxAge / time.Second),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	store.MaxAge(store.Options.MaxAge)

	return &SessionManager{store: store}
}

// Get returns the session carried by r, or ErrSessionNotFound when there is
// no valid cookie or it holds no user.
func (sm *SessionManager) Get(r *http.Request) (*SessionData, error) {
	session, err := sm.store.Get(r, sessionName)
	if err != nil || session.IsNew {
		return nil, ErrSessionNotFound
	}

	data := &SessionData{
		UserID:    stringValue(session, keyUserID),
		Email:     stringValue(session, keyEmail),
		Name:      stringValue(session, keyName),
		CSRFToken: stringValue(session, keyCSRF),
	}
	if data.UserID == "" {
		return nil, ErrSessionNotFound
	}
	return data, nil
}

// Set writes data to the session cookie, generating a CSRF token if data has none.
func (sm *SessionManager) Set(w http.ResponseWriter, r *http.Request, data *SessionData) error {
	// An undecodable cookie still yields a fresh session
	session, _ := sm.store.Get(r, sessionName)

	if data.CSRFToken == "" {
		token, err := newCSRFToken()
		if err != nil {
			return err
		}
		data.CSRFToken = token
	}

	session.Values[keyUserID] = data.UserID
	session.Values[keyEmail] = data.Email
	session.Values[keyName] = data.Name
	session.Values[keyCSRF] = data.CSRFToken

	return session.Save(r, w)
}

func stringValue(session *sessions.Session, key string) string {
	v, _ := session.Values[key].(string)
	return v
}

func newCSRFToken() (string, error) {
	b := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
