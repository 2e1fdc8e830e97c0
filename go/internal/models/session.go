package models

import "strings"

// TableSession identifies the viewing context: which table is on screen and
// whether the viewer is authenticated.
type TableSession struct {
	TableID      string `json:"table_id"`
	SessionToken string `json:"-"`
}

// HasToken reports whether the session carries a token. Several transports
// refuse to connect without one.
func (s TableSession) HasToken() bool {
	return strings.TrimSpace(s.SessionToken) != ""
}

// WithoutToken returns a copy of the session for unauthenticated viewing.
func (s TableSession) WithoutToken() TableSession {
	return TableSession{TableID: s.TableID}
}
