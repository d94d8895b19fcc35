package auth

import (
	"net/http"
)

// BasicEngine authenticates requests by HTTP Basic credentials against a
// static username -> password mapping. The username doubles as the owner
// principal.
type BasicEngine struct {
	Users map[string]string
}

// NewBasicEngine creates a BasicEngine over the given username -> password map.
func NewBasicEngine(users map[string]string) *BasicEngine {
	return &BasicEngine{Users: users}
}

// AuthenticateRequest checks the Authorization header for valid Basic Auth
// credentials and returns the username as the owner.
func (e *BasicEngine) AuthenticateRequest(r *http.Request) (string, bool, error) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return "", false, nil
	}

	expected, known := e.Users[user]
	if !known || expected != pass {
		return "", false, nil
	}

	return user, true, nil
}
