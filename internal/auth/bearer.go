package auth

import (
	"net/http"
	"strings"
)

const BearerPrefix = "Bearer "

// BearerEngine authenticates requests by bearer token against a static
// token -> owner mapping.
type BearerEngine struct {
	Tokens map[string]string
}

// NewBearerEngine creates a BearerEngine over the given token -> owner map.
func NewBearerEngine(tokens map[string]string) *BearerEngine {
	return &BearerEngine{Tokens: tokens}
}

// AuthenticateRequest checks the Authorization header for a known bearer
// token and returns the owner it maps to.
func (e *BearerEngine) AuthenticateRequest(r *http.Request) (string, bool, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, BearerPrefix) {
		return "", false, nil
	}

	token := strings.TrimSpace(header[len(BearerPrefix):])
	if token == "" {
		return "", false, nil
	}

	owner, ok := e.Tokens[token]
	if !ok {
		return "", false, nil
	}

	return owner, true, nil
}
