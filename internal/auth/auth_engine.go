package auth

import (
	"net/http"
)

// Engine resolves the principal behind an HTTP request.
type Engine interface {

	// AuthenticateRequest inspects the given HTTP request for valid
	// authentication credentials. If valid, it returns the owner principal
	// and true; otherwise it returns "" and false. An error is returned if
	// there was an issue processing the authentication.
	AuthenticateRequest(r *http.Request) (string, bool, error)
}
