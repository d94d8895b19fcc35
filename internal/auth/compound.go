package auth

import (
	"net/http"
)

// CompoundEngine tries a list of engines in order and accepts the first
// positive answer.
type CompoundEngine struct {
	engines []Engine
}

// NewCompoundEngine creates a CompoundEngine over the given Engines.
func NewCompoundEngine(engines ...Engine) *CompoundEngine {
	return &CompoundEngine{
		engines: engines,
	}
}

// AuthenticateRequest asks each engine in turn; the first one that recognizes
// the request wins.
func (e *CompoundEngine) AuthenticateRequest(r *http.Request) (string, bool, error) {
	for _, engine := range e.engines {
		if owner, ok, err := engine.AuthenticateRequest(r); ok && err == nil {
			return owner, true, nil
		}
	}

	return "", false, nil
}
