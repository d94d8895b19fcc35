package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBearerEngine(t *testing.T) {
	t.Parallel()

	engine := NewBearerEngine(map[string]string{"secret-token": "alice"})

	tests := []struct {
		name      string
		header    string
		wantOwner string
		wantOK    bool
	}{
		{name: "known token", header: "Bearer secret-token", wantOwner: "alice", wantOK: true},
		{name: "unknown token", header: "Bearer wrong"},
		{name: "missing header", header: ""},
		{name: "wrong scheme", header: "Basic secret-token"},
		{name: "empty token", header: "Bearer "},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("HEAD", "/uploads/x", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}

			owner, ok, err := engine.AuthenticateRequest(r)
			require.NoError(t, err)
			require.Equal(t, tc.wantOK, ok)
			require.Equal(t, tc.wantOwner, owner)
		})
	}
}

func TestBasicEngine(t *testing.T) {
	t.Parallel()

	engine := NewBasicEngine(map[string]string{"alice": "hunter2"})

	r := httptest.NewRequest("HEAD", "/uploads/x", nil)
	r.SetBasicAuth("alice", "hunter2")
	owner, ok, err := engine.AuthenticateRequest(r)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alice", owner)

	r = httptest.NewRequest("HEAD", "/uploads/x", nil)
	r.SetBasicAuth("alice", "wrong")
	_, ok, err = engine.AuthenticateRequest(r)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompoundEngineFirstMatchWins(t *testing.T) {
	t.Parallel()

	engine := NewCompoundEngine(
		NewBasicEngine(map[string]string{"alice": "hunter2"}),
		NewBearerEngine(map[string]string{"secret-token": "bob"}),
	)

	r := httptest.NewRequest("HEAD", "/uploads/x", nil)
	r.Header.Set("Authorization", "Bearer secret-token")
	owner, ok, err := engine.AuthenticateRequest(r)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "bob", owner, "falls through to the engine that recognizes the request")

	r = httptest.NewRequest("HEAD", "/uploads/x", nil)
	_, ok, err = engine.AuthenticateRequest(r)
	require.NoError(t, err)
	require.False(t, ok, "no engine recognized the request")
}
