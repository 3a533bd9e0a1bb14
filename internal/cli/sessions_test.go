package cli

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeControlAPI serves canned /api/collaboration responses.
func fakeControlAPI(t *testing.T, listBody, sessionBody string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/collaboration", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("sessionId") != "" {
			w.Write([]byte(sessionBody))
			return
		}
		w.Write([]byte(listBody))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func runSessionsCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"sessions"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestSessionsListText(t *testing.T) {
	srv := fakeControlAPI(t, `{
		"sessions": [
			{"id": "s1", "name": "ops-map", "createdBy": "alice",
			 "createdAt": "2026-08-28T10:00:00Z",
			 "activeParticipants": 2, "totalParticipants": 3}
		]
	}`, "null")

	out, err := runSessionsCmd(t, "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "s1")
	assert.Contains(t, out, "ops-map")
	assert.Contains(t, out, "active=2 total=3")
}

func TestSessionsListEmpty(t *testing.T) {
	srv := fakeControlAPI(t, `{"sessions": []}`, "null")

	out, err := runSessionsCmd(t, "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "no live sessions")
}

func TestSessionsListJSON(t *testing.T) {
	srv := fakeControlAPI(t, `{
		"sessions": [
			{"id": "s1", "name": "ops-map", "createdBy": "alice",
			 "createdAt": "2026-08-28T10:00:00Z",
			 "activeParticipants": 1, "totalParticipants": 1}
		]
	}`, "null")

	out, err := runSessionsCmd(t, "--server", srv.URL, "--format", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"id": "s1"`)
	assert.Contains(t, out, `"activeParticipants": 1`)
}

func TestSessionsSingleNotFound(t *testing.T) {
	srv := fakeControlAPI(t, `{"sessions": []}`, "null")

	_, err := runSessionsCmd(t, "--server", srv.URL, "--session", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session not found")
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestSessionsSingleFound(t *testing.T) {
	srv := fakeControlAPI(t, `{"sessions": []}`, `{"session": {"id": "s1", "name": "ops-map"}}`)

	out, err := runSessionsCmd(t, "--server", srv.URL, "--session", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, "ops-map")
}

func TestSessionsServerUnreachable(t *testing.T) {
	_, err := runSessionsCmd(t, "--server", "http://127.0.0.1:1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
