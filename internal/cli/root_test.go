package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandRejectsInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"sessions", "--format", "yaml", "--server", "http://127.0.0.1:1"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestExitError(t *testing.T) {
	base := errors.New("connection refused")
	err := WrapExitError(ExitCommandError, "server unreachable", base)

	assert.Equal(t, "server unreachable: connection refused", err.Error())
	assert.ErrorIs(t, err, base)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
}

func TestWriteOutputFormats(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	var buf bytes.Buffer
	require.NoError(t, writeOutput(&buf, "json", payload{Name: "ops"}, nil))
	assert.JSONEq(t, `{"name":"ops"}`, buf.String())

	buf.Reset()
	require.NoError(t, writeOutput(&buf, "text", payload{Name: "ops"}, func(w io.Writer) {
		fmt.Fprint(w, "ops")
	}))
	assert.Equal(t, "ops", buf.String())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelInfo, parseLevel("unset"))
}
