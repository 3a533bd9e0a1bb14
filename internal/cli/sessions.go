package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

// SessionsOptions holds flags for the sessions command.
type SessionsOptions struct {
	*RootOptions
	Server    string
	SessionID string
}

// sessionListing mirrors the control API's query payload.
type sessionListing struct {
	Sessions []sessionSummary `json:"sessions"`
}

type sessionSummary struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	CreatedBy          string    `json:"createdBy"`
	CreatedAt          time.Time `json:"createdAt"`
	ActiveParticipants int       `json:"activeParticipants"`
	TotalParticipants  int       `json:"totalParticipants"`
}

// NewSessionsCommand creates the sessions command: operator tooling that
// queries a running server's control API.
func NewSessionsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SessionsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions on a running server",
		Long: `Query a running collaboration server for its live sessions.

Example:
  tacmapd sessions --server http://localhost:8080
  tacmapd sessions --server http://localhost:8080 --session 0192d1f0-... --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessions(opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Server, "server", "http://localhost:8080", "base URL of the collaboration server")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "show one session instead of listing all")

	return cmd
}

func runSessions(opts *SessionsOptions, out io.Writer) error {
	endpoint, err := url.Parse(opts.Server)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid server URL", err)
	}
	endpoint = endpoint.JoinPath("/api/collaboration")
	if opts.SessionID != "" {
		q := endpoint.Query()
		q.Set("sessionId", opts.SessionID)
		endpoint.RawQuery = q.Encode()
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(endpoint.String())
	if err != nil {
		return WrapExitError(ExitCommandError, "server unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return WrapExitError(ExitFailure, fmt.Sprintf("server returned %s", resp.Status), nil)
	}

	if opts.SessionID != "" {
		var payload json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return WrapExitError(ExitFailure, "malformed response", err)
		}
		if string(payload) == "null" {
			return WrapExitError(ExitFailure, "session not found", nil)
		}
		return writeOutput(out, opts.Format, payload, func(w io.Writer) {
			fmt.Fprintln(w, string(payload))
		})
	}

	var listing sessionListing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return WrapExitError(ExitFailure, "malformed response", err)
	}

	return writeOutput(out, opts.Format, listing, func(w io.Writer) {
		if len(listing.Sessions) == 0 {
			fmt.Fprintln(w, "no live sessions")
			return
		}
		for _, s := range listing.Sessions {
			fmt.Fprintf(w, "%s  %-20s  active=%d total=%d  created=%s by %s\n",
				s.ID, s.Name, s.ActiveParticipants, s.TotalParticipants,
				s.CreatedAt.Format(time.RFC3339), s.CreatedBy)
		}
	})
}
