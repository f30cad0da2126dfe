package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sjawhar/voice-bridge/internal/bot"
	"github.com/sjawhar/voice-bridge/internal/session"
)

const controlTimeout = 45 * time.Second

// apiClient talks to the REST API of a running serve process.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(addr string) *apiClient {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: controlTimeout},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body any, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = strings.NewReader(string(b))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("reach voice-bridge at %s: %w", c.base, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}

func printStatus(w io.Writer, st session.Status) {
	_, _ = fmt.Fprintf(w, "%s %s\n", infoStyle.Render("transport:"), st.Transport)
	if st.SessionID != "" {
		_, _ = fmt.Fprintf(w, "%s %s\n", infoStyle.Render("session:  "), st.SessionID)
	}
	room := string(st.Resolution)
	if st.RoomLocator != "" {
		room = fmt.Sprintf("%s (%s via %s)", st.RoomLocator, st.Resolution, st.LocatorSource)
	}
	_, _ = fmt.Fprintf(w, "%s %s\n", infoStyle.Render("room:     "), room)
	printBot(w, st.Bot)
	if st.Muted {
		_, _ = fmt.Fprintln(w, warningStyle.Render("microphone muted"))
	}
	if st.LastError != "" {
		_, _ = fmt.Fprintf(w, "%s %s\n", errorStyle.Render("last error:"), st.LastError)
	}
}

func printBot(w io.Writer, st bot.State) {
	line := string(st.Phase)
	if st.Handle != "" {
		line += " (bot " + st.Handle + ")"
	}
	if st.Ready {
		line += ", ready"
	}
	style := infoStyle
	switch st.Phase {
	case bot.PhaseActive:
		style = successStyle
	case bot.PhaseError:
		style = errorStyle
	}
	_, _ = fmt.Fprintf(w, "%s %s\n", infoStyle.Render("bot:      "), style.Render(line))
	if st.Message != "" {
		_, _ = fmt.Fprintf(w, "           %s\n", st.Message)
	}
}

// statusCommand posts to path and prints the returned session status.
func statusCommand(use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st session.Status
			if err := newAPIClient(serverAddr).do(cmd.Context(), http.MethodPost, path, nil, &st); err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func botCommand(use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st bot.State
			if err := newAPIClient(serverAddr).do(cmd.Context(), http.MethodPost, path, nil, &st); err != nil {
				return err
			}
			printBot(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func muteCommand(use string, muted bool) *cobra.Command {
	path, msg := "/api/unmute", "microphone live"
	if muted {
		path, msg = "/api/mute", "microphone muted"
	}
	return &cobra.Command{
		Use:   use,
		Short: "Set the microphone to " + strings.TrimPrefix(msg, "microphone "),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newAPIClient(serverAddr).do(cmd.Context(), http.MethodPost, path, nil, nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render(msg))
			return nil
		},
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session status of a running server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Session  *session.Status `json:"session"`
			Warnings []string        `json:"warnings"`
		}
		if err := newAPIClient(serverAddr).do(cmd.Context(), http.MethodGet, "/api/status", nil, &resp); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if resp.Session != nil {
			printStatus(out, *resp.Session)
		}
		for _, w := range resp.Warnings {
			_, _ = fmt.Fprintln(out, warningStyle.Render("warning:"), w)
		}
		return nil
	},
}

var roomCmd = &cobra.Command{
	Use:   "room <url>",
	Short: "Enter the room URL for a session whose room is unknown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var st session.Status
		body := map[string]string{"room_url": args[0]}
		if err := newAPIClient(serverAddr).do(cmd.Context(), http.MethodPost, "/api/room", body, &st); err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), st)
		return nil
	},
}

var botCmd = &cobra.Command{
	Use:   "bot",
	Short: "Start, stop or inspect the voice bot",
}

var botProcessCmd = &cobra.Command{
	Use:   "process <pid>",
	Short: "Ask the bot backend about a bot process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := bot.NewClient(cfg.BackendURL, backendHTTPClient(cmd.Context(), cfg))
		if err != nil {
			return err
		}
		st, err := client.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", infoStyle.Render("bot"), st.BotID, st.Status)
		return nil
	},
}

func init() {
	botCmd.AddCommand(
		botCommand("activate", "Invite the bot into the current room", "/api/bot/activate"),
		botCommand("deactivate", "Ask the bot to leave the current room", "/api/bot/deactivate"),
		botProcessCmd,
	)
	rootCmd.AddCommand(
		statusCommand("connect", "Open a session on a running server", "/api/connect"),
		statusCommand("disconnect", "Close the current session", "/api/disconnect"),
		muteCommand("mute", true),
		muteCommand("unmute", false),
		statusCmd,
		roomCmd,
		botCmd,
	)
}
