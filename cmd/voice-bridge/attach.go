package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/sjawhar/voice-bridge/internal/server"
	"github.com/sjawhar/voice-bridge/internal/transcript"
)

var showInterim bool

var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Follow the live transcript and session events in the terminal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		url := wsURL(serverAddr)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return fmt.Errorf("dial %s: %w", url, err)
		}
		defer func() { _ = conn.Close() }()

		go func() {
			<-ctx.Done()
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		}()

		out := cmd.OutOrStdout()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("read events: %w", err)
			}
			if err := renderEvent(out, msg, showInterim); err != nil {
				return err
			}
		}
	},
}

func init() {
	attachCmd.Flags().BoolVar(&showInterim, "interim", false, "Print interim user transcripts")
	rootCmd.AddCommand(attachCmd)
}

func wsURL(addr string) string {
	switch {
	case strings.HasPrefix(addr, "https://"):
		return "wss://" + strings.TrimPrefix(addr, "https://") + "/ws"
	case strings.HasPrefix(addr, "http://"):
		return "ws://" + strings.TrimPrefix(addr, "http://") + "/ws"
	default:
		return "ws://" + addr + "/ws"
	}
}

// renderEvent prints one UI event. Unknown event types are skipped.
func renderEvent(w io.Writer, msg []byte, interim bool) error {
	var head server.Event
	if err := json.Unmarshal(msg, &head); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}

	switch head.Type {
	case server.TypeConnection:
		_, _ = fmt.Fprintln(w, successStyle.Render("attached"))
	case server.TypeTransportState:
		var ev server.TransportStateEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(w, infoStyle.Render("transport "+string(ev.State)))
	case server.TypeRoomLocator:
		var ev server.RoomLocatorEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			return err
		}
		if ev.RoomURL != "" {
			_, _ = fmt.Fprintln(w, infoStyle.Render("room "+ev.RoomURL))
		} else if ev.Resolution != "" {
			_, _ = fmt.Fprintln(w, infoStyle.Render("room "+string(ev.Resolution)))
		}
	case server.TypeBotState:
		var ev server.BotStateEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			return err
		}
		printBot(w, ev.Bot)
	case server.TypeTranscript:
		var ev server.TranscriptEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			return err
		}
		printUtterance(w, ev, interim)
	case server.TypeNotice:
		var ev server.NoticeEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			return err
		}
		style := warningStyle
		switch ev.Level {
		case "error":
			style = errorStyle
		case "info":
			style = infoStyle
		}
		_, _ = fmt.Fprintln(w, style.Render(ev.Level+":"), ev.Message)
	case server.TypeSummaryReady:
		var ev server.SummaryReadyEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			return err
		}
		if ev.Summary != "" {
			_, _ = fmt.Fprintf(w, "%s\n%s\n", successStyle.Render("summary ("+ev.Preset+")"), ev.Summary)
		}
	}
	return nil
}

func printUtterance(w io.Writer, ev server.TranscriptEvent, interim bool) {
	u := ev.Utterance
	text := strings.TrimSpace(u.Text)
	if text == "" {
		return
	}
	switch {
	case ev.Change == transcript.ChangeFinalized:
	case interim && ev.Change == transcript.ChangeUpdated:
		_, _ = fmt.Fprintln(w, interimStyle.Render("… "+text))
		return
	default:
		return
	}

	label := userStyle.Render("You")
	if u.Speaker == transcript.SpeakerBot {
		label = botStyle.Render("Bot")
	}
	_, _ = fmt.Fprintf(w, "%s %s: %s\n", timestampStyle.Render(u.StartedAt.Local().Format("15:04:05")), label, text)
}
