package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/sjawhar/voice-bridge/internal/bot"
	"github.com/sjawhar/voice-bridge/internal/room"
	"github.com/sjawhar/voice-bridge/internal/session"
	"github.com/sjawhar/voice-bridge/internal/storage"
	"github.com/sjawhar/voice-bridge/internal/transcript"
)

var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

type SessionStore interface {
	GetSessionsByDate(date string) ([]storage.Session, error)
	GetSession(id string) (storage.Session, error)
	GetUtterances(sessionID string) ([]transcript.Utterance, error)
	GetDates() ([]string, error)
}

// Session is the live session the control routes drive.
type Session interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	ActivateBot(ctx context.Context) (bot.State, error)
	DeactivateBot(ctx context.Context) (bot.State, error)
	SetRoomLocator(ctx context.Context, locator string) error
	SetMuted(ctx context.Context, muted bool) error
	Status(ctx context.Context) (session.Status, error)
	Transcript(ctx context.Context) ([]transcript.Utterance, error)
}

func registerAPIRoutes(mux *http.ServeMux, store SessionStore, controls ControlHooks) {
	registerSessionRoutes(mux, controls)
	registerHistoryRoutes(mux, store, controls)

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		var warnings []string
		if controls.Warnings != nil {
			warnings = controls.Warnings()
		}
		if warnings == nil {
			warnings = []string{}
		}

		resp := map[string]any{"warnings": warnings}
		if controls.Session != nil {
			st, err := controls.Session.Status(r.Context())
			if err != nil {
				writeControlError(w, err)
				return
			}
			resp["session"] = st
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("GET /api/presets", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]string{}
		if controls.Presets != nil {
			for name, p := range controls.Presets() {
				out[name] = p.Description
			}
		}
		writeJSON(w, http.StatusOK, out)
	})
}

func registerSessionRoutes(mux *http.ServeMux, controls ControlHooks) {
	// withSession rejects control requests when no session controller is
	// wired, e.g. in history-only mode.
	withSession := func(fn func(w http.ResponseWriter, r *http.Request, s Session)) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if controls.Session == nil {
				writeJSONError(w, http.StatusServiceUnavailable, "session control not available")
				return
			}
			fn(w, r, controls.Session)
		}
	}

	mux.HandleFunc("POST /api/connect", withSession(func(w http.ResponseWriter, r *http.Request, s Session) {
		if err := s.Connect(r.Context()); err != nil {
			writeControlError(w, err)
			return
		}
		writeStatus(w, r, s, http.StatusOK)
	}))

	mux.HandleFunc("POST /api/disconnect", withSession(func(w http.ResponseWriter, r *http.Request, s Session) {
		if err := s.Disconnect(r.Context()); err != nil {
			writeControlError(w, err)
			return
		}
		writeStatus(w, r, s, http.StatusOK)
	}))

	mux.HandleFunc("POST /api/bot/activate", withSession(func(w http.ResponseWriter, r *http.Request, s Session) {
		st, err := s.ActivateBot(r.Context())
		if err != nil {
			writeControlError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, st)
	}))

	mux.HandleFunc("POST /api/bot/deactivate", withSession(func(w http.ResponseWriter, r *http.Request, s Session) {
		st, err := s.DeactivateBot(r.Context())
		if err != nil {
			writeControlError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, st)
	}))

	mux.HandleFunc("POST /api/room", withSession(func(w http.ResponseWriter, r *http.Request, s Session) {
		var req struct {
			RoomURL string `json:"room_url"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := s.SetRoomLocator(r.Context(), req.RoomURL); err != nil {
			writeControlError(w, err)
			return
		}
		writeStatus(w, r, s, http.StatusOK)
	}))

	mux.HandleFunc("POST /api/mute", withSession(func(w http.ResponseWriter, r *http.Request, s Session) {
		if err := s.SetMuted(r.Context(), true); err != nil {
			writeControlError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc("POST /api/unmute", withSession(func(w http.ResponseWriter, r *http.Request, s Session) {
		if err := s.SetMuted(r.Context(), false); err != nil {
			writeControlError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc("GET /api/transcript", withSession(func(w http.ResponseWriter, r *http.Request, s Session) {
		utterances, err := s.Transcript(r.Context())
		if err != nil {
			writeControlError(w, err)
			return
		}
		if utterances == nil {
			utterances = []transcript.Utterance{}
		}
		writeJSON(w, http.StatusOK, utterances)
	}))
}

func registerHistoryRoutes(mux *http.ServeMux, store SessionStore, controls ControlHooks) {
	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date")
		if date == "" {
			date = time.Now().UTC().Format("2006-01-02")
		}

		sessions, err := store.GetSessionsByDate(date)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list sessions: %v", err))
			return
		}
		if sessions == nil {
			sessions = []storage.Session{}
		}

		writeJSON(w, http.StatusOK, sessions)
	})

	mux.HandleFunc("GET /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.PathValue("id")
		if !validSessionID(sessionID) {
			writeJSONError(w, http.StatusForbidden, "invalid session id")
			return
		}

		sessionData, err := store.GetSession(sessionID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, os.ErrNotExist) || errors.Is(err, sql.ErrNoRows) {
				status = http.StatusNotFound
			}
			writeJSONError(w, status, fmt.Sprintf("get session: %v", err))
			return
		}

		utterances, err := store.GetUtterances(sessionID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get session utterances: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"session":    sessionData,
			"utterances": utterances,
		})
	})

	mux.HandleFunc("GET /api/sessions/{id}/audio", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.PathValue("id")
		if !validSessionID(sessionID) {
			writeJSONError(w, http.StatusForbidden, "invalid session id")
			return
		}

		sessionData, err := store.GetSession(sessionID)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "session not found")
			return
		}

		if sessionData.AudioPath == "" {
			writeJSONError(w, http.StatusNotFound, "audio not available")
			return
		}

		cleanPath := filepath.Clean(sessionData.AudioPath)
		if cleanPath == "." || filepath.IsAbs(cleanPath) || strings.Contains(cleanPath, "..") {
			writeJSONError(w, http.StatusForbidden, "invalid audio path")
			return
		}

		f, err := os.Open(cleanPath)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "audio file not found")
			return
		}
		defer func() { _ = f.Close() }()

		info, err := f.Stat()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("stat audio: %v", err))
			return
		}

		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		w.Header().Set("Content-Type", "audio/wav")
		http.ServeContent(w, r, filepath.Base(cleanPath), info.ModTime(), f)
	})

	mux.HandleFunc("POST /api/sessions/{id}/resummarize", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.PathValue("id")
		if !validSessionID(sessionID) {
			writeJSONError(w, http.StatusForbidden, "invalid session id")
			return
		}
		if controls.Resummarize == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "summaries not configured")
			return
		}

		var req struct {
			Preset string `json:"preset"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if controls.Presets != nil {
			if _, ok := controls.Presets()[req.Preset]; !ok {
				writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown preset %q", req.Preset))
				return
			}
		}

		if err := controls.Resummarize(r.Context(), sessionID, req.Preset); err != nil {
			if errors.Is(err, session.ErrSummariesDisabled) {
				writeJSONError(w, http.StatusServiceUnavailable, err.Error())
				return
			}
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("GET /api/dates", func(w http.ResponseWriter, r *http.Request) {
		dates, err := store.GetDates()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get dates: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, dates)
	})
}

// statusForError maps controller errors onto HTTP codes. Precondition
// failures never reached the network and are conflicts with current state.
func statusForError(err error) int {
	var remote *bot.RemoteError
	var transportErr *bot.TransportError
	switch {
	case errors.Is(err, room.ErrEmptyLocator):
		return http.StatusBadRequest
	case bot.IsPrecondition(err),
		errors.Is(err, session.ErrAlreadyConnected),
		errors.Is(err, session.ErrNotConnected),
		errors.Is(err, session.ErrNoMicrophone),
		errors.Is(err, room.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.As(err, &remote), errors.As(err, &transportErr):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrConnectTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, session.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeControlError(w http.ResponseWriter, err error) {
	writeJSONError(w, statusForError(err), err.Error())
}

func writeStatus(w http.ResponseWriter, r *http.Request, s Session, code int) {
	st, err := s.Status(r.Context())
	if err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, code, st)
}

// decodeBody decodes an optional JSON body. An empty body leaves v as is.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func validSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
