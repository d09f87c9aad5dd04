package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"webrtc-signal-relay/pkg/logger"
	"webrtc-signal-relay/pkg/signaling"
	"webrtc-signal-relay/pkg/webrtc/protocol"
)

const storeTimeout = 3 * time.Second

// Settings is what the server advertises to clients.
type Settings struct {
	ICEMode      string
	ICEServers   []protocol.ICEServer
	PollInterval time.Duration
	// PublicURL overrides the scheme and host of generated session links.
	PublicURL string
	// MaxWait caps ?wait= on fetch.
	MaxWait      time.Duration
	MaxBodyBytes int64
	// StaticDir replaces the embedded page when set.
	StaticDir string
}

// Deps are the collaborators the routes need.
type Deps struct {
	Service  *signaling.Service
	Hub      *signaling.Hub
	Metrics  *signaling.Metrics
	Settings Settings
	Log      *logger.Logger
}

// Register mounts the relay routes on mux.
func Register(mux *http.ServeMux, d Deps) {
	if d.Log == nil {
		d.Log = logger.Default()
	}
	mux.Handle("POST /signal/{session}/{role}", PublishHandler(d))
	mux.Handle("GET /signal/{session}/{role}", FetchHandler(d))
	mux.Handle("GET /role/{session}", RoleHandler(d))
	mux.Handle("POST /api/sessions", CreateSessionHandler(d))
	mux.Handle("GET /api/settings", SettingsHandler(d.Settings, d.Service.RolePolicy()))
	mux.Handle("GET /debug/ice", DebugICEHandler(d.Settings))
	mux.Handle("GET /healthz", HealthHandler(d.Service.Store()))
	if d.Hub != nil {
		mux.Handle("GET /ws/{session}/{role}", d.Hub.HTTPHandler())
	}
	if d.Settings.StaticDir != "" {
		mux.Handle("GET /", SPAHandler(d.Settings.StaticDir))
	} else {
		mux.Handle("GET /{$}", IndexHandler())
	}
}

// PublishHandler appends the body to the counterpart's queue.
func PublishHandler(d Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, role, ok := pathParams(w, r, d)
		if !ok {
			return
		}

		limit := d.Settings.MaxBodyBytes
		if limit <= 0 {
			limit = 64 << 10
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				d.Metrics.Rejected(signaling.RejectMalformed)
				writeError(w, http.StatusRequestEntityTooLarge, err)
				return
			}
			writeError(w, http.StatusBadRequest, err)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
		defer cancel()
		if _, err := d.Service.Publish(ctx, session, role, body); err != nil {
			fail(w, r, d.Log, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// FetchHandler drains the caller's own queue. With ?wait= it long-polls.
func FetchHandler(d Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, role, ok := pathParams(w, r, d)
		if !ok {
			return
		}
		wait, err := parseWait(r.URL.Query().Get("wait"), d.Settings.MaxWait)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		var msgs []protocol.Message
		if wait > 0 {
			msgs, err = d.Service.Wait(r.Context(), session, role, wait)
		} else {
			ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
			msgs, err = d.Service.Fetch(ctx, session, role)
			cancel()
		}
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			fail(w, r, d.Log, err)
			return
		}
		WriteJSON(w, http.StatusOK, msgs)
	})
}

type roleResponse struct {
	Role     signaling.Role       `json:"role"`
	Policy   signaling.RolePolicy `json:"policy"`
	Messages []protocol.Message   `json:"messages"`
}

// RoleHandler assigns a role to a newly arriving participant.
func RoleHandler(d Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
		defer cancel()

		a, err := d.Service.AssignRole(ctx, r.PathValue("session"))
		if err != nil {
			fail(w, r, d.Log, err)
			return
		}
		WriteJSON(w, http.StatusOK, roleResponse{Role: a.Role, Policy: a.Policy, Messages: a.Messages})
	})
}

// CreateSessionHandler hands out a fresh random session and a shareable link.
func CreateSessionHandler(d Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
		defer cancel()

		id, err := d.Service.CreateSession(ctx)
		if err != nil {
			fail(w, r, d.Log, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{
			"session": id,
			"url":     sessionURL(r, d.Settings.PublicURL, id),
		})
	})
}

func SettingsHandler(settings Settings, policy signaling.RolePolicy) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		servers := settings.ICEServers
		if servers == nil {
			servers = []protocol.ICEServer{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"iceMode":      settings.ICEMode,
			"iceServers":   servers,
			"pollInterval": settings.PollInterval.Milliseconds(),
			"rolePolicy":   policy,
		})
	})
}

func DebugICEHandler(settings Settings) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{
			"mode":       settings.ICEMode,
			"iceServers": settings.ICEServers,
		})
	})
}

// HealthHandler reports whether the queue backend answers.
func HealthHandler(store signaling.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
}

// SPAHandler serves files from staticDir and falls back to index.html for
// unknown paths.
func SPAHandler(staticDir string) http.Handler {
	fs := http.FileServer(http.Dir(staticDir))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(staticDir, filepath.Clean("/"+r.URL.Path))
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			fs.ServeHTTP(w, r)
			return
		}

		index := filepath.Join(staticDir, "index.html")
		http.ServeFile(w, r, index)
	})
}

func pathParams(w http.ResponseWriter, r *http.Request, d Deps) (string, signaling.Role, bool) {
	session := r.PathValue("session")
	if err := signaling.ValidateSessionID(session); err != nil {
		d.Metrics.Rejected(signaling.RejectSession)
		writeError(w, http.StatusBadRequest, err)
		return "", 0, false
	}
	role, err := signaling.ParseRole(r.PathValue("role"))
	if err != nil {
		d.Metrics.Rejected(signaling.RejectUnknownRole)
		writeError(w, http.StatusBadRequest, err)
		return "", 0, false
	}
	return session, role, true
}

// parseWait accepts a Go duration ("10s") or whole seconds ("10").
func parseWait(raw string, max time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, serr := strconv.Atoi(raw)
		if serr != nil {
			return 0, fmt.Errorf("invalid wait %q", raw)
		}
		d = time.Duration(secs) * time.Second
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid wait %q", raw)
	}
	if max > 0 && d > max {
		d = max
	}
	return d, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, protocol.ErrMalformedMessage),
		errors.Is(err, signaling.ErrUnknownRole),
		errors.Is(err, signaling.ErrInvalidSession):
		return http.StatusBadRequest
	case errors.Is(err, signaling.ErrTooManySessions):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func fail(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("request_id", r.Header.Get(requestIDHeader)).
			Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	WriteJSON(w, status, map[string]string{"status": "error", "error": err.Error()})
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sessionURL(r *http.Request, publicURL, id string) string {
	base := publicURL
	if base == "" {
		proto := "http"
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			proto = "https"
		}
		host := r.Host
		if host == "" {
			host = "localhost:8080"
		}
		base = fmt.Sprintf("%s://%s", proto, host)
	}
	return fmt.Sprintf("%s/?session=%s", strings.TrimRight(base, "/"), id)
}
