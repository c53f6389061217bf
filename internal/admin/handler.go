// Package admin serves a small operator HTTP API: liveness, pending mutes
// and manual unmutes, plus optional pprof.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"modbot/internal/moderation"
	"modbot/internal/schedule"
	logx "modbot/pkg/logx"
)

// Moderator is what the mutes endpoints need from the moderation service.
type Moderator interface {
	Pending(ctx context.Context) ([]schedule.Entry, error)
	Unmute(ctx context.Context, inv moderation.Invocation, target string) error
}

// API holds the handler dependencies.
type API struct {
	Mod Moderator
	// Health reports component state for /healthz. Optional.
	Health func() map[string]any
	// Now defaults to time.Now.
	Now func() time.Time
}

type muteView struct {
	Subject   string    `json:"subject"`
	DueAt     time.Time `json:"due_at"`
	Remaining string    `json:"remaining"`
}

// Handler builds the admin router. An empty token disables auth.
func Handler(api *API, token string, withPprof bool, log logx.Logger) http.Handler {
	if api == nil {
		api = &API{}
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLog(log))

	r.Get("/healthz", api.healthz)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(token))
		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/mutes", api.listMutes)
			r.Delete("/mutes/{subject}", api.cancelMute)
		})
		if withPprof {
			r.HandleFunc("/debug/pprof/*", hpprof.Index)
			r.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
			r.HandleFunc("/debug/pprof/profile", hpprof.Profile)
			r.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
			r.HandleFunc("/debug/pprof/trace", hpprof.Trace)
		}
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	})
	return r
}

func (a *API) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *API) healthz(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if a.Health != nil {
		for k, v := range a.Health() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *API) listMutes(w http.ResponseWriter, r *http.Request) {
	if a.Mod == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "moderation not ready"})
		return
	}
	entries, err := a.Mod.Pending(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	now := a.now()
	items := make([]muteView, 0, len(entries))
	for _, e := range entries {
		left := e.DueAt.Sub(now)
		if left < 0 {
			left = 0
		}
		items = append(items, muteView{Subject: e.Subject, DueAt: e.DueAt.UTC(), Remaining: left.Round(time.Second).String()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// cancelMute is a full unmute: the role is removed first and the entry only
// after that succeeded.
func (a *API) cancelMute(w http.ResponseWriter, r *http.Request) {
	if a.Mod == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "moderation not ready"})
		return
	}
	subject := strings.TrimSpace(chi.URLParam(r, "subject"))
	rid := middleware.GetReqID(r.Context())
	if rid == "" {
		rid = uuid.NewString()
	}
	inv := moderation.Invocation{RequestID: rid, ActorID: "admin-api"}

	err := a.Mod.Unmute(r.Context(), inv, subject)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"subject": subject, "status": "unmuted"})
	case errors.Is(err, moderation.ErrNotMuted), errors.Is(err, moderation.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_muted", "subject": subject})
	case errors.Is(err, moderation.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, moderation.ErrForbidden):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Accept either "Authorization: Bearer <token>" or ?token=<token>.
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(ah[len(p):]) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
}

func requestLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("admin request",
				logx.String("rid", middleware.GetReqID(r.Context())),
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("dur", time.Since(start)),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
