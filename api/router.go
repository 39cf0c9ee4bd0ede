package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"alarmsync/config"
	"alarmsync/engine"
	"alarmsync/hmi"
	"alarmsync/logging"
	"alarmsync/mltext"
)

type ctxKey int

const roleKey ctxKey = iota

// LoginRequest is the JSON body of POST /login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SyncRequest is the JSON body of POST /sync.
type SyncRequest struct {
	Selections []string `json:"selections"`
}

// StatusResponse is the JSON response for GET /status.
type StatusResponse struct {
	Project string `json:"project"`
	Running bool   `json:"running"`
	LastRun string `json:"last_run,omitempty"`
	MQTT    bool   `json:"mqtt"`
	Valkey  bool   `json:"valkey"`
	Kafka   bool   `json:"kafka"`
	Push    bool   `json:"push"`
}

// handlers holds the API handler functions.
type handlers struct {
	engine   *engine.Engine
	sessions *sessionStore
	hub      *eventHub
	subID    int
}

// NewRouter creates the REST API router. The returned function releases the
// event stream subscription and must be called when the router is retired.
func NewRouter(e *engine.Engine) (chi.Router, func()) {
	cfg := e.GetConfig()
	h := &handlers{
		engine:   e,
		sessions: newSessionStore(cfg.Web.SessionSecret),
		hub:      newEventHub(),
	}
	cleanup := h.setupSSE()

	r := chi.NewRouter()
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware)

		r.Get("/status", h.handleStatus)
		r.Get("/settings", h.handleGetSettings)
		r.Get("/runs/last", h.handleLastRun)
		r.Get("/hmis", h.handleHMIs)
		r.Get("/hmis/{hmi}/tags", h.handleTags)
		r.Get("/hmis/{hmi}/alarms", h.handleAlarms)
		r.Get("/events", h.handleSSE)

		r.Group(func(r chi.Router) {
			r.Use(h.adminOnlyMiddleware)
			r.Put("/settings", h.handlePutSettings)
			r.Post("/sync", h.handleSync)
		})
	})

	return r, cleanup
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// authMiddleware admits a request carrying a valid session or basic auth
// credentials. With no users configured the API is open and every caller is
// treated as an admin.
func (h *handlers) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := h.engine.GetConfig()
		if len(cfg.Web.Users) == 0 {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), roleKey, config.RoleAdmin)))
			return
		}

		if username, role, ok := h.sessions.getUser(r); ok {
			if cfg.FindWebUser(username) == nil {
				h.sessions.clear(w, r)
				h.writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), roleKey, role)))
			return
		}

		if username, password, ok := r.BasicAuth(); ok {
			if user := cfg.FindWebUser(username); user != nil && checkPassword(password, user.PasswordHash) {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), roleKey, user.Role)))
				return
			}
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="alarmsync"`)
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
	})
}

func (h *handlers) adminOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, _ := r.Context().Value(roleKey).(string)
		if !isAdmin(role) {
			h.writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Username == "" || req.Password == "" {
		h.writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user := h.engine.GetConfig().FindWebUser(req.Username)
	if user == nil || !checkPassword(req.Password, user.PasswordHash) {
		logging.DebugLog("api", "failed login for %q", req.Username)
		h.writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	if err := h.sessions.setUser(w, r, user.Username, user.Role); err != nil {
		h.writeError(w, http.StatusInternalServerError, "session error: "+err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"username": user.Username, "role": user.Role})
}

func (h *handlers) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.sessions.clear(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Running: h.engine.IsRunning(),
		MQTT:    h.engine.GetMQTTMgr().AnyRunning(),
		Valkey:  h.engine.GetValkeyMgr().AnyRunning(),
		Kafka:   h.engine.GetKafkaMgr().AnyConnected(),
		Push:    h.engine.GetPushMgr().AnyRunning(),
	}
	if ws := h.engine.GetWorkspace(); ws != nil {
		resp.Project = ws.File()
	}
	if last := h.engine.LastReport(); last != nil {
		resp.LastRun = last.ID
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.engine.Settings())
}

func (h *handlers) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var s config.Settings
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.engine.UpdateSettings(s); err != nil {
		h.writeError(w, errorStatus(err), err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, h.engine.Settings())
}

// handleSync runs the requested selections synchronously. Closing the
// request cancels the run between steps.
func (h *handlers) handleSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Selections) == 0 {
		h.writeError(w, http.StatusBadRequest, "selections must not be empty")
		return
	}

	rep, err := h.engine.Run(r.Context(), req.Selections)
	if err != nil && rep == nil {
		h.writeError(w, errorStatus(err), err.Error())
		return
	}
	status := http.StatusOK
	if err != nil {
		status = errorStatus(err)
	}
	h.writeJSON(w, status, rep)
}

func (h *handlers) handleLastRun(w http.ResponseWriter, r *http.Request) {
	if rep := h.engine.LastReport(); rep != nil {
		h.writeJSON(w, http.StatusOK, rep)
		return
	}

	// After a restart the last run only survives in Valkey.
	msg, err := h.engine.GetValkeyMgr().LastRun(r.Context())
	if err != nil {
		h.writeError(w, http.StatusNotFound, "no run recorded")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(msg.Data)
}

func (h *handlers) handleHMIs(w http.ResponseWriter, r *http.Request) {
	names, err := h.engine.StoredHMIs(r.Context())
	if err != nil {
		h.writeError(w, errorStatus(err), err.Error())
		return
	}
	if names == nil {
		names = []string{}
	}
	h.writeJSON(w, http.StatusOK, names)
}

func (h *handlers) handleTags(w http.ResponseWriter, r *http.Request) {
	c, ok := h.contents(w, r)
	if !ok {
		return
	}
	tags := c.Tags
	if tags == nil {
		tags = []hmi.Tag{}
	}
	h.writeJSON(w, http.StatusOK, tags)
}

func (h *handlers) handleAlarms(w http.ResponseWriter, r *http.Request) {
	c, ok := h.contents(w, r)
	if !ok {
		return
	}
	alarms := c.Alarms
	if alarms == nil {
		alarms = []hmi.Alarm{}
	}
	// ?text=plain strips the rich-text envelope from every slot.
	if r.URL.Query().Get("text") == "plain" {
		for i := range alarms {
			plain := make(map[string]string, len(alarms[i].Texts))
			for lang, slot := range alarms[i].Texts {
				plain[lang] = mltext.Unwrap(slot)
			}
			alarms[i].Texts = plain
		}
	}
	h.writeJSON(w, http.StatusOK, alarms)
}

// contents loads an HMI named in the URL, writing the error response itself
// when it cannot.
func (h *handlers) contents(w http.ResponseWriter, r *http.Request) (*hmi.Contents, bool) {
	name := chi.URLParam(r, "hmi")

	ws := h.engine.GetWorkspace()
	if ws == nil {
		h.writeError(w, http.StatusServiceUnavailable, engine.ErrNoActiveProject.Error())
		return nil, false
	}
	p, err := ws.Project(r.Context())
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
		return nil, false
	}
	if p.FindHMI(name) == nil {
		h.writeError(w, http.StatusNotFound, "HMI not found: "+name)
		return nil, false
	}

	c, err := h.engine.HMIContents(r.Context(), name)
	if err != nil {
		h.writeError(w, errorStatus(err), err.Error())
		return nil, false
	}
	return c, true
}

// errorStatus maps engine errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, engine.ErrNoActiveProject):
		return http.StatusServiceUnavailable
	case errors.Is(err, hmi.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrCancelled), errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
