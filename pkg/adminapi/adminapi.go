// Package adminapi is a thin stand-in for the out-of-scope admin
// dashboard (spec.md §1): CRUD over Profile, BackupProfile,
// GlobalSettings, ModelConfig, Announcement, and KeyRecord issuance,
// sufficient to exercise the Store Client's write+invalidate contract
// and the admin mutation audit trail.
package adminapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/llmgateway/llmgateway/internal/audit"
	"github.com/llmgateway/llmgateway/internal/httpserver"
	"github.com/llmgateway/llmgateway/pkg/store"
)

// Store is the subset of the Store Client the admin surface writes
// through.
type Store interface {
	GetKey(ctx context.Context, tokenString string) (store.KeyRecord, error)
	SaveKey(ctx context.Context, tokenString string, rec store.KeyRecord) error
	DeleteKey(ctx context.Context, tokenString string) error

	GetProfile(ctx context.Context, id string) (store.Profile, error)
	SaveProfile(ctx context.Context, p store.Profile) error
	DeleteProfile(ctx context.Context, id string) error
	ListProfiles(ctx context.Context) ([]store.Profile, error)

	ListBackupProfiles(ctx context.Context) ([]store.BackupProfile, error)
	SaveBackupProfiles(ctx context.Context, backups []store.BackupProfile) error

	GetSettings(ctx context.Context) (store.GlobalSettings, error)
	SaveSettings(ctx context.Context, s store.GlobalSettings) error

	GetModelConfigs(ctx context.Context) map[string]store.ModelConfig
	SaveModelConfigs(ctx context.Context, configs map[string]store.ModelConfig) error

	GetAnnouncements(ctx context.Context) []store.Announcement
	SaveAnnouncements(ctx context.Context, list []store.Announcement) error
}

// Handler exposes the admin surface's CRUD routes.
type Handler struct {
	store  Store
	audit  *audit.Writer
	logger *slog.Logger
}

// NewHandler creates an admin API Handler. audit may be nil, in which
// case mutations are not recorded.
func NewHandler(st Store, auditWriter *audit.Writer, logger *slog.Logger) *Handler {
	return &Handler{store: st, audit: auditWriter, logger: logger}
}

// Routes returns a chi.Router with every admin CRUD route mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/profiles", func(r chi.Router) {
		r.Get("/", h.handleListProfiles)
		r.Put("/{id}", h.handleSaveProfile)
		r.Delete("/{id}", h.handleDeleteProfile)
	})

	r.Route("/backup-profiles", func(r chi.Router) {
		r.Get("/", h.handleListBackupProfiles)
		r.Put("/", h.handleSaveBackupProfiles)
	})

	r.Route("/settings", func(r chi.Router) {
		r.Get("/", h.handleGetSettings)
		r.Put("/", h.handleSaveSettings)
	})

	r.Route("/models", func(r chi.Router) {
		r.Get("/", h.handleGetModelConfigs)
		r.Put("/", h.handleSaveModelConfigs)
	})

	r.Route("/announcements", func(r chi.Router) {
		r.Get("/", h.handleGetAnnouncements)
		r.Put("/", h.handleSaveAnnouncements)
	})

	r.Route("/keys", func(r chi.Router) {
		r.Post("/", h.handleIssueKey)
		r.Get("/{token}", h.handleGetKey)
		r.Delete("/{token}", h.handleDeleteKey)
	})

	return r
}

func (h *Handler) logMutation(r *http.Request, action, resource, resourceID string, detail any) {
	if h.audit == nil {
		return
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		h.logger.Warn("encoding audit detail", "error", err)
		raw = nil
	}
	h.audit.LogFromRequest(r, actorFromRequest(r), action, resource, resourceID, raw)
}

// actorFromRequest identifies the caller for the audit trail. The admin
// surface itself is out of scope (spec.md §1), so this trusts an
// X-Admin-Actor header rather than decoding a session.
func actorFromRequest(r *http.Request) string {
	if actor := r.Header.Get("X-Admin-Actor"); actor != "" {
		return actor
	}
	return "unknown"
}

func (h *Handler) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.store.ListProfiles(r.Context())
	if err != nil {
		h.respondInternal(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"profiles": profiles})
}

func (h *Handler) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var p store.Profile
	if !decodeJSON(w, r, &p) {
		return
	}
	p.ID = id

	if err := h.store.SaveProfile(r.Context(), p); err != nil {
		h.respondInternal(w, r, err)
		return
	}
	h.logMutation(r, "save", "profile", id, p)
	httpserver.Respond(w, http.StatusOK, p)
}

func (h *Handler) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.DeleteProfile(r.Context(), id); err != nil {
		h.respondInternal(w, r, err)
		return
	}
	h.logMutation(r, "delete", "profile", id, nil)
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleListBackupProfiles(w http.ResponseWriter, r *http.Request) {
	backups, err := h.store.ListBackupProfiles(r.Context())
	if err != nil {
		h.respondInternal(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"backup_profiles": backups})
}

func (h *Handler) handleSaveBackupProfiles(w http.ResponseWriter, r *http.Request) {
	var backups []store.BackupProfile
	if !decodeJSON(w, r, &backups) {
		return
	}
	if err := h.store.SaveBackupProfiles(r.Context(), backups); err != nil {
		h.respondInternal(w, r, err)
		return
	}
	h.logMutation(r, "save", "backup_profiles", "", map[string]int{"count": len(backups)})
	httpserver.Respond(w, http.StatusOK, map[string]any{"backup_profiles": backups})
}

func (h *Handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.store.GetSettings(r.Context())
	if err != nil {
		h.respondInternal(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, settings)
}

func (h *Handler) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var s store.GlobalSettings
	if !decodeJSON(w, r, &s) {
		return
	}
	if err := h.store.SaveSettings(r.Context(), s); err != nil {
		h.respondInternal(w, r, err)
		return
	}
	h.logMutation(r, "save", "settings", "", s)
	httpserver.Respond(w, http.StatusOK, s)
}

func (h *Handler) handleGetModelConfigs(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, map[string]any{"models": h.store.GetModelConfigs(r.Context())})
}

func (h *Handler) handleSaveModelConfigs(w http.ResponseWriter, r *http.Request) {
	var configs map[string]store.ModelConfig
	if !decodeJSON(w, r, &configs) {
		return
	}
	if err := h.store.SaveModelConfigs(r.Context(), configs); err != nil {
		h.respondInternal(w, r, err)
		return
	}
	h.logMutation(r, "save", "model_configs", "", map[string]int{"count": len(configs)})
	httpserver.Respond(w, http.StatusOK, map[string]any{"models": configs})
}

func (h *Handler) handleGetAnnouncements(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, map[string]any{"announcements": h.store.GetAnnouncements(r.Context())})
}

func (h *Handler) handleSaveAnnouncements(w http.ResponseWriter, r *http.Request) {
	var list []store.Announcement
	if !decodeJSON(w, r, &list) {
		return
	}
	if err := h.store.SaveAnnouncements(r.Context(), list); err != nil {
		h.respondInternal(w, r, err)
		return
	}
	h.logMutation(r, "save", "announcements", "", map[string]int{"count": len(list)})
	httpserver.Respond(w, http.StatusOK, map[string]any{"announcements": list})
}

// issueKeyRequest is the body for POST /keys.
type issueKeyRequest struct {
	DailyLimit           int    `json:"daily_limit"`
	Expiry               string `json:"expiry"`
	SelectedModel        string `json:"selected_model,omitempty"`
	SelectedAPIProfileID string `json:"selected_api_profile_id,omitempty"`
}

func (h *Handler) handleIssueKey(w http.ResponseWriter, r *http.Request) {
	var req issueKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	token, err := generateToken()
	if err != nil {
		h.respondInternal(w, r, err)
		return
	}

	rec := store.KeyRecord{
		DailyLimit:           req.DailyLimit,
		Expiry:               req.Expiry,
		SelectedModel:        req.SelectedModel,
		SelectedAPIProfileID: req.SelectedAPIProfileID,
	}
	if err := h.store.SaveKey(r.Context(), token, rec); err != nil {
		h.respondInternal(w, r, err)
		return
	}

	h.logMutation(r, "issue", "key", tokenSuffix(token), rec)
	httpserver.Respond(w, http.StatusCreated, map[string]any{"token": token, "key": rec})
}

func (h *Handler) handleGetKey(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	rec, err := h.store.GetKey(r.Context(), token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, httpserver.CorrelationIDFromContext(r.Context()), "Not found", "no such key")
			return
		}
		h.respondInternal(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, rec)
}

func (h *Handler) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if err := h.store.DeleteKey(r.Context(), token); err != nil {
		h.respondInternal(w, r, err)
		return
	}
	h.logMutation(r, "delete", "key", tokenSuffix(token), nil)
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) respondInternal(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("admin api error", "error", err, "correlation_id", httpserver.CorrelationIDFromContext(r.Context()))
	httpserver.RespondError(w, http.StatusInternalServerError, httpserver.CorrelationIDFromContext(r.Context()), "Internal server error", "")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, httpserver.CorrelationIDFromContext(r.Context()), "Invalid request", "malformed JSON body")
		return false
	}
	return true
}

// tokenSuffix returns the last 8 characters of a token for audit/alert
// logging, so the raw caller secret never appears in logs or Slack.
func tokenSuffix(token string) string {
	const n = 8
	if len(token) <= n {
		return token
	}
	return token[len(token)-n:]
}

func generateToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "sk-llmgw-" + hex.EncodeToString(buf), nil
}
