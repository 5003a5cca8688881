package adminapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/llmgateway/llmgateway/internal/httpserver"
)

// CacheInvalidator is implemented by the Store Client: it drops any
// locally cached copy of a KV entity so the next read goes to Redis.
type CacheInvalidator interface {
	InvalidateSettings()
	InvalidateProfile(id string)
	InvalidateBackupProfiles()
	InvalidateModelConfigs()
}

// InvalidateHandler serves POST /internal/cache/invalidate, authenticated
// via OAuth2 client-credentials: the admin surface and this process share
// one OAuth2 client, so the handler fetches its own token from the same
// token endpoint and compares it against the caller's bearer token rather
// than running a full introspection flow.
type InvalidateHandler struct {
	cache  CacheInvalidator
	logger *slog.Logger

	tokenSource oauthTokenSource

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
}

type oauthTokenSource interface {
	Token() (string, time.Time, error)
}

type clientCredentialsSource struct {
	cfg *clientcredentials.Config
}

func (s *clientCredentialsSource) Token() (string, time.Time, error) {
	tok, err := s.cfg.Token(context.Background())
	if err != nil {
		return "", time.Time{}, err
	}
	return tok.AccessToken, tok.Expiry, nil
}

// NewInvalidateHandler creates an InvalidateHandler. If tokenURL is empty
// the webhook is permanently disabled (every request returns 503) — the
// default remains the TTL-based cache expiry already built into the
// Store Client's read-through caches.
func NewInvalidateHandler(cache CacheInvalidator, logger *slog.Logger, tokenURL, clientID, clientSecret string) *InvalidateHandler {
	if tokenURL == "" {
		return &InvalidateHandler{cache: cache, logger: logger}
	}
	return &InvalidateHandler{
		cache:  cache,
		logger: logger,
		tokenSource: &clientCredentialsSource{cfg: &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
		}},
	}
}

func (h *InvalidateHandler) expectedToken() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cached != "" && time.Now().Before(h.expiresAt) {
		return h.cached, nil
	}
	tok, expiry, err := h.tokenSource.Token()
	if err != nil {
		return "", err
	}
	h.cached, h.expiresAt = tok, expiry
	return tok, nil
}

func bearerFrom(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

// invalidateRequest names which cached entity to drop. Entity is one of
// settings/profile/backup_profiles/model_configs; ID is only used for
// entity=profile.
type invalidateRequest struct {
	Entity string `json:"entity"`
	ID     string `json:"id,omitempty"`
}

// ServeHTTP implements http.Handler.
func (h *InvalidateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := httpserver.CorrelationIDFromContext(r.Context())

	if h.tokenSource == nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable, correlationID, "Service Unavailable", "cache invalidation webhook is not configured")
		return
	}

	expected, err := h.expectedToken()
	if err != nil {
		h.logger.Error("fetching client-credentials token", "error", err)
		httpserver.RespondError(w, http.StatusServiceUnavailable, correlationID, "Service Unavailable", "")
		return
	}

	got := bearerFrom(r)
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
		httpserver.RespondError(w, http.StatusUnauthorized, correlationID, "Unauthorized", "invalid or missing bearer token")
		return
	}

	var req invalidateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	switch req.Entity {
	case "settings":
		h.cache.InvalidateSettings()
	case "profile":
		h.cache.InvalidateProfile(req.ID)
	case "backup_profiles":
		h.cache.InvalidateBackupProfiles()
	case "model_configs":
		h.cache.InvalidateModelConfigs()
	default:
		httpserver.RespondError(w, http.StatusBadRequest, correlationID, "Invalid request", "unknown entity")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "invalidated"})
}
