// Package dispatch implements the Entry Handler (spec.md §4.7): the
// per-request pipeline wiring auth, quota pre-check, source selection,
// request transformation, and the relay, with the error-kind → HTTP
// status mapping of spec.md §7.
package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/llmgateway/llmgateway/internal/httpserver"
	"github.com/llmgateway/llmgateway/pkg/notify"
	"github.com/llmgateway/llmgateway/pkg/relay"
	"github.com/llmgateway/llmgateway/pkg/selector"
	"github.com/llmgateway/llmgateway/pkg/store"
	"github.com/llmgateway/llmgateway/pkg/transform"
	"github.com/llmgateway/llmgateway/pkg/usage"
)

// Store is the full surface the Entry Handler needs from the Store
// Client: the usage/selector dependencies plus GetKey/CheckUsage/model
// configs directly.
type Store interface {
	GetKey(ctx context.Context, tokenString string) (store.KeyRecord, error)
	CheckUsage(ctx context.Context, tokenString string) (store.UsageCheck, error)
	IncrementUsage(ctx context.Context, tokenString, conversationID string) (store.UsageCheck, error)
	GetSettings(ctx context.Context) (store.GlobalSettings, error)
	GetProfile(ctx context.Context, id string) (store.Profile, error)
	ListBackupProfiles(ctx context.Context) ([]store.BackupProfile, error)
	GetModelConfigs(ctx context.Context) map[string]store.ModelConfig
	Release(ctx context.Context, sourceID string)
}

// Notifier posts operational warnings that never affect the dispatch
// decision itself (spec.md §5 supplemental: backend saturation and
// near-quota keys).
type Notifier interface {
	WarnSaturation(ctx context.Context, sourceID string)
	WarnQuotaNearLimit(ctx context.Context, tokenSuffix string, current, limit int)
}

// Handler is the Entry Handler: it implements http.Handler for every
// POST /v1/* route.
type Handler struct {
	store    Store
	selector *selector.Selector
	relay    *relay.Relay
	notifier Notifier
	logger   *slog.Logger
}

// New creates an Entry Handler. notifier may be nil, in which case
// saturation/quota warnings are skipped entirely.
func New(st Store, sel *selector.Selector, rl *relay.Relay, notifier Notifier, logger *slog.Logger) *Handler {
	return &Handler{store: st, selector: sel, relay: rl, notifier: notifier, logger: logger}
}

const maxBodySize = 10 << 20 // 10 MiB, generous for a chat-completions payload

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

func isExpired(expiry string) bool {
	if expiry == "" {
		return false
	}
	d, err := time.Parse("2006-01-02", expiry)
	if err != nil {
		return false
	}
	today := time.Now().UTC().Truncate(24 * time.Hour)
	return d.Before(today)
}

// ServeHTTP implements the pipeline described in spec.md §4.7.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := httpserver.CorrelationIDFromContext(ctx)

	if r.Method != http.MethodPost {
		httpserver.RespondError(w, http.StatusMethodNotAllowed, correlationID, "Method not allowed", "only POST is supported")
		return
	}

	token := bearerToken(r)
	if token == "" {
		httpserver.RespondError(w, http.StatusUnauthorized, correlationID, "Missing or invalid Authorization header", "")
		return
	}

	rec, err := h.store.GetKey(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpserver.RespondError(w, http.StatusUnauthorized, correlationID, "Invalid API key", "")
			return
		}
		h.respondInternal(w, correlationID, err)
		return
	}
	if isExpired(rec.Expiry) {
		httpserver.RespondError(w, http.StatusForbidden, correlationID, "API key has expired", "")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, correlationID, "Invalid request", "could not read request body")
		return
	}

	shouldCountUsage := usage.ShouldCountUsage(r.URL.Path, body)

	usageCheck, err := h.store.CheckUsage(ctx, token)
	if err != nil {
		h.respondInternal(w, correlationID, err)
		return
	}
	if !usageCheck.Allowed {
		current, limit := usageCheck.Current, usageCheck.Limit
		httpserver.RespondErrorWith(w, http.StatusTooManyRequests, correlationID, "Daily limit reached", "",
			httpserver.WithUsageFields(current, limit))
		return
	}
	if h.notifier != nil && notify.ShouldWarnQuota(usageCheck.Current, usageCheck.Limit) {
		h.notifier.WarnQuotaNearLimit(ctx, tokenSuffix(token), usageCheck.Current, usageCheck.Limit)
	}

	src, err := h.selector.Select(ctx, rec)
	if err != nil {
		if errors.Is(err, selector.ErrNoSourceAvailable) {
			httpserver.RespondError(w, http.StatusServiceUnavailable, correlationID, "Service Unavailable", "")
			return
		}
		h.respondInternal(w, correlationID, err)
		return
	}
	if h.notifier != nil && src.Kind == selector.KindDefault && src.ConcurrencyOwnerID == "" {
		h.notifier.WarnSaturation(ctx, src.ID)
	}
	releaseOnce := func() {
		if src.ConcurrencyOwnerID != "" {
			h.store.Release(ctx, src.ConcurrencyOwnerID)
		}
	}

	settings, err := h.store.GetSettings(ctx)
	if err != nil {
		releaseOnce()
		h.respondInternal(w, correlationID, err)
		return
	}

	reqBody, err := transform.Decode(body)
	if err != nil {
		releaseOnce()
		httpserver.RespondError(w, http.StatusBadRequest, correlationID, "Invalid model", "malformed request body")
		return
	}

	if err := transform.ValidateAndSwapModel(reqBody, settings, src); err != nil {
		releaseOnce()
		httpserver.RespondErrorWith(w, http.StatusBadRequest, correlationID, "Invalid model", err.Error(),
			httpserver.WithType("invalid_request_error"))
		return
	}

	modelConfigPrompt := ""
	if rec.SelectedModel != "" {
		if cfg, ok := h.store.GetModelConfigs(ctx)[rec.SelectedModel]; ok {
			modelConfigPrompt = cfg.SystemPrompt
		}
	}
	transform.InjectSystemPrompt(reqBody, r.URL.Path, modelConfigPrompt, settings, src)

	upstreamURL := transform.BuildUpstreamURL(src.APIURL, r.URL.Path+queryOrEmpty(r))
	out, err := transform.Marshal(reqBody)
	if err != nil {
		releaseOnce()
		h.respondInternal(w, correlationID, err)
		return
	}

	conversationID := ""
	if shouldCountUsage {
		conversationID = usage.ConversationID(clientIP(r), r.UserAgent())
	}
	reservation := usage.Reserve(token, conversationID, shouldCountUsage, h.store)

	streaming := isStreamingRequest(reqBody)
	modelActual, _ := reqBody["model"].(string)

	var outcome relay.Outcome
	if streaming {
		outcome, err = h.relay.Stream(ctx, w, upstreamURL, out, src.APIKey, modelActual, settings.ModelDisplay, releaseOnce)
	} else {
		outcome, err = h.relay.Unary(ctx, w, upstreamURL, out, src.APIKey, modelActual, settings.ModelDisplay, releaseOnce)
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			h.logger.Warn("upstream timeout", "correlation_id", correlationID)
		} else {
			h.logger.Error("relay error", "error", err, "correlation_id", correlationID)
		}
		reservation.Drop()
		return
	}

	if outcome.Success {
		if _, err := reservation.Commit(ctx); err != nil {
			h.logger.Warn("committing usage reservation", "error", err, "correlation_id", correlationID)
		}
	} else {
		reservation.Drop()
	}
}

func (h *Handler) respondInternal(w http.ResponseWriter, correlationID string, err error) {
	h.logger.Error("internal server error", "error", err, "correlation_id", correlationID)
	httpserver.RespondError(w, http.StatusInternalServerError, correlationID, "Internal server error", "")
}

func queryOrEmpty(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return ""
	}
	return "?" + r.URL.RawQuery
}

func isStreamingRequest(body transform.Request) bool {
	v, ok := body["stream"].(bool)
	return ok && v
}

// tokenSuffix returns the last 8 characters of an API key for log/alert
// purposes, never the key itself.
func tokenSuffix(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[len(token)-8:]
}
