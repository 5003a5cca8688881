package dispatch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/llmgateway/llmgateway/pkg/ledger"
	"github.com/llmgateway/llmgateway/pkg/selector"
	"github.com/llmgateway/llmgateway/pkg/store"
)

type fakeStore struct {
	keys         map[string]store.KeyRecord
	usage        store.UsageCheck
	usageErr     error
	settings     store.GlobalSettings
	profiles     map[string]store.Profile
	backups      []store.BackupProfile
	modelConfigs map[string]store.ModelConfig
	released     []string
	incremented  bool
	getKeyErr    error
}

func (f *fakeStore) GetKey(_ context.Context, token string) (store.KeyRecord, error) {
	if f.getKeyErr != nil {
		return store.KeyRecord{}, f.getKeyErr
	}
	rec, ok := f.keys[token]
	if !ok {
		return store.KeyRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (f *fakeStore) CheckUsage(_ context.Context, _ string) (store.UsageCheck, error) {
	return f.usage, f.usageErr
}

func (f *fakeStore) IncrementUsage(_ context.Context, _, _ string) (store.UsageCheck, error) {
	f.incremented = true
	return store.UsageCheck{Allowed: true}, nil
}

func (f *fakeStore) GetSettings(_ context.Context) (store.GlobalSettings, error) {
	return f.settings, nil
}

func (f *fakeStore) GetProfile(_ context.Context, id string) (store.Profile, error) {
	p, ok := f.profiles[id]
	if !ok {
		return store.Profile{}, store.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) ListBackupProfiles(_ context.Context) ([]store.BackupProfile, error) {
	return f.backups, nil
}

func (f *fakeStore) GetModelConfigs(_ context.Context) map[string]store.ModelConfig {
	return f.modelConfigs
}

func (f *fakeStore) Release(_ context.Context, sourceID string) {
	f.released = append(f.released, sourceID)
}

func (f *fakeStore) TryAcquire(_ context.Context, _ string, _ int) (ledger.Result, error) {
	return ledger.Result{Allowed: false}, nil
}

func newTestFakeStore() *fakeStore {
	return &fakeStore{
		keys:         make(map[string]store.KeyRecord),
		profiles:     make(map[string]store.Profile),
		modelConfigs: make(map[string]store.ModelConfig),
	}
}

func TestServeHTTPRejectsNonPost(t *testing.T) {
	h := New(newTestFakeStore(), nil, nil, nil, discardLogger())
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/messages", nil)
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestServeHTTPMissingAuth(t *testing.T) {
	h := New(newTestFakeStore(), nil, nil, nil, discardLogger())
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServeHTTPInvalidKey(t *testing.T) {
	fs := newTestFakeStore()
	h := New(fs, nil, nil, nil, discardLogger())
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))
	r.Header.Set("Authorization", "Bearer unknown")
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServeHTTPExpiredKey(t *testing.T) {
	fs := newTestFakeStore()
	fs.keys["tok"] = store.KeyRecord{Expiry: "2000-01-01"}
	h := New(fs, nil, nil, nil, discardLogger())
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))
	r.Header.Set("Authorization", "Bearer tok")
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestServeHTTPDailyLimitReached(t *testing.T) {
	fs := newTestFakeStore()
	fs.keys["tok"] = store.KeyRecord{}
	fs.usage = store.UsageCheck{Allowed: false, Current: 5, Limit: 5, Reason: store.ReasonDailyLimitReached}
	h := New(fs, nil, nil, nil, discardLogger())
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"Display","messages":[{"role":"user","content":"hi"}]}`))
	r.Header.Set("Authorization", "Bearer tok")
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), `"current_usage":5`)
}

func TestServeHTTPNoSourceAvailable(t *testing.T) {
	fs := newTestFakeStore()
	fs.keys["tok"] = store.KeyRecord{}
	fs.usage = store.UsageCheck{Allowed: true, Current: 1, Limit: 100}
	sel := selector.New(fs)
	h := New(fs, sel, nil, nil, discardLogger())
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"Display","messages":[{"role":"user","content":"hi"}]}`))
	r.Header.Set("Authorization", "Bearer tok")
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

type fakeNotifier struct {
	saturationSourceID string
	quotaWarned         bool
	quotaCurrent        int
	quotaLimit          int
}

func (f *fakeNotifier) WarnSaturation(_ context.Context, sourceID string) {
	f.saturationSourceID = sourceID
}

func (f *fakeNotifier) WarnQuotaNearLimit(_ context.Context, _ string, current, limit int) {
	f.quotaWarned = true
	f.quotaCurrent = current
	f.quotaLimit = limit
}

func TestServeHTTPWarnsQuotaNearLimit(t *testing.T) {
	fs := newTestFakeStore()
	fs.keys["tok"] = store.KeyRecord{}
	fs.usage = store.UsageCheck{Allowed: true, Current: 95, Limit: 100}
	sel := selector.New(fs)
	notifier := &fakeNotifier{}
	h := New(fs, sel, nil, notifier, discardLogger())
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"Display","messages":[{"role":"user","content":"hi"}]}`))
	r.Header.Set("Authorization", "Bearer tok")
	h.ServeHTTP(w, r)
	assert.True(t, notifier.quotaWarned)
	assert.Equal(t, 95, notifier.quotaCurrent)
	assert.Equal(t, 100, notifier.quotaLimit)
}

func TestServeHTTPSkipsQuotaWarningBelowThreshold(t *testing.T) {
	fs := newTestFakeStore()
	fs.keys["tok"] = store.KeyRecord{}
	fs.usage = store.UsageCheck{Allowed: true, Current: 1, Limit: 100}
	sel := selector.New(fs)
	notifier := &fakeNotifier{}
	h := New(fs, sel, nil, notifier, discardLogger())
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"Display","messages":[{"role":"user","content":"hi"}]}`))
	r.Header.Set("Authorization", "Bearer tok")
	h.ServeHTTP(w, r)
	assert.False(t, notifier.quotaWarned)
}

func TestTokenSuffix(t *testing.T) {
	assert.Equal(t, "abcd1234", tokenSuffix("sk-llmgw-abcd1234"))
	assert.Equal(t, "short", tokenSuffix("short"))
}

func TestIsExpired(t *testing.T) {
	assert.True(t, isExpired("2000-01-01"))
	assert.False(t, isExpired(""))
	assert.False(t, isExpired(time.Now().UTC().AddDate(0, 0, 1).Format("2006-01-02")))
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	r.Header.Set("X-Forwarded-For", "9.9.9.9, 1.1.1.1")
	r.RemoteAddr = "2.2.2.2:1234"
	assert.Equal(t, "9.9.9.9", clientIP(r))
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	r.RemoteAddr = "2.2.2.2:1234"
	assert.Equal(t, "2.2.2.2", clientIP(r))
}

func TestBearerTokenExtraction(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	assert.Equal(t, "abc123", bearerToken(r))
}

func TestBearerTokenMissingScheme(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	r.Header.Set("Authorization", "abc123")
	assert.Equal(t, "", bearerToken(r))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
