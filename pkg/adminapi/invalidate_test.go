package adminapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCacheInvalidator struct {
	settingsInvalidated bool
	invalidatedProfile  string
	backupsInvalidated  bool
	modelsInvalidated   bool
}

func (f *fakeCacheInvalidator) InvalidateSettings()       { f.settingsInvalidated = true }
func (f *fakeCacheInvalidator) InvalidateProfile(id string) { f.invalidatedProfile = id }
func (f *fakeCacheInvalidator) InvalidateBackupProfiles() { f.backupsInvalidated = true }
func (f *fakeCacheInvalidator) InvalidateModelConfigs()   { f.modelsInvalidated = true }

type fakeTokenSource struct {
	token string
}

func (f *fakeTokenSource) Token() (string, time.Time, error) {
	return f.token, time.Now().Add(time.Hour), nil
}

func newTestInvalidateHandler(cache *fakeCacheInvalidator, token string) *InvalidateHandler {
	return &InvalidateHandler{
		cache:       cache,
		logger:      testLogger(),
		tokenSource: &fakeTokenSource{token: token},
	}
}

func TestInvalidateRejectsMissingToken(t *testing.T) {
	cache := &fakeCacheInvalidator{}
	h := newTestInvalidateHandler(cache, "secret-token")

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/internal/cache/invalidate", bytes.NewReader([]byte(`{"entity":"settings"}`)))
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, cache.settingsInvalidated)
}

func TestInvalidateRejectsWrongToken(t *testing.T) {
	cache := &fakeCacheInvalidator{}
	h := newTestInvalidateHandler(cache, "secret-token")

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/internal/cache/invalidate", bytes.NewReader([]byte(`{"entity":"settings"}`)))
	r.Header.Set("Authorization", "Bearer wrong-token")
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestInvalidateSettingsWithValidToken(t *testing.T) {
	cache := &fakeCacheInvalidator{}
	h := newTestInvalidateHandler(cache, "secret-token")

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/internal/cache/invalidate", bytes.NewReader([]byte(`{"entity":"settings"}`)))
	r.Header.Set("Authorization", "Bearer secret-token")
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, cache.settingsInvalidated)
}

func TestInvalidateProfileByID(t *testing.T) {
	cache := &fakeCacheInvalidator{}
	h := newTestInvalidateHandler(cache, "secret-token")

	body, _ := json.Marshal(invalidateRequest{Entity: "profile", ID: "p1"})
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/internal/cache/invalidate", bytes.NewReader(body))
	r.Header.Set("Authorization", "Bearer secret-token")
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "p1", cache.invalidatedProfile)
}

func TestInvalidateUnknownEntity(t *testing.T) {
	cache := &fakeCacheInvalidator{}
	h := newTestInvalidateHandler(cache, "secret-token")

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/internal/cache/invalidate", bytes.NewReader([]byte(`{"entity":"bogus"}`)))
	r.Header.Set("Authorization", "Bearer secret-token")
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInvalidateDisabledWhenUnconfigured(t *testing.T) {
	h := NewInvalidateHandler(&fakeCacheInvalidator{}, testLogger(), "", "", "")

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/internal/cache/invalidate", bytes.NewReader([]byte(`{"entity":"settings"}`)))
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
