// Package selector implements the Source Selector (spec.md §4.4): the
// waterfall that picks which upstream backend serves a request and, for
// every path except the pinned-profile bypass and the queued-default
// overflow, reserves a concurrency slot for it via the Concurrency Ledger.
package selector

import (
	"context"
	"errors"

	"github.com/llmgateway/llmgateway/pkg/ledger"
	"github.com/llmgateway/llmgateway/pkg/store"
)

// ErrNoSourceAvailable is returned when the waterfall exhausts every
// default, backup, and queued-default step.
var ErrNoSourceAvailable = errors.New("selector: no source available")

// Kind enumerates where an ActiveSource came from.
type Kind string

const (
	KindDefault Kind = "default"
	KindProfile Kind = "profile"
	KindBackup  Kind = "backup"
)

const (
	defaultConcurrencyFallback = 100
	backupConcurrencyFallback  = 10
)

// ActiveSource is the resolved upstream for a single request.
type ActiveSource struct {
	ID                           string
	Kind                         Kind
	APIURL                       string
	APIKey                       string
	ModelActual                  string
	DisableSystemPromptInjection bool
	SystemPromptFormat           store.SystemPromptFormat

	// ConcurrencyOwnerID is the id Release must later be called with, or
	// empty if no slot was acquired for this request (the pinned-profile
	// bypass, or the queued-default overflow path).
	ConcurrencyOwnerID string
}

// Store is the subset of the Store Client the selector depends on.
type Store interface {
	GetProfile(ctx context.Context, id string) (store.Profile, error)
	GetSettings(ctx context.Context) (store.GlobalSettings, error)
	ListBackupProfiles(ctx context.Context) ([]store.BackupProfile, error)
	TryAcquire(ctx context.Context, sourceID string, limit int) (ledger.Result, error)
}

// Selector resolves an ActiveSource for each dispatch request.
type Selector struct {
	store Store
}

// New creates a Selector backed by the given Store Client.
func New(store Store) *Selector {
	return &Selector{store: store}
}

// Select implements the waterfall in spec.md §4.4.
func (s *Selector) Select(ctx context.Context, rec store.KeyRecord) (ActiveSource, error) {
	if rec.SelectedAPIProfileID != "" {
		profile, err := s.store.GetProfile(ctx, rec.SelectedAPIProfileID)
		if err == nil && profile.IsActive {
			return activeSourceFromProfile(profile, KindProfile, ""), nil
		}
		// Missing or inactive: fall through to the waterfall below.
	}

	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		return ActiveSource{}, err
	}

	defaultLimit := settings.ConcurrencyLimit
	if defaultLimit == 0 {
		defaultLimit = defaultConcurrencyFallback
	}
	if settings.APIURL != "" {
		res, err := s.store.TryAcquire(ctx, "default", defaultLimit)
		if err != nil {
			return ActiveSource{}, err
		}
		if res.Allowed {
			return activeSourceFromSettings(settings, KindDefault, "default"), nil
		}
	}

	backups, err := s.store.ListBackupProfiles(ctx)
	if err != nil {
		return ActiveSource{}, err
	}
	for _, b := range backups {
		if !b.IsActive {
			continue
		}
		limit := b.ConcurrencyLimit
		if limit == 0 {
			limit = backupConcurrencyFallback
		}
		res, err := s.store.TryAcquire(ctx, b.ID, limit)
		if err != nil {
			return ActiveSource{}, err
		}
		if res.Allowed {
			return activeSourceFromProfile(b.Profile, KindBackup, b.ID), nil
		}
	}

	// Queued-default overflow: every prior step failed, but a default
	// source is configured. Forward anyway without a concurrency slot.
	if settings.APIURL != "" {
		return activeSourceFromSettings(settings, KindDefault, ""), nil
	}

	return ActiveSource{}, ErrNoSourceAvailable
}

func activeSourceFromProfile(p store.Profile, kind Kind, concurrencyOwnerID string) ActiveSource {
	return ActiveSource{
		ID:                           p.ID,
		Kind:                         kind,
		APIURL:                       p.APIURL,
		APIKey:                       p.APIKey,
		ModelActual:                  p.ModelActual,
		DisableSystemPromptInjection: p.DisableSystemPromptInjection,
		SystemPromptFormat:           p.SystemPromptFormat,
		ConcurrencyOwnerID:           concurrencyOwnerID,
	}
}

func activeSourceFromSettings(settings store.GlobalSettings, kind Kind, concurrencyOwnerID string) ActiveSource {
	return ActiveSource{
		ID:                 "default",
		Kind:               kind,
		APIURL:             settings.APIURL,
		APIKey:             settings.APIKey,
		ModelActual:        settings.ModelActual,
		SystemPromptFormat: settings.SystemPromptFormat,
		ConcurrencyOwnerID: concurrencyOwnerID,
	}
}
