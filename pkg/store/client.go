package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/llmgateway/llmgateway/pkg/ledger"
)

// RedisClient is the narrow Redis surface the Client depends on, kept as an
// interface so tests can supply a fake — mirrors the pattern used by the
// teacher's RateLimiter and Deduplicator.
type RedisClient interface {
	ledger.RedisClient
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

const (
	settingsTTL     = 30 * time.Second
	profilesTTL     = 60 * time.Second
	modelConfigsTTL = 120 * time.Second

	profilesCacheSize     = 512
	backupsCacheSize      = 1
	settingsCacheSize     = 1
	modelConfigsCacheSize = 1

	settingsCacheKey     = "settings"
	backupsCacheKey      = "backups"
	modelConfigsCacheKey = "model_configs"

	conversationDedupWindow = 60 * time.Second

	// legacyDailyLimitMultiplier converts a legacy numeric hint
	// (activation_limit or ip_limit) into a daily_limit during one-shot
	// migration (spec.md §4.1).
	legacyDailyLimitMultiplier = 50
)

const (
	settingsKey       = "settings"
	backupProfilesKey = "backup_profiles"
	modelConfigsKey   = "model_configs"
	profileIDsKey     = "profile_ids"
	announcementsKey  = "announcements"
)

func keyRecordKey(token string) string { return "key:" + token }
func profileKey(id string) string      { return "profile:" + id }

// Client is the Store Client (spec.md §4.1): typed read/write access to the
// remote key-value store, with read-through LRU memoization of read-mostly
// configuration and the Concurrency Ledger exposed as a passthrough.
type Client struct {
	redis  RedisClient
	logger *slog.Logger
	ledger *ledger.Ledger

	defaultDailyLimit int

	settingsCache     *ttlCache
	profilesCache     *ttlCache
	backupsCache      *ttlCache
	modelConfigsCache *ttlCache
}

// New creates a Client backed by the given Redis connection. lockTTL
// configures the Concurrency Ledger's stuck-lock guard (zero selects its
// default).
func New(rdb RedisClient, logger *slog.Logger, defaultDailyLimit int, lockTTL time.Duration) *Client {
	return &Client{
		redis:             rdb,
		logger:            logger,
		ledger:            ledger.New(rdb, logger, lockTTL),
		defaultDailyLimit: defaultDailyLimit,
		settingsCache:     newTTLCache(settingsCacheSize, settingsTTL),
		profilesCache:     newTTLCache(profilesCacheSize, profilesTTL),
		backupsCache:      newTTLCache(backupsCacheSize, profilesTTL),
		modelConfigsCache: newTTLCache(modelConfigsCacheSize, modelConfigsTTL),
	}
}

func (c *Client) getJSON(ctx context.Context, key string, dst any) error {
	raw, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("reading %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

func (c *Client) setJSON(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if err := c.redis.Set(ctx, key, raw, 0).Err(); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// legacyKeyRecord is the shape of a pre-migration KeyRecord: it lacks
// daily_limit but may carry one of two legacy numeric hints.
type legacyKeyRecord struct {
	KeyRecord
	ActivationLimit *int `json:"activation_limit,omitempty"`
	IPLimit         *int `json:"ip_limit,omitempty"`
}

func (c *Client) decodeKeyRecord(raw []byte) (KeyRecord, bool, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return KeyRecord{}, false, fmt.Errorf("decoding key record: %w", err)
	}
	_, hasDailyLimit := probe["daily_limit"]

	var legacy legacyKeyRecord
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return KeyRecord{}, false, fmt.Errorf("decoding key record: %w", err)
	}
	if hasDailyLimit {
		return legacy.KeyRecord, false, nil
	}

	// One-shot migration: default to 100, or hint*50 if a legacy numeric
	// hint is present.
	rec := legacy.KeyRecord
	rec.DailyLimit = c.defaultDailyLimit
	if legacy.ActivationLimit != nil {
		rec.DailyLimit = *legacy.ActivationLimit * legacyDailyLimitMultiplier
	} else if legacy.IPLimit != nil {
		rec.DailyLimit = *legacy.IPLimit * legacyDailyLimitMultiplier
	}
	return rec, true, nil
}

// GetKey reads the KeyRecord for tokenString, rolling usage_today forward
// if it refers to a prior day and migrating any legacy schema it finds.
// Returns ErrNotFound if the token does not exist.
func (c *Client) GetKey(ctx context.Context, tokenString string) (KeyRecord, error) {
	key := keyRecordKey(tokenString)
	raw, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return KeyRecord{}, ErrNotFound
		}
		return KeyRecord{}, fmt.Errorf("reading key record: %w", err)
	}

	rec, migrated, err := c.decodeKeyRecord([]byte(raw))
	if err != nil {
		return KeyRecord{}, err
	}

	today := time.Now().UTC().Format("2006-01-02")
	rolled := false
	if rec.UsageToday.Date != today {
		rec.UsageToday = UsageToday{Date: today, Count: 0}
		rolled = true
	}

	if migrated || rolled {
		if err := c.setJSON(ctx, key, rec); err != nil {
			return KeyRecord{}, fmt.Errorf("persisting migrated/rolled key record: %w", err)
		}
	}
	return rec, nil
}

// UsageCheck is the result of a usage pre-check or increment attempt.
type UsageCheck struct {
	Allowed         bool
	Current         int
	Limit           int
	Reason          string
	ShouldIncrement bool
}

const (
	ReasonDailyLimitReached = "daily_limit_reached"
	ReasonInvalidKey        = "invalid_key"
)

// CheckUsage performs a non-mutating quota pre-check.
func (c *Client) CheckUsage(ctx context.Context, tokenString string) (UsageCheck, error) {
	rec, err := c.GetKey(ctx, tokenString)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return UsageCheck{Allowed: false, Reason: ReasonInvalidKey}, nil
		}
		return UsageCheck{}, err
	}
	if rec.UsageToday.Count >= rec.DailyLimit {
		return UsageCheck{Allowed: false, Current: rec.UsageToday.Count, Limit: rec.DailyLimit, Reason: ReasonDailyLimitReached}, nil
	}
	return UsageCheck{Allowed: true, Current: rec.UsageToday.Count, Limit: rec.DailyLimit}, nil
}

// IncrementUsage implements the deferred-count, conversation-turn-dedup
// contract of spec.md §4.3. conversationId may be empty, in which case
// dedup never applies and every call increments.
func (c *Client) IncrementUsage(ctx context.Context, tokenString, conversationID string) (UsageCheck, error) {
	key := keyRecordKey(tokenString)
	rec, err := c.GetKey(ctx, tokenString)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return UsageCheck{Allowed: false, Reason: ReasonInvalidKey}, nil
		}
		return UsageCheck{}, err
	}
	if rec.UsageToday.Count >= rec.DailyLimit {
		return UsageCheck{Allowed: false, Current: rec.UsageToday.Count, Limit: rec.DailyLimit, Reason: ReasonDailyLimitReached}, nil
	}

	now := time.Now()
	if conversationID != "" && conversationID == rec.LastConversationID &&
		now.Sub(time.UnixMilli(rec.LastRequestTimestamp)) < conversationDedupWindow {
		return UsageCheck{Allowed: true, ShouldIncrement: false, Current: rec.UsageToday.Count, Limit: rec.DailyLimit}, nil
	}

	rec.UsageToday.Count++
	rec.LastConversationID = conversationID
	rec.LastRequestTimestamp = now.UnixMilli()
	if err := c.setJSON(ctx, key, rec); err != nil {
		return UsageCheck{}, fmt.Errorf("persisting incremented usage: %w", err)
	}
	return UsageCheck{Allowed: true, ShouldIncrement: true, Current: rec.UsageToday.Count, Limit: rec.DailyLimit}, nil
}

// SaveKey writes a KeyRecord, used by the admin surface.
func (c *Client) SaveKey(ctx context.Context, tokenString string, rec KeyRecord) error {
	return c.setJSON(ctx, keyRecordKey(tokenString), rec)
}

// DeleteKey removes a KeyRecord.
func (c *Client) DeleteKey(ctx context.Context, tokenString string) error {
	return c.redis.Del(ctx, keyRecordKey(tokenString)).Err()
}

// GetSettings returns the GlobalSettings singleton, read-through cached
// with a 30s TTL.
func (c *Client) GetSettings(ctx context.Context) (GlobalSettings, error) {
	if v, ok := c.settingsCache.get(settingsCacheKey); ok {
		return v.(GlobalSettings), nil
	}
	var s GlobalSettings
	if err := c.getJSON(ctx, settingsKey, &s); err != nil {
		return GlobalSettings{}, err
	}
	c.settingsCache.set(settingsCacheKey, s)
	return s, nil
}

// SaveSettings writes GlobalSettings and invalidates the cache.
func (c *Client) SaveSettings(ctx context.Context, s GlobalSettings) error {
	if err := c.setJSON(ctx, settingsKey, s); err != nil {
		return err
	}
	c.settingsCache.invalidate(settingsCacheKey)
	return nil
}

// GetProfile returns a single Profile by id, read-through cached with a 60s TTL.
func (c *Client) GetProfile(ctx context.Context, id string) (Profile, error) {
	if v, ok := c.profilesCache.get(id); ok {
		return v.(Profile), nil
	}
	var p Profile
	if err := c.getJSON(ctx, profileKey(id), &p); err != nil {
		return Profile{}, err
	}
	c.profilesCache.set(id, p)
	return p, nil
}

// SaveProfile writes a Profile, invalidates its cache entry, and registers
// its id so ListProfiles can enumerate it.
func (c *Client) SaveProfile(ctx context.Context, p Profile) error {
	if err := c.setJSON(ctx, profileKey(p.ID), p); err != nil {
		return err
	}
	c.profilesCache.invalidate(p.ID)
	return c.RegisterProfileID(ctx, p.ID)
}

// DeleteProfile removes a Profile, invalidates its cache entry, and
// unregisters its id.
func (c *Client) DeleteProfile(ctx context.Context, id string) error {
	if err := c.redis.Del(ctx, profileKey(id)).Err(); err != nil {
		return fmt.Errorf("deleting profile %s: %w", id, err)
	}
	c.profilesCache.invalidate(id)
	return c.UnregisterProfileID(ctx, id)
}

// ListProfiles returns every known Profile id's record. Profile ids
// themselves are tracked as a JSON array at a well-known key so they can
// be enumerated without a KEYS scan.
func (c *Client) ListProfiles(ctx context.Context) ([]Profile, error) {
	var ids []string
	if err := c.getJSON(ctx, profileIDsKey, &ids); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	profiles := make([]Profile, 0, len(ids))
	for _, id := range ids {
		p, err := c.GetProfile(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// RegisterProfileID adds id to the tracked set of profile ids if it is not
// already present, so ListProfiles can enumerate it. Called by the admin
// surface when creating a new Profile.
func (c *Client) RegisterProfileID(ctx context.Context, id string) error {
	var ids []string
	if err := c.getJSON(ctx, profileIDsKey, &ids); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	return c.setJSON(ctx, profileIDsKey, ids)
}

// UnregisterProfileID removes id from the tracked set of profile ids.
func (c *Client) UnregisterProfileID(ctx context.Context, id string) error {
	var ids []string
	if err := c.getJSON(ctx, profileIDsKey, &ids); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	filtered := ids[:0]
	for _, existing := range ids {
		if existing != id {
			filtered = append(filtered, existing)
		}
	}
	return c.setJSON(ctx, profileIDsKey, filtered)
}

// ListBackupProfiles returns the ordered backup chain, read-through cached
// with a 60s TTL. Order is significant — it IS the fallback priority — and
// is preserved exactly as stored.
func (c *Client) ListBackupProfiles(ctx context.Context) ([]BackupProfile, error) {
	if v, ok := c.backupsCache.get(backupsCacheKey); ok {
		return v.([]BackupProfile), nil
	}
	var backups []BackupProfile
	if err := c.getJSON(ctx, backupProfilesKey, &backups); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.backupsCache.set(backupsCacheKey, []BackupProfile(nil))
			return nil, nil
		}
		return nil, err
	}
	c.backupsCache.set(backupsCacheKey, backups)
	return backups, nil
}

// SaveBackupProfiles writes the ordered backup chain and invalidates the cache.
func (c *Client) SaveBackupProfiles(ctx context.Context, backups []BackupProfile) error {
	if err := c.setJSON(ctx, backupProfilesKey, backups); err != nil {
		return err
	}
	c.backupsCache.invalidate(backupsCacheKey)
	return nil
}

// GetModelConfigs returns the model-config map, read-through cached with a
// 120s TTL. Per spec.md §4.1 failure semantics, a store error here is
// non-fatal: it returns an empty map rather than propagating.
func (c *Client) GetModelConfigs(ctx context.Context) map[string]ModelConfig {
	if v, ok := c.modelConfigsCache.get(modelConfigsCacheKey); ok {
		return v.(map[string]ModelConfig)
	}
	var configs map[string]ModelConfig
	if err := c.getJSON(ctx, modelConfigsKey, &configs); err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Warn("loading model configs, returning empty", "error", err)
		}
		return map[string]ModelConfig{}
	}
	c.modelConfigsCache.set(modelConfigsCacheKey, configs)
	return configs
}

// SaveModelConfigs writes the model-config map and invalidates the cache.
func (c *Client) SaveModelConfigs(ctx context.Context, configs map[string]ModelConfig) error {
	if err := c.setJSON(ctx, modelConfigsKey, configs); err != nil {
		return err
	}
	c.modelConfigsCache.invalidate(modelConfigsCacheKey)
	return nil
}

// GetAnnouncements returns the stored announcement list as is; it does
// not filter by is_active or start/end time. Per spec.md §4.1 failure
// semantics this soft-fails to an empty slice on any store error.
func (c *Client) GetAnnouncements(ctx context.Context) []Announcement {
	var list []Announcement
	if err := c.getJSON(ctx, announcementsKey, &list); err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Warn("loading announcements, returning empty", "error", err)
		}
		return nil
	}
	return list
}

// SaveAnnouncements writes the announcement list.
func (c *Client) SaveAnnouncements(ctx context.Context, list []Announcement) error {
	return c.setJSON(ctx, announcementsKey, list)
}

// InvalidateSettings drops the cached GlobalSettings singleton, forcing
// the next GetSettings to read through to Redis. Used by the admin
// surface's cross-process cache-invalidation webhook.
func (c *Client) InvalidateSettings() {
	c.settingsCache.invalidate(settingsCacheKey)
}

// InvalidateProfile drops a single cached Profile by id.
func (c *Client) InvalidateProfile(id string) {
	c.profilesCache.invalidate(id)
}

// InvalidateBackupProfiles drops the cached backup chain.
func (c *Client) InvalidateBackupProfiles() {
	c.backupsCache.invalidate(backupsCacheKey)
}

// InvalidateModelConfigs drops the cached model-config map.
func (c *Client) InvalidateModelConfigs() {
	c.modelConfigsCache.invalidate(modelConfigsCacheKey)
}

// TryAcquire, Release and ReadConcurrency are Concurrency Ledger
// passthroughs (spec.md §4.1 final bullet).
func (c *Client) TryAcquire(ctx context.Context, sourceID string, limit int) (ledger.Result, error) {
	return c.ledger.TryAcquire(ctx, sourceID, limit)
}

func (c *Client) Release(ctx context.Context, sourceID string) {
	c.ledger.Release(ctx, sourceID)
}

func (c *Client) ReadConcurrency(ctx context.Context, sourceID string) (int64, error) {
	return c.ledger.Read(ctx, sourceID)
}
