package store

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis is a minimal in-memory stand-in for *redis.Client, enough to
// exercise GET/SET/DEL/INCR/DECR/EXPIRE under a single goroutine.
type fakeRedis struct {
	strings map[string]string
	ints    map[string]int64
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{strings: make(map[string]string), ints: make(map[string]int64)}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	if v, ok := f.strings[key]; ok {
		cmd.SetVal(v)
		return cmd
	}
	if v, ok := f.ints[key]; ok {
		cmd.SetVal(strconv.FormatInt(v, 10))
		return cmd
	}
	cmd.SetErr(redis.Nil)
	return cmd
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	switch v := value.(type) {
	case []byte:
		f.strings[key] = string(v)
	case string:
		f.strings[key] = v
	case int:
		f.ints[key] = int64(v)
	case int64:
		f.ints[key] = v
	}
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := f.strings[k]; ok {
			delete(f.strings, k)
			n++
		}
		if _, ok := f.ints[k]; ok {
			delete(f.ints, k)
			n++
		}
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) Incr(ctx context.Context, key string) *redis.IntCmd {
	f.ints[key]++
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(f.ints[key])
	return cmd
}

func (f *fakeRedis) Decr(ctx context.Context, key string) *redis.IntCmd {
	f.ints[key]--
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(f.ints[key])
	return cmd
}

func (f *fakeRedis) Expire(ctx context.Context, _ string, _ time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	cmd.SetVal(true)
	return cmd
}

func (f *fakeRedis) putJSON(t *testing.T, key string, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	f.strings[key] = string(raw)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGetKeyMigratesLegacySchema(t *testing.T) {
	rdb := newFakeRedis()
	rdb.strings["key:tok1"] = `{"activation_limit":3,"usage_today":{"date":"2020-01-01","count":2}}`
	c := New(rdb, testLogger(), 100, 0)

	rec, err := c.GetKey(context.Background(), "tok1")
	require.NoError(t, err)
	assert.Equal(t, 150, rec.DailyLimit, "legacy hint*50 migration")
	assert.Equal(t, 0, rec.UsageToday.Count, "stale day must roll to 0")
}

func TestGetKeyDefaultsWithoutLegacyHint(t *testing.T) {
	rdb := newFakeRedis()
	rdb.strings["key:tok2"] = `{"usage_today":{"date":"2020-01-01","count":0}}`
	c := New(rdb, testLogger(), 100, 0)

	rec, err := c.GetKey(context.Background(), "tok2")
	require.NoError(t, err)
	assert.Equal(t, 100, rec.DailyLimit)
}

func TestGetKeyNotFound(t *testing.T) {
	c := New(newFakeRedis(), testLogger(), 100, 0)
	_, err := c.GetKey(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetKeyRollsDayForward(t *testing.T) {
	rdb := newFakeRedis()
	rdb.putJSON(t, "key:tok3", KeyRecord{
		DailyLimit: 10,
		UsageToday: UsageToday{Date: "2000-01-01", Count: 9},
	})
	c := New(rdb, testLogger(), 100, 0)

	rec, err := c.GetKey(context.Background(), "tok3")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.UsageToday.Count)
	assert.NotEqual(t, "2000-01-01", rec.UsageToday.Date)
}

func TestCheckUsageInvalidKey(t *testing.T) {
	c := New(newFakeRedis(), testLogger(), 100, 0)
	res, err := c.CheckUsage(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonInvalidKey, res.Reason)
}

func TestCheckUsageDailyLimitReached(t *testing.T) {
	rdb := newFakeRedis()
	today := time.Now().UTC().Format("2006-01-02")
	rdb.putJSON(t, "key:tok4", KeyRecord{
		DailyLimit: 5,
		UsageToday: UsageToday{Date: today, Count: 5},
	})
	c := New(rdb, testLogger(), 100, 0)

	res, err := c.CheckUsage(context.Background(), "tok4")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonDailyLimitReached, res.Reason)
}

func TestIncrementUsageDedupsWithinWindow(t *testing.T) {
	rdb := newFakeRedis()
	today := time.Now().UTC().Format("2006-01-02")
	rdb.putJSON(t, "key:tok5", KeyRecord{
		DailyLimit:           100,
		UsageToday:           UsageToday{Date: today, Count: 3},
		LastConversationID:   "1.2.3.4:ua",
		LastRequestTimestamp: time.Now().Add(-5 * time.Second).UnixMilli(),
	})
	c := New(rdb, testLogger(), 100, 0)

	res, err := c.IncrementUsage(context.Background(), "tok5", "1.2.3.4:ua")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.False(t, res.ShouldIncrement, "same conversation within 60s must not double-count")
	assert.Equal(t, 3, res.Current)
}

func TestIncrementUsageNewConversationIncrements(t *testing.T) {
	rdb := newFakeRedis()
	today := time.Now().UTC().Format("2006-01-02")
	rdb.putJSON(t, "key:tok6", KeyRecord{
		DailyLimit: 100,
		UsageToday: UsageToday{Date: today, Count: 3},
	})
	c := New(rdb, testLogger(), 100, 0)

	res, err := c.IncrementUsage(context.Background(), "tok6", "5.6.7.8:ua")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, res.ShouldIncrement)
	assert.Equal(t, 4, res.Current)
}

func TestIncrementUsageWindowExpiredIncrements(t *testing.T) {
	rdb := newFakeRedis()
	today := time.Now().UTC().Format("2006-01-02")
	rdb.putJSON(t, "key:tok7", KeyRecord{
		DailyLimit:           100,
		UsageToday:           UsageToday{Date: today, Count: 3},
		LastConversationID:   "1.2.3.4:ua",
		LastRequestTimestamp: time.Now().Add(-90 * time.Second).UnixMilli(),
	})
	c := New(rdb, testLogger(), 100, 0)

	res, err := c.IncrementUsage(context.Background(), "tok7", "1.2.3.4:ua")
	require.NoError(t, err)
	assert.True(t, res.ShouldIncrement, "dedup window elapsed, must increment again")
	assert.Equal(t, 4, res.Current)
}

func TestGetSettingsCaches(t *testing.T) {
	rdb := newFakeRedis()
	rdb.putJSON(t, "settings", GlobalSettings{ModelDisplay: "gpt-proxy"})
	c := New(rdb, testLogger(), 100, 0)

	s, err := c.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "gpt-proxy", s.ModelDisplay)

	// Mutate the backing store directly; the cached copy should still win.
	rdb.putJSON(t, "settings", GlobalSettings{ModelDisplay: "changed"})
	s2, err := c.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "gpt-proxy", s2.ModelDisplay, "cache hit must not re-read the store")
}

func TestSaveSettingsInvalidatesCache(t *testing.T) {
	rdb := newFakeRedis()
	rdb.putJSON(t, "settings", GlobalSettings{ModelDisplay: "gpt-proxy"})
	c := New(rdb, testLogger(), 100, 0)

	_, err := c.GetSettings(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.SaveSettings(context.Background(), GlobalSettings{ModelDisplay: "updated"}))

	s, err := c.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "updated", s.ModelDisplay)
}

func TestGetModelConfigsSoftFailsToEmpty(t *testing.T) {
	c := New(newFakeRedis(), testLogger(), 100, 0)
	configs := c.GetModelConfigs(context.Background())
	assert.Empty(t, configs)
}

func TestGetAnnouncementsSoftFailsToEmpty(t *testing.T) {
	c := New(newFakeRedis(), testLogger(), 100, 0)
	list := c.GetAnnouncements(context.Background())
	assert.Empty(t, list)
}

func TestListBackupProfilesPreservesOrder(t *testing.T) {
	rdb := newFakeRedis()
	rdb.putJSON(t, "backup_profiles", []BackupProfile{
		{Profile: Profile{ID: "b1"}, ConcurrencyLimit: 10},
		{Profile: Profile{ID: "b2"}, ConcurrencyLimit: 5},
	})
	c := New(rdb, testLogger(), 100, 0)

	backups, err := c.ListBackupProfiles(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.Equal(t, "b1", backups[0].ID)
	assert.Equal(t, "b2", backups[1].ID)
}

func TestSaveProfileRegistersID(t *testing.T) {
	c := New(newFakeRedis(), testLogger(), 100, 0)
	ctx := context.Background()

	require.NoError(t, c.SaveProfile(ctx, Profile{ID: "p1", Name: "one"}))
	require.NoError(t, c.SaveProfile(ctx, Profile{ID: "p1", Name: "one-updated"}))
	require.NoError(t, c.SaveProfile(ctx, Profile{ID: "p2", Name: "two"}))

	profiles, err := c.ListProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, profiles, 2, "re-saving the same id must not duplicate it")
}

func TestDeleteProfileUnregistersID(t *testing.T) {
	c := New(newFakeRedis(), testLogger(), 100, 0)
	ctx := context.Background()

	require.NoError(t, c.SaveProfile(ctx, Profile{ID: "p1"}))
	require.NoError(t, c.SaveProfile(ctx, Profile{ID: "p2"}))
	require.NoError(t, c.DeleteProfile(ctx, "p1"))

	profiles, err := c.ListProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "p2", profiles[0].ID)
}

func TestConcurrencyPassthroughs(t *testing.T) {
	c := New(newFakeRedis(), testLogger(), 100, 0)
	ctx := context.Background()

	res, err := c.TryAcquire(ctx, "default", 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	current, err := c.ReadConcurrency(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), current)

	c.Release(ctx, "default")
	current, err = c.ReadConcurrency(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(0), current)
}
