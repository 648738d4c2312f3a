package stormguard

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	memorystore "github.com/ulule/limiter/v3/drivers/store/memory"
)

func newTestGuard(t *testing.T, settings Settings) *Guard {
	t.Helper()
	return New(
		NewMemoryRecordStore(clockwork.NewFakeClock()),
		memorystore.NewStore(),
		settings,
		nil,
		WithRand(rand.New(rand.NewSource(42))), //nolint:gosec
	)
}

// noIntervalSettings disables the minimum-interval check so other policy
// checks can be exercised in isolation.
func noIntervalSettings() Settings {
	return Settings{MinInterval: time.Nanosecond}
}

func TestGuard_IdenticalEventStorm(t *testing.T) {
	ctx := context.Background()
	guard := newTestGuard(t, Settings{MinInterval: time.Minute})

	check := Check{
		Key:         "contact-1:display:abc",
		PayloadHash: 0xabc,
		Topic:       "crm.entity.changed.v1",
		Actor:       "propagation_handler",
	}

	writes := 0
	rejected := 0
	for i := 0; i < 1000; i++ {
		v := guard.Allow(ctx, check)
		if v.Allowed {
			writes++
			require.NoError(t, guard.Commit(ctx, check))
		} else {
			rejected++
			assert.Equal(t, SkipUnchanged, v.Reason)
		}
	}

	assert.Equal(t, 1, writes, "identical storm must produce exactly one write")
	assert.Equal(t, 999, rejected)
}

func TestGuard_MinimumInterval(t *testing.T) {
	ctx := context.Background()
	guard := newTestGuard(t, Settings{MinInterval: time.Minute})

	// Distinct payloads so change-detection never triggers; the interval
	// check must still cap writes at one per window.
	writes := 0
	for i := 0; i < 50; i++ {
		v := guard.Allow(ctx, Check{
			Key:         "company-9:display",
			PayloadHash: uint64(i + 1),
			Topic:       "crm.entity.changed.v1",
		})
		if v.Allowed {
			writes++
		} else {
			assert.Equal(t, SkipInterval, v.Reason)
		}
	}
	assert.Equal(t, 1, writes)
}

func TestGuard_DeniedActor(t *testing.T) {
	ctx := context.Background()
	settings := noIntervalSettings()
	settings.DeniedActors = []string{"meta_logging", "crm.log.written.v1"}
	guard := newTestGuard(t, settings)

	v := guard.Allow(ctx, Check{Key: "k1", PayloadHash: 1, Topic: "crm.entity.changed.v1", Actor: "meta_logging"})
	assert.False(t, v.Allowed)
	assert.Equal(t, SkipDeniedActor, v.Reason)

	v = guard.Allow(ctx, Check{Key: "k2", PayloadHash: 1, Topic: "crm.log.written.v1", Actor: "other"})
	assert.False(t, v.Allowed)
	assert.Equal(t, SkipDeniedActor, v.Reason)

	v = guard.Allow(ctx, Check{Key: "k3", PayloadHash: 1, Topic: "crm.entity.changed.v1", Actor: "propagation_handler"})
	assert.True(t, v.Allowed)
}

func TestGuard_Sampling(t *testing.T) {
	ctx := context.Background()
	settings := noIntervalSettings()
	settings.SampledTopics = []string{"crm.activity."}
	settings.SampleRate = 0.5
	guard := newTestGuard(t, settings)

	allowed := 0
	sampledOut := 0
	for i := 0; i < 200; i++ {
		v := guard.Allow(ctx, Check{
			Key:         fmt.Sprintf("activity-%d", i),
			PayloadHash: uint64(i + 1),
			Topic:       "crm.activity.logged.v1",
		})
		if v.Allowed {
			allowed++
		} else {
			require.Equal(t, SkipSampled, v.Reason)
			sampledOut++
		}
	}
	assert.Equal(t, 200, allowed+sampledOut)
	assert.Greater(t, allowed, 0, "some sampled events must pass")
	assert.Greater(t, sampledOut, 0, "some sampled events must be dropped")

	// Unsampled topics are never dropped by sampling.
	v := guard.Allow(ctx, Check{Key: "edge-1", PayloadHash: 1, Topic: "crm.association.changed.v1"})
	assert.True(t, v.Allowed)
}

func TestGuard_UrgencyFloor(t *testing.T) {
	ctx := context.Background()
	settings := noIntervalSettings()
	settings.DegradedMode = true
	settings.UrgencyFloor = 5
	guard := newTestGuard(t, settings)

	v := guard.Allow(ctx, Check{Key: "k1", PayloadHash: 1, Topic: "t", Urgency: 3})
	assert.False(t, v.Allowed)
	assert.Equal(t, SkipUrgency, v.Reason)

	v = guard.Allow(ctx, Check{Key: "k2", PayloadHash: 1, Topic: "t", Urgency: 7})
	assert.True(t, v.Allowed)

	// Outside degraded mode the floor is inert.
	settings.DegradedMode = false
	guard.UpdateSettings(settings)
	v = guard.Allow(ctx, Check{Key: "k3", PayloadHash: 1, Topic: "t", Urgency: 0})
	assert.True(t, v.Allowed)
}

func TestGuard_ChangedPayloadNotDeduped(t *testing.T) {
	ctx := context.Background()
	guard := newTestGuard(t, noIntervalSettings())

	first := Check{Key: "contact-1:display", PayloadHash: 100, Topic: "t"}
	v := guard.Allow(ctx, first)
	require.True(t, v.Allowed)
	require.NoError(t, guard.Commit(ctx, first))

	// Same key, new content: must not be skipped as unchanged.
	second := first
	second.PayloadHash = 200
	v = guard.Allow(ctx, second)
	assert.True(t, v.Allowed)
}

func TestGuard_CommitOnlyAfterWrite(t *testing.T) {
	ctx := context.Background()
	guard := newTestGuard(t, noIntervalSettings())

	check := Check{Key: "deal-7:display", PayloadHash: 42, Topic: "t"}
	v := guard.Allow(ctx, check)
	require.True(t, v.Allowed)

	// Write failed, no Commit: the retry must pass change-detection again.
	v = guard.Allow(ctx, check)
	assert.True(t, v.Allowed)

	require.NoError(t, guard.Commit(ctx, check))
	v = guard.Allow(ctx, check)
	assert.False(t, v.Allowed)
	assert.Equal(t, SkipUnchanged, v.Reason)
}

func TestGuard_ForgetClearsDedupeRecord(t *testing.T) {
	ctx := context.Background()
	guard := newTestGuard(t, noIntervalSettings())

	check := Check{Key: "deal-7:contact-1", PayloadHash: 42, Topic: "t"}
	v := guard.Allow(ctx, check)
	require.True(t, v.Allowed)
	require.NoError(t, guard.Commit(ctx, check))

	v = guard.Allow(ctx, check)
	require.Equal(t, SkipUnchanged, v.Reason)

	// The propagated state was removed: the same payload must pass again.
	require.NoError(t, guard.Forget(ctx, check.Key))
	v = guard.Allow(ctx, check)
	assert.True(t, v.Allowed)
}

func TestSettingsEqual(t *testing.T) {
	base := Settings{
		MinInterval:   time.Minute,
		SampleRate:    0.5,
		SampledTopics: []string{"crm.entity."},
		DeniedActors:  []string{"meta_logging"},
	}
	require.True(t, settingsEqual(base, base))

	changed := base
	changed.MinInterval = 2 * time.Minute
	require.False(t, settingsEqual(base, changed))

	changed = base
	changed.DeniedActors = []string{"meta_logging", "self_update"}
	require.False(t, settingsEqual(base, changed))

	changed = base
	changed.SampledTopics = []string{"crm.association."}
	require.False(t, settingsEqual(base, changed))
}

func TestGuard_UpdateSettingsHotSwap(t *testing.T) {
	ctx := context.Background()
	guard := newTestGuard(t, noIntervalSettings())

	v := guard.Allow(ctx, Check{Key: "k1", PayloadHash: 1, Topic: "t", Actor: "batch_importer"})
	require.True(t, v.Allowed)

	settings := guard.Settings()
	settings.DeniedActors = []string{"batch_importer"}
	guard.UpdateSettings(settings)

	v = guard.Allow(ctx, Check{Key: "k2", PayloadHash: 1, Topic: "t", Actor: "batch_importer"})
	assert.False(t, v.Allowed)
	assert.Equal(t, SkipDeniedActor, v.Reason)
}

type staticSource struct {
	settings Settings
}

func (s *staticSource) Load(ctx context.Context) (Settings, error) {
	return s.settings, nil
}

func TestWatcher_PushesSettings(t *testing.T) {
	guard := newTestGuard(t, noIntervalSettings())

	want := noIntervalSettings()
	want.EmergencyMode = true
	watcher := NewWatcher(&staticSource{settings: want}, guard, 5*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = watcher.Run(ctx)

	assert.True(t, guard.Settings().EmergencyMode)
}
