package stormguard

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettings_Defaults(t *testing.T) {
	s := Settings{}.withDefaults()
	assert.Equal(t, 2*time.Minute, s.MinInterval)
	assert.Equal(t, 24*time.Hour, s.RecordTTL)
	assert.Equal(t, 1.0, s.SampleRate)
	assert.Equal(t, 10.0, s.EmergencyMultiplier)
}

func TestSettings_EmergencyMultipliesThresholds(t *testing.T) {
	s := Settings{
		MinInterval:         time.Minute,
		SampleRate:          0.5,
		UrgencyFloor:        2,
		EmergencyMode:       true,
		EmergencyMultiplier: 4,
	}

	eff := s.effective()
	assert.Equal(t, 4*time.Minute, eff.MinInterval)
	assert.InDelta(t, 0.125, eff.SampleRate, 1e-9)
	assert.Equal(t, 8, eff.UrgencyFloor)
	assert.True(t, eff.DegradedMode, "emergency implies degraded mode")
}

func TestSettings_EffectiveWithoutEmergency(t *testing.T) {
	s := Settings{MinInterval: time.Minute, SampleRate: 0.5}
	eff := s.effective()
	assert.Equal(t, time.Minute, eff.MinInterval)
	assert.Equal(t, 0.5, eff.SampleRate)
	assert.False(t, eff.DegradedMode)
}

func TestMemoryRecordStore_TTL(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := NewMemoryRecordStore(clock)

	require.NoError(t, store.Touch(ctx, "k", 7, time.Hour))

	hash, ok, err := store.LastHash(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(7), hash)

	clock.Advance(2 * time.Hour)

	_, ok, err = store.LastHash(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "record must expire after its TTL")
	assert.Equal(t, 0, store.Len())
}

func TestMemoryRecordStore_Overwrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRecordStore(clockwork.NewFakeClock())

	require.NoError(t, store.Touch(ctx, "k", 1, time.Hour))
	require.NoError(t, store.Touch(ctx, "k", 2, time.Hour))

	hash, ok, err := store.LastHash(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(2), hash)
	assert.Equal(t, 1, store.Len())
}
