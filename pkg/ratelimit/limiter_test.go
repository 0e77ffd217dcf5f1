package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimitsFor(t *testing.T) {
	limits := DefaultLimits()

	assert.Equal(t, Limit{Hourly: 30, Daily: 150}, limits.For("profile_visit"))
	assert.Equal(t, Limit{Hourly: 50, Daily: 500}, limits.For("kaspr_lookup"))
	assert.Equal(t, Limit{Hourly: 60, Daily: 300}, limits.For("never_heard_of_it"))
}

func TestPruneTimestamps(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	t.Run("drops entries older than one hour", func(t *testing.T) {
		timestamps := []time.Time{
			now.Add(-2 * time.Hour),
			now.Add(-61 * time.Minute),
			now.Add(-59 * time.Minute),
			now.Add(-time.Minute),
		}
		pruned := pruneTimestamps(timestamps, now)
		assert.Equal(t, []time.Time{now.Add(-59 * time.Minute), now.Add(-time.Minute)}, pruned)
	})

	t.Run("boundary entry exactly one hour old is dropped", func(t *testing.T) {
		pruned := pruneTimestamps([]time.Time{now.Add(-time.Hour)}, now)
		assert.Empty(t, pruned)
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Empty(t, pruneTimestamps(nil, now))
	})
}

func TestUntilMidnightUTC(t *testing.T) {
	now := time.Date(2026, 8, 24, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, time.Minute, untilMidnightUTC(now))

	startOfDay := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 24*time.Hour, untilMidnightUTC(startOfDay))
}

func TestUntilOldestExpires(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	t.Run("wait is remainder of the oldest entry's hour", func(t *testing.T) {
		timestamps := []time.Time{now.Add(-40 * time.Minute), now.Add(-5 * time.Minute)}
		assert.Equal(t, 20*time.Minute, untilOldestExpires(timestamps, now))
	})

	t.Run("already expired yields zero", func(t *testing.T) {
		timestamps := []time.Time{now.Add(-2 * time.Hour)}
		assert.Equal(t, time.Duration(0), untilOldestExpires(timestamps, now))
	})

	t.Run("empty yields zero", func(t *testing.T) {
		assert.Equal(t, time.Duration(0), untilOldestExpires(nil, now))
	})
}

func TestTimestampCodecRoundTrip(t *testing.T) {
	timestamps := []time.Time{
		time.Date(2026, 8, 24, 11, 30, 0, 123456789, time.UTC),
		time.Date(2026, 8, 24, 11, 45, 10, 0, time.UTC),
	}

	encoded := encodeTimestamps(timestamps)
	assert.Len(t, encoded, 2)

	raw := []byte(`["` + encoded[0] + `","` + encoded[1] + `"]`)
	decoded, err := decodeTimestamps(raw)
	assert.NoError(t, err)
	assert.Equal(t, timestamps, decoded)
}

func TestDecodeTimestampsEmpty(t *testing.T) {
	decoded, err := decodeTimestamps(nil)
	assert.NoError(t, err)
	assert.Empty(t, decoded)

	decoded, err = decodeTimestamps([]byte(`[]`))
	assert.NoError(t, err)
	assert.Empty(t, decoded)
}

func TestDecodeTimestampsMalformed(t *testing.T) {
	_, err := decodeTimestamps([]byte(`["not-a-time"]`))
	assert.Error(t, err)

	_, err = decodeTimestamps([]byte(`{"oops": true}`))
	assert.Error(t, err)
}
