package throttling_test

import (
	"testing"
	"time"

	"github.com/jimmy777/ditto-connectivity/pkg/throttling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlidingWindowCounter_RateSumsBucketsWithinWindow(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := base
	clock := func() time.Time { return current }

	counter := throttling.NewSlidingWindowCounter(throttling.OneMinuteTenSecondResolution, clock)

	// 3 ticks in the first 10s bucket.
	counter.Tick()
	counter.Tick()
	counter.Tick()
	require.EqualValues(t, 3, counter.Rate())

	// Advance into the next bucket, tick twice more; both buckets are within
	// the 60s window so the rate is their sum.
	current = base.Add(10 * time.Second)
	counter.Tick()
	counter.Tick()
	assert.EqualValues(t, 5, counter.Rate())

	// Advance past the full window: all buckets are now stale relative to
	// "now" except whichever bucket the new instant falls into (which has
	// not been ticked), so the rate must drop back to 0.
	current = base.Add(70 * time.Second)
	assert.EqualValues(t, 0, counter.Rate())
}

func TestSlidingWindowCounter_StaleBucketResetsOnReuse(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := base
	clock := func() time.Time { return current }

	counter := throttling.NewSlidingWindowCounter(throttling.OneMinuteTenSecondResolution, clock)
	for i := 0; i < 4; i++ {
		counter.Tick()
	}
	require.EqualValues(t, 4, counter.Rate())

	// Jump forward exactly 6 buckets (60s): same bucket index, stale epoch.
	current = base.Add(60 * time.Second)
	counter.Tick()
	assert.EqualValues(t, 1, counter.Rate(), "stale bucket must reset before accumulating again")
}

func TestConfig_EffectiveLimit(t *testing.T) {
	// 100 messages per 1-minute interval, rescaled to a 10s-resolution
	// window with no tolerance: floor(100 * (10000/60000) * 1) = floor(16.67) = 16.
	cfg := throttling.Config{Limit: 100, Interval: 60_000, Tolerance: 0}
	assert.EqualValues(t, 16, cfg.EffectiveLimit(throttling.OneMinuteTenSecondResolution))

	// With 20% tolerance: floor(16.67 * 0.8) = floor(13.33) = 13.
	cfg.Tolerance = 0.2
	assert.EqualValues(t, 13, cfg.EffectiveLimit(throttling.OneMinuteTenSecondResolution))
}

func TestConfig_EffectiveLimit_NoIntervalIsUnbounded(t *testing.T) {
	cfg := throttling.Config{}
	limit := cfg.EffectiveLimit(throttling.OneMinuteTenSecondResolution)
	assert.Greater(t, limit, int64(1_000_000_000))
}

func TestAlert_FlipsStateAcrossLimit(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := base
	clock := func() time.Time { return current }

	counter := throttling.NewSlidingWindowCounter(throttling.OneMinuteTenSecondResolution, clock)
	cfg := throttling.Config{Limit: 3, Interval: 10_000, Tolerance: 0}
	alert := throttling.NewAlert(counter, cfg, throttling.OneMinuteTenSecondResolution)

	assert.Equal(t, throttling.StateBelowLimit, alert.State())

	for i := 0; i < int(alert.EffectiveLimit()); i++ {
		alert.Record()
	}
	assert.Equal(t, throttling.StateBelowLimit, alert.State(), "rate == limit is still BELOW_LIMIT")

	alert.Record()
	assert.Equal(t, throttling.StateAboveLimit, alert.State(), "rate > limit flips to ABOVE_LIMIT")
}
