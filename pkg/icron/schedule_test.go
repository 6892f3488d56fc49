package icron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	for _, expr := range []string{"*/5 * * * *", "0 */5 * * * *", "@every 1m", "@hourly"} {
		_, err := Parse(expr)
		assert.NoError(t, err, expr)
	}
	_, err := Parse("not a cron")
	assert.Error(t, err)
}

func TestGetTriggerInfo(t *testing.T) {
	ref := time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC)
	last := ref.Add(-2 * time.Minute)

	info, err := GetTriggerInfo("*/5 * * * *", ref, last)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC), info.Next)
	assert.Equal(t, 3*time.Minute, info.TimeUntilNext)
	assert.Equal(t, 2*time.Minute, info.TimeSinceLast)

	info, err = GetTriggerInfo("@hourly", ref, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, info.TimeSinceLast)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), info.Next)
}
