package push_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3jakoa/bonibuddy-push/pkg/push"
)

func TestScheduleDelay(t *testing.T) {
	t.Parallel()

	t.Run("returns delays in order", func(t *testing.T) {
		t.Parallel()

		schedule := push.Schedule{15 * time.Second, time.Minute, 5 * time.Minute}

		delay, ok := schedule.Delay(0)
		require.True(t, ok)
		assert.Equal(t, 15*time.Second, delay)

		delay, ok = schedule.Delay(1)
		require.True(t, ok)
		assert.Equal(t, time.Minute, delay)

		delay, ok = schedule.Delay(2)
		require.True(t, ok)
		assert.Equal(t, 5*time.Minute, delay)
	})

	t.Run("exhausted past the end", func(t *testing.T) {
		t.Parallel()

		schedule := push.Schedule{15 * time.Second}

		_, ok := schedule.Delay(1)
		assert.False(t, ok)

		_, ok = schedule.Delay(100)
		assert.False(t, ok)
	})

	t.Run("negative attempts are exhausted", func(t *testing.T) {
		t.Parallel()

		schedule := push.Schedule{15 * time.Second}

		_, ok := schedule.Delay(-1)
		assert.False(t, ok)
	})

	t.Run("empty schedule never yields a delay", func(t *testing.T) {
		t.Parallel()

		var schedule push.Schedule

		_, ok := schedule.Delay(0)
		assert.False(t, ok)
	})
}

func TestDefaultSchedule(t *testing.T) {
	t.Parallel()

	schedule := push.DefaultSchedule()
	require.Len(t, schedule, 7)

	expected := push.Schedule{
		15 * time.Second,
		time.Minute,
		5 * time.Minute,
		15 * time.Minute,
		time.Hour,
		6 * time.Hour,
		24 * time.Hour,
	}
	assert.Equal(t, expected, schedule)

	// Delays must be non-decreasing so retries spread out over time.
	for i := 1; i < len(schedule); i++ {
		assert.GreaterOrEqual(t, schedule[i], schedule[i-1])
	}
}
