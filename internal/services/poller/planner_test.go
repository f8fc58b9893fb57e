package poller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fixedRand int

func (f fixedRand) Intn(n int) int {
	if int(f) >= n {
		return n - 1
	}
	return int(f)
}

func TestPlanner_Defaults(t *testing.T) {
	p := NewPlanner(PlannerConfig{}, nil)
	require.Equal(t, 20*time.Minute, p.Interval())
	require.Equal(t, 500*time.Millisecond, p.RateLimitPause())
}

func TestPlanner_RescanDue(t *testing.T) {
	p := NewPlanner(PlannerConfig{RescanInterval: time.Minute}, fixedRand(0))
	last := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	require.True(t, p.RescanDue(time.Time{}, last))
	require.False(t, p.RescanDue(last, last.Add(59*time.Second)))
	require.True(t, p.RescanDue(last, last.Add(time.Minute)))
}

func TestPlanner_Jitter(t *testing.T) {
	p := NewPlanner(PlannerConfig{RescanInterval: time.Minute, RescanJitter: 30 * time.Second}, fixedRand(10))
	last := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	require.False(t, p.RescanDue(last, last.Add(49*time.Second)))
	require.True(t, p.RescanDue(last, last.Add(50*time.Second)))

	p.Rescanned()
	require.True(t, p.RescanDue(last, last.Add(50*time.Second)))
}

func TestPlanner_JitterNeverExceedsInterval(t *testing.T) {
	last := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	for _, r := range []fixedRand{0, 15, 1000} {
		p := NewPlanner(PlannerConfig{RescanInterval: time.Minute, RescanJitter: 30 * time.Second}, r)
		require.True(t, p.RescanDue(last, last.Add(time.Minute)), "rand %d", r)
	}

	p := NewPlanner(PlannerConfig{RescanInterval: time.Minute, RescanJitter: time.Hour}, fixedRand(1000))
	require.True(t, p.RescanDue(last, last.Add(time.Nanosecond)))
	require.True(t, p.RescanDue(last, last.Add(time.Minute)))
}
