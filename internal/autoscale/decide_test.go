package autoscale

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// run feeds queue readings through Decide the way the scaler does, carrying
// the low count, the worker total and the last scale time between calls.
func run(start int, readings []int, interval time.Duration) []Decision {
	p := DefaultPolicy()
	current := start
	low := 0
	var last time.Time
	now := t0

	out := make([]Decision, 0, len(readings))
	for _, q := range readings {
		d := Decide(Input{Queue: q, Current: current, LowCount: low, LastScale: last, Now: now}, p)
		out = append(out, d)
		if d.Changed {
			last = now
		}
		current = d.Target
		low = d.LowCount
		now = now.Add(interval)
	}
	return out
}

func TestDecideScalesUpOnFirstHighReading(t *testing.T) {
	t.Parallel()

	got := run(50, []int{150, 150, 150}, 10*time.Second)
	assert.Equal(t, 100, got[0].Target)
	assert.Equal(t, ReasonHighLoad, got[0].Reason)
	assert.True(t, got[0].Changed)

	// The next step is larger than the cooldown allows
	assert.Equal(t, 100, got[1].Target)
	assert.Equal(t, ReasonCooldown, got[1].Reason)
	assert.False(t, got[1].Changed)
}

func TestDecideShrinksOnlyAfterConsecutiveLowReadings(t *testing.T) {
	t.Parallel()

	got := run(200, []int{5, 5, 5}, 10*time.Second)
	assert.Equal(t, 200, got[0].Target)
	assert.Equal(t, 1, got[0].LowCount)
	assert.Equal(t, 200, got[1].Target)
	assert.Equal(t, 2, got[1].LowCount)

	assert.Equal(t, 190, got[2].Target)
	assert.Equal(t, ReasonLowLoad, got[2].Reason)
	assert.Equal(t, 0, got[2].LowCount, "count resets after a shrink")
}

func TestDecide(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		in   Input
		want Decision
	}{
		{
			name: "surge jumps to max",
			in:   Input{Queue: 501, Current: 60, Now: t0},
			want: Decision{Target: 1000, Reason: ReasonSurge, Changed: true},
		},
		{
			name: "high load stops at max",
			in:   Input{Queue: 200, Current: 980, Now: t0},
			want: Decision{Target: 1000, Reason: ReasonHighLoad, Changed: true},
		},
		{
			name: "middle band resets low count",
			in:   Input{Queue: 50, Current: 120, LowCount: 2, Now: t0},
			want: Decision{Target: 120, Reason: ReasonSteady},
		},
		{
			name: "below minimum is clamped",
			in:   Input{Queue: 50, Current: 10, Now: t0},
			want: Decision{Target: 50, Reason: ReasonClamped, Changed: true},
		},
		{
			name: "shrink never goes below minimum",
			in:   Input{Queue: 0, Current: 52, LowCount: 2, Now: t0},
			want: Decision{Target: 50, Reason: ReasonLowLoad, Changed: true},
		},
		{
			name: "small change allowed during cooldown",
			in:   Input{Queue: 0, Current: 300, LowCount: 2, LastScale: t0.Add(-5 * time.Second), Now: t0},
			want: Decision{Target: 285, Reason: ReasonLowLoad, Changed: true},
		},
		{
			name: "large shrink waits for cooldown and keeps its count",
			in:   Input{Queue: 0, Current: 1000, LowCount: 2, LastScale: t0.Add(-5 * time.Second), Now: t0},
			want: Decision{Target: 1000, Reason: ReasonCooldown, LowCount: 3},
		},
		{
			name: "large change allowed after cooldown",
			in:   Input{Queue: 600, Current: 100, LastScale: t0.Add(-31 * time.Second), Now: t0},
			want: Decision{Target: 1000, Reason: ReasonSurge, Changed: true},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Decide(tc.in, DefaultPolicy()))
		})
	}
}

func TestShrinkStep(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 25, shrinkStep(950))
	assert.Equal(t, 25, shrinkStep(400))
	assert.Equal(t, 15, shrinkStep(399))
	assert.Equal(t, 15, shrinkStep(200))
	assert.Equal(t, 10, shrinkStep(50))
	assert.Equal(t, 5, shrinkStep(49))
	assert.Equal(t, 5, shrinkStep(0))
}

func TestSplit(t *testing.T) {
	t.Parallel()

	assert.Equal(t, map[string]int{"a": 34, "b": 33, "c": 33}, Split(100, []string{"a", "b", "c"}))
	assert.Equal(t, map[string]int{"a": 50}, Split(50, []string{"a"}))
	assert.Empty(t, Split(10, nil))

	total := 0
	for _, n := range Split(997, []string{"a", "b", "c", "d", "e", "f", "g"}) {
		total += n
	}
	assert.Equal(t, 997, total)
}
