package autoscale

import "time"

// Decision reasons.
const (
	ReasonSurge    = "surge"
	ReasonHighLoad = "high_load"
	ReasonLowLoad  = "low_load"
	ReasonSteady   = "steady"
	ReasonCooldown = "cooldown"
	ReasonClamped  = "clamped"
)

// Policy holds the watermarks and bounds used by Decide.
type Policy struct {
	MinWorkers     int
	MaxWorkers     int
	SurgeWatermark int
	HighWatermark  int
	LowWatermark   int

	// LowReadings is the number of consecutive low readings required before
	// shrinking
	LowReadings int

	StepUp int

	// LargeChange is the largest change allowed within Cooldown of the last
	// scale event
	LargeChange int
	Cooldown    time.Duration
}

// DefaultPolicy returns a Policy with reasonable defaults
func DefaultPolicy() Policy {
	return Policy{
		MinWorkers:     50,
		MaxWorkers:     1000,
		SurgeWatermark: 500,
		HighWatermark:  100,
		LowWatermark:   10,
		LowReadings:    3,
		StepUp:         50,
		LargeChange:    20,
		Cooldown:       30 * time.Second,
	}
}

// Input is one reading of the cluster.
type Input struct {
	// Queue is the number of jobs waiting to be claimed
	Queue int

	// Current is the total number of workers across the cluster
	Current int

	// LowCount is the number of consecutive low readings so far
	LowCount int

	// LastScale is when the target last changed; zero if never
	LastScale time.Time

	Now time.Time
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Target   int    `json:"target"`
	Reason   string `json:"reason"`
	LowCount int    `json:"low_count"`
	Changed  bool   `json:"changed"`
}

// Decide computes the cluster-wide worker target. It has no side effects.
func Decide(in Input, p Policy) Decision {
	current := in.Current
	target := current
	reason := ReasonSteady
	low := 0

	switch {
	case in.Queue > p.SurgeWatermark:
		target = p.MaxWorkers
		reason = ReasonSurge
	case in.Queue > p.HighWatermark:
		target = current + p.StepUp
		reason = ReasonHighLoad
	case in.Queue < p.LowWatermark:
		low = in.LowCount + 1
		if low >= p.LowReadings {
			target = current - shrinkStep(current-p.MinWorkers)
			reason = ReasonLowLoad
		}
	}

	if clamped := clamp(target, p.MinWorkers, p.MaxWorkers); clamped != target {
		target = clamped
		if reason == ReasonSteady {
			reason = ReasonClamped
		}
	}

	if abs(target-current) > p.LargeChange && inCooldown(in, p) {
		if reason == ReasonLowLoad {
			// Keep the count at the threshold so the shrink happens once
			// the cooldown passes
			low = p.LowReadings
		}
		return Decision{Target: current, Reason: ReasonCooldown, LowCount: low}
	}

	if reason == ReasonLowLoad {
		low = 0
	}

	return Decision{
		Target:   target,
		Reason:   reason,
		LowCount: low,
		Changed:  target != current,
	}
}

// shrinkStep scales the scale-down step with the slack above the minimum.
func shrinkStep(slack int) int {
	switch {
	case slack >= 400:
		return 25
	case slack >= 200:
		return 15
	case slack >= 50:
		return 10
	default:
		return 5
	}
}

func inCooldown(in Input, p Policy) bool {
	if in.LastScale.IsZero() || p.Cooldown <= 0 {
		return false
	}
	return in.Now.Sub(in.LastScale) < p.Cooldown
}

func clamp(n, min, max int) int {
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Split divides target across instances. The remainder goes to the first
// instances in the given order.
func Split(target int, instances []string) map[string]int {
	out := make(map[string]int, len(instances))
	if len(instances) == 0 {
		return out
	}
	share := target / len(instances)
	rem := target % len(instances)
	for i, id := range instances {
		n := share
		if i < rem {
			n++
		}
		out[id] = n
	}
	return out
}
