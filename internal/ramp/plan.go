// Package ramp grows the session population stage by stage until the
// configured ceiling or the stop rule ends the run.
package ramp

// BuildSteps computes the target population for each ramp stage. Targets
// grow from start by increment; the final step is clamped so it lands on max
// exactly and never overshoots.
func BuildSteps(start, increment, max int) []int {
	if start <= 0 {
		return nil
	}
	if max < start {
		max = start
	}

	steps := []int{start}
	if increment <= 0 {
		return steps
	}

	current := start
	for current < max {
		add := increment
		if current+add > max {
			add = max - current
		}
		current += add
		steps = append(steps, current)
	}
	return steps
}
