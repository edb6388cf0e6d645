package scheduler

import "github.com/catalystcommunity/gflowd/internal/job"

// lessReady implements the strict total order over ready jobs from
// spec.md §4.4: larger priority first; a finite time limit beats none;
// between two finite limits the smaller wins; ties broken by smaller id
// (FIFO by submission).
func lessReady(a, b *job.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}

	aFinite, bFinite := a.HasFiniteTimeLimit(), b.HasFiniteTimeLimit()
	if aFinite != bFinite {
		return aFinite
	}
	if aFinite && bFinite && *a.TimeLimitSecs != *b.TimeLimitSecs {
		return *a.TimeLimitSecs < *b.TimeLimitSecs
	}

	return a.ID < b.ID
}
