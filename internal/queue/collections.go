package queue

import "sort"

// Collection helpers. All functions are pure: they never mutate their input
// slice and are total over validated jobs.

// FilterByState returns the jobs whose state is one of the given states,
// preserving relative order.
func FilterByState(jobs []*Job, states ...JobState) []*Job {
	if len(states) == 0 {
		return []*Job{}
	}
	want := make(map[JobState]bool, len(states))
	for _, s := range states {
		want[s] = true
	}
	out := make([]*Job, 0, len(jobs))
	for _, j := range jobs {
		if want[j.State] {
			out = append(out, j)
		}
	}
	return out
}

// FilterByName returns the jobs with the given logical name, preserving
// relative order.
func FilterByName(jobs []*Job, name string) []*Job {
	out := make([]*Job, 0, len(jobs))
	for _, j := range jobs {
		if j.Name == name {
			out = append(out, j)
		}
	}
	return out
}

// SortByCreatedAt returns a copy sorted by creation time. The sort is stable
// so jobs created at the same instant keep their relative order. Descending
// (newest first) is the default ordering used by listings.
func SortByCreatedAt(jobs []*Job, asc bool) []*Job {
	out := make([]*Job, len(jobs))
	copy(out, jobs)
	sort.SliceStable(out, func(i, k int) bool {
		if asc {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return out
}

// Paginate returns the half-open slice [start, end), clamped to bounds.
func Paginate(jobs []*Job, start, end int) []*Job {
	if start < 0 {
		start = 0
	}
	if end > len(jobs) {
		end = len(jobs)
	}
	if start >= end {
		return []*Job{}
	}
	out := make([]*Job, end-start)
	copy(out, jobs[start:end])
	return out
}

// GroupByState buckets jobs by state.
func GroupByState(jobs []*Job) map[JobState][]*Job {
	out := make(map[JobState][]*Job)
	for _, j := range jobs {
		out[j.State] = append(out[j.State], j)
	}
	return out
}

// CountByState counts jobs per state. Every state appears in the result,
// defaulting to 0.
func CountByState(jobs []*Job) map[JobState]int {
	out := make(map[JobState]int, len(AllStates))
	for _, s := range AllStates {
		out[s] = 0
	}
	for _, j := range jobs {
		out[j.State]++
	}
	return out
}
