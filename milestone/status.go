package milestone

// transitions enumerates the legal status edges under normal flow. Approval is
// not an edge: it stamps ApprovedAt on a completed milestone. Client rejection
// is the completed -> pending edge (work resumes).
var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
	StatusCompleted:  {StatusPending, StatusCancelled},
	StatusCancelled:  {},
}

// CanTransition reports whether from -> to is a legal status edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ComputeProgress returns the contract's completion ratio: milestones that are
// completed or approved over the total, cancelled ones excluded from the
// numerator only.
func ComputeProgress(ms []Milestone) float64 {
	if len(ms) == 0 {
		return 0
	}
	done := 0
	for _, m := range ms {
		if m.Status == StatusCompleted {
			done++
		}
	}
	return float64(done) / float64(len(ms))
}
