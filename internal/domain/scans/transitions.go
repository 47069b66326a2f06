package scans

var transitions = map[Status][]Status{
	StatusPending:        {StatusProcessing, StatusCancelled, StatusFailed},
	StatusProcessing:     {StatusReadyForReview, StatusCancelled, StatusFailed},
	StatusReadyForReview: {StatusCompleted, StatusCancelled},
}

// CanTransitionTo reports whether a session in s may move to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusReadyForReview,
		StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Transition moves the session to next or returns a *TransitionError.
func (s *Session) Transition(op string, next Status) error {
	if !s.Status.CanTransitionTo(next) {
		return &TransitionError{Op: op, From: s.Status, To: next}
	}
	s.Status = next
	return nil
}
