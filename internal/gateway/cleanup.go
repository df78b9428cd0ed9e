package gateway

// cleanupStack collects undo steps while a module is being built. On failure
// unwind runs them newest first; on success disarm drops them.
type cleanupStack struct {
	steps []func()
}

func (s *cleanupStack) push(step func()) {
	s.steps = append(s.steps, step)
}

func (s *cleanupStack) unwind() {
	for i := len(s.steps) - 1; i >= 0; i-- {
		s.steps[i]()
	}
	s.steps = nil
}

func (s *cleanupStack) disarm() {
	s.steps = nil
}
