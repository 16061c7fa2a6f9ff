package eventbus

// Section is a single-slot admission guard. Sequences that span suspension
// points (a send cycle, an update, a close) take their owner's Section so no
// two of them interleave on the same object.
type Section struct {
	slot chan struct{}
}

// NewSection returns an unlocked section.
func NewSection() *Section {
	return &Section{slot: make(chan struct{}, 1)}
}

// Lock admits the caller, blocking while another holder is inside.
func (s *Section) Lock() { s.slot <- struct{}{} }

// Unlock releases the slot.
func (s *Section) Unlock() { <-s.slot }

// TryLock admits the caller only if the section is free.
func (s *Section) TryLock() bool {
	select {
	case s.slot <- struct{}{}:
		return true
	default:
		return false
	}
}
