package probe

// MaxSequence is the largest sequence number before the counter wraps to 0.
const MaxSequence = 0xFFFF

// Sequence is the per-node wrapping message counter. The zero value starts
// at 0, so the first number handed out is 1.
type Sequence struct {
	current uint32
}

// Next advances the counter and returns the new value.
func (s *Sequence) Next() uint16 {
	s.current = (s.current + 1) % (MaxSequence + 1)
	return uint16(s.current)
}

// Current returns the last number handed out.
func (s *Sequence) Current() uint16 {
	return uint16(s.current)
}
