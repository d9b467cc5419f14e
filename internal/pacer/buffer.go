// Package pacer decouples the arrival of streamed text from its reveal.
//
// Each tick reveals max(1, ceil(remaining/K)) more characters, so the reveal
// rate follows the backlog: bursts drain geometrically and a trickle is shown
// one character at a time. Characters are runes.
package pacer

// DefaultDivisor is the reference catch-up divisor K.
const DefaultDivisor = 10

// Step returns how many characters one tick reveals with remaining pending.
func Step(remaining, divisor int) int {
	if remaining <= 0 {
		return 0
	}
	if divisor < 1 {
		divisor = 1
	}
	step := (remaining + divisor - 1) / divisor
	if step < 1 {
		step = 1
	}
	return step
}

// Buffer is the reveal state of one message: 0 <= revealed <= len(target).
type Buffer struct {
	divisor  int
	target   []rune
	revealed int
}

// NewBuffer returns an empty buffer.
func NewBuffer(divisor int) *Buffer {
	if divisor < 1 {
		divisor = DefaultDivisor
	}
	return &Buffer{divisor: divisor}
}

// SetTarget replaces the text to reveal. A shorter target snaps the revealed
// prefix down to it.
func (b *Buffer) SetTarget(text string) {
	b.target = []rune(text)
	if b.revealed > len(b.target) {
		b.revealed = len(b.target)
	}
}

// Tick advances the reveal once and reports whether anything changed.
func (b *Buffer) Tick() bool {
	step := Step(len(b.target)-b.revealed, b.divisor)
	if step == 0 {
		return false
	}
	b.revealed += step
	return true
}

// Revealed returns the visible prefix.
func (b *Buffer) Revealed() string {
	return string(b.target[:b.revealed])
}

func (b *Buffer) RevealedLen() int { return b.revealed }

func (b *Buffer) TargetLen() int { return len(b.target) }

// Done reports whether the reveal has caught up with the target.
func (b *Buffer) Done() bool {
	return b.revealed >= len(b.target)
}
