package combat

import (
	"math/rand/v2"
	"sync"
)

// Roller is the source of uniform randoms in [0, 1).
type Roller interface {
	Float64() float64
}

type randRoller struct{}

func (randRoller) Float64() float64 { return rand.Float64() }

// DefaultRoller draws from math/rand/v2.
var DefaultRoller Roller = randRoller{}

// Sequence replays a fixed list of rolls and then repeats the last one.
// An empty Sequence always returns 0.99, which draws defend, never crits and
// never dodges.
type Sequence struct {
	mu    sync.Mutex
	rolls []float64
	next  int
}

func NewSequence(rolls ...float64) *Sequence {
	return &Sequence{rolls: rolls}
}

func (s *Sequence) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rolls) == 0 {
		return 0.99
	}
	if s.next >= len(s.rolls) {
		return s.rolls[len(s.rolls)-1]
	}
	v := s.rolls[s.next]
	s.next++
	return v
}

// Push appends rolls to the end of the sequence.
func (s *Sequence) Push(rolls ...float64) {
	s.mu.Lock()
	s.rolls = append(s.rolls, rolls...)
	s.mu.Unlock()
}
