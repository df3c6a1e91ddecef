package betting

import (
	"math/rand/v2"
	"sync"
)

// Source draws uniformly distributed integers. Implementations must be safe
// for concurrent use.
type Source interface {
	// IntN returns a value in [0, n).
	IntN(n int) int
}

type globalSource struct{}

func (globalSource) IntN(n int) int { return rand.IntN(n) }

type seededSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (s *seededSource) IntN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(n)
}

// NewSource returns the production outcome source. A zero seed uses the
// runtime-seeded generator; any other seed gives a reproducible stream.
func NewSource(seed uint64) Source {
	if seed == 0 {
		return globalSource{}
	}
	return &seededSource{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Sequence replays fixed draws in order and wraps around when exhausted.
type Sequence struct {
	mu    sync.Mutex
	draws []int
	next  int
}

// Fixed returns a Source that yields draws in order.
func Fixed(draws ...int) *Sequence {
	if len(draws) == 0 {
		draws = []int{0}
	}
	return &Sequence{draws: append([]int(nil), draws...)}
}

func (s *Sequence) IntN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.draws[s.next%len(s.draws)]
	s.next++
	if n > 0 {
		d %= n
		if d < 0 {
			d += n
		}
	}
	return d
}

// Used reports how many draws have been taken.
func (s *Sequence) Used() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
