package connpool

import (
	"fmt"
	"math/rand"
)

// Policy selects one connection among the eligible ones
type Policy int

const (
	PolicyRoundRobin Policy = iota // cycle through connections in order
	PolicyRandom                   // uniform random choice
	PolicyLoad                     // fewest in-flight operations
)

func (p Policy) String() string {
	switch p {
	case PolicyRoundRobin:
		return "round-robin"
	case PolicyRandom:
		return "random"
	case PolicyLoad:
		return "load"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy maps a config string to a Policy; "" means round-robin
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "round-robin", "":
		return PolicyRoundRobin, nil
	case "random":
		return PolicyRandom, nil
	case "load":
		return PolicyLoad, nil
	default:
		return 0, fmt.Errorf("unknown connection policy %q", s)
	}
}

// pick returns the index into entries of the chosen connection. eligible
// reports whether an entry may be chosen; cursor is the round-robin position
// and is advanced past the choice. Returns -1 when nothing is eligible.
func (p Policy) pick(entries []*entry, eligible func(*entry) bool, cursor *int, rnd *rand.Rand) int {
	n := len(entries)
	if n == 0 {
		return -1
	}

	switch p {
	case PolicyRandom:
		candidates := make([]int, 0, n)
		for i, e := range entries {
			if eligible(e) {
				candidates = append(candidates, i)
			}
		}
		if len(candidates) == 0 {
			return -1
		}
		return candidates[rnd.Intn(len(candidates))]

	case PolicyLoad:
		best := -1
		for k := 0; k < n; k++ {
			i := (*cursor + k) % n
			e := entries[i]
			if !eligible(e) {
				continue
			}
			if best == -1 || e.inFlight < entries[best].inFlight {
				best = i
			}
		}
		if best >= 0 {
			*cursor = (best + 1) % n
		}
		return best

	default:
		for k := 0; k < n; k++ {
			i := (*cursor + k) % n
			if eligible(entries[i]) {
				*cursor = (i + 1) % n
				return i
			}
		}
		return -1
	}
}
