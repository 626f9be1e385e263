package relocate

import "fmt"

// State is the phase a relocation run is in. Transitions are validated;
// a run can never skip a phase or walk backwards.
type State int

const (
	StateStart State = iota
	StateInventoried
	StateEnabledBranch
	StateDisabledBranch
	StateRepaired
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateInventoried:
		return "inventoried"
	case StateEnabledBranch:
		return "enabled-branch"
	case StateDisabledBranch:
		return "disabled-branch"
	case StateRepaired:
		return "repaired"
	case StateFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var transitions = map[State][]State{
	StateStart:          {StateInventoried},
	StateInventoried:    {StateEnabledBranch, StateDisabledBranch, StateFinalized},
	StateEnabledBranch:  {StateRepaired, StateFinalized},
	StateDisabledBranch: {StateRepaired, StateFinalized},
	StateRepaired:       {StateFinalized},
	StateFinalized:      {},
}

// ValidTransition reports whether from can advance to to.
func ValidTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s *Session) advance(to State) error {
	if !ValidTransition(s.state, to) {
		return fmt.Errorf("invalid phase transition %s -> %s", s.state, to)
	}
	s.Log.Log("DEBUG", "Phase transition", "from", s.state.String(), "to", to.String())
	s.state = to
	return nil
}
