package link

// State is the lifecycle state of the RF link to the fan unit.
type State uint8

const (
	// Unpaired indicates no network address is known.
	Unpaired State = iota

	// Pairing indicates a join exchange is in progress.
	Pairing

	// Linked indicates a paired unit that answers.
	Linked

	// Lost indicates a paired unit that has stopped answering. The address
	// is kept; a successful exchange returns the link to Linked.
	Lost
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Unpaired:
		return "UNPAIRED"
	case Pairing:
		return "PAIRING"
	case Linked:
		return "LINKED"
	case Lost:
		return "LOST"
	default:
		return "UNKNOWN"
	}
}

// Paired reports whether a network address is held in this state.
func (s State) Paired() bool {
	return s == Linked || s == Lost
}
