package circuitbreaker

// State of a breaker. The numeric value is exported as the breaker state gauge.
type State int

const (
	// Calls pass through and failures are counted
	StateClosed State = iota

	// Calls fail fast with ErrCircuitOpen until the timeout elapses
	StateOpen

	// A single trial call decides between closed and open
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
