package portier

// State is the stage of the login flow a session is in.
type State int

// Session states.
const (
	StateNone State = iota
	StatePending
	StateConfirmed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	}
	return "none"
}

// Session is a session identifier tagged with its state.
// It is either a Pending or a Confirmed value; nil means no session.
type Session interface {
	// ID returns the opaque session identifier.
	ID() string

	// State returns StatePending or StateConfirmed.
	State() State

	session()
}

// Pending is a session issued by login and not yet verified.
type Pending struct {
	id string
}

// NewPending returns a pending session with the given id.
func NewPending(id string) Pending {
	return Pending{id: id}
}

// ID returns the session identifier.
func (p Pending) ID() string { return p.id }

// State returns StatePending.
func (p Pending) State() State { return StatePending }

func (Pending) session() {}

// Confirmed is an authorized session, issued by claim or restored from the
// session cookie.
type Confirmed struct {
	id string
}

// NewConfirmed returns a confirmed session with the given id.
func NewConfirmed(id string) Confirmed {
	return Confirmed{id: id}
}

// ID returns the session identifier.
func (c Confirmed) ID() string { return c.id }

// State returns StateConfirmed.
func (c Confirmed) State() State { return StateConfirmed }

func (Confirmed) session() {}

// StateOf returns the state of s, StateNone for a nil session.
func StateOf(s Session) State {
	if s == nil {
		return StateNone
	}
	return s.State()
}
