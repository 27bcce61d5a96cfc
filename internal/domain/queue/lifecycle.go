package queue

// Policy holds the configurable gates of the visit lifecycle.
type Policy struct {
	RequirePaymentBeforeVisit bool
}

type rule struct {
	from []Status
	to   Status
}

var transitions = map[Event]rule{
	EventCheckIn:      {from: []Status{StatusQueued}, to: StatusCheckedIn},
	EventDoctorReady:  {from: []Status{StatusCheckedIn}, to: StatusWaitingForDoctor},
	EventDoctorStart:  {from: []Status{StatusWaitingForDoctor}, to: StatusInProgress},
	EventDoctorFinish: {from: []Status{StatusInProgress}, to: StatusCompleted},
	EventCancel: {
		from: []Status{StatusQueued, StatusCheckedIn, StatusWaitingForDoctor, StatusInProgress},
		to:   StatusCompleted,
	},
}

// Decision is the Gate's verdict for one event.
type Decision struct {
	From   Status
	Target Status
	// NoOp is set when the entry already sits in the event's target state.
	NoOp bool
	// LeavesQueue is set when the entry drops out of position numbering.
	LeavesQueue bool
}

// Gate validates lifecycle events against the transition table and the
// payment gate. It never mutates entries.
type Gate struct {
	policy Policy
}

func NewGate(policy Policy) *Gate {
	return &Gate{policy: policy}
}

func (g *Gate) Policy() Policy { return g.policy }

// Check decides whether ev may be applied to e.
func (g *Gate) Check(e *Entry, ev Event) (Decision, error) {
	r, ok := transitions[ev]
	if !ok {
		return Decision{}, &TransitionError{Current: e.Status, Event: ev}
	}

	if alreadyApplied(e, ev) {
		return Decision{From: e.Status, Target: e.Status, NoOp: true}, nil
	}

	allowed := false
	for _, s := range r.from {
		if e.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return Decision{}, &TransitionError{Current: e.Status, Event: ev}
	}

	if ev == EventDoctorStart && g.policy.RequirePaymentBeforeVisit && e.PaymentStatus != PaymentCompleted {
		return Decision{}, ErrPaymentRequired
	}

	return Decision{
		From:        e.Status,
		Target:      r.to,
		LeavesQueue: r.to.Terminal(),
	}, nil
}

// alreadyApplied reports whether a retried event has nothing left to do.
// check-in is never idempotent.
func alreadyApplied(e *Entry, ev Event) bool {
	switch ev {
	case EventDoctorReady:
		return e.Status == StatusWaitingForDoctor
	case EventDoctorStart:
		return e.Status == StatusInProgress
	case EventDoctorFinish:
		return e.Status == StatusCompleted && !e.Cancelled
	case EventCancel:
		return e.Cancelled
	}
	return false
}
