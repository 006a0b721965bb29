package client

import (
	"sort"

	"github.com/sethfduke/roomrelay/messages"
)

// DefaultMaxRetries is the number of resends allowed per envelope before it
// is given up on.
const DefaultMaxRetries = 5

// defaultRenderedCapacity bounds the receive-side dedup set.
const defaultRenderedCapacity = 5000

// Status is the delivery state of one submitted envelope. It is one of
// Pending, Acknowledged, Rejected or Exhausted.
type Status interface {
	isStatus()
}

// Pending envelopes are awaiting an acknowledgment. Reason holds the last
// transient failure (rate_limited or no_ack), if any.
type Pending struct {
	Attempts int
	Reason   string
}

// Acknowledged envelopes were accepted by the relay.
type Acknowledged struct{}

// Rejected envelopes were refused by the relay for a reason that retrying
// cannot fix.
type Rejected struct {
	Reason string
	Detail string
}

// Exhausted envelopes were resent the maximum number of times without an
// acknowledgment.
type Exhausted struct {
	Attempts int
}

func (Pending) isStatus()      {}
func (Acknowledged) isStatus() {}
func (Rejected) isStatus()     {}
func (Exhausted) isStatus()    {}

// Reason returns the failure reason a UI should show for st, or "" if st
// is not a failure.
func Reason(st Status) string {
	switch s := st.(type) {
	case Rejected:
		return s.Reason
	case Exhausted:
		return messages.ReasonRetryLimit
	default:
		return ""
	}
}

// Terminal reports whether st is a final state.
func Terminal(st Status) bool {
	_, pending := st.(Pending)
	return !pending
}

// PendingSend is one envelope together with its delivery state.
type PendingSend struct {
	Envelope messages.Envelope
	Status   Status
}

// ReplayPlan is what a reconnecting client must do: join Rooms, then resend
// Resend in order. Exhausted entries have been removed and should be
// reported.
type ReplayPlan struct {
	Rooms     []string
	Resend    []PendingSend
	Exhausted []PendingSend
}

type pendingEntry struct {
	env      messages.Envelope
	attempts int
	reason   string
}

func (e *pendingEntry) send() PendingSend {
	return PendingSend{Envelope: e.env, Status: Pending{Attempts: e.attempts, Reason: e.reason}}
}

// Reconciler tracks envelopes awaiting acknowledgment and the ids already
// rendered. It is a pure state machine: it performs no I/O and is not safe
// for concurrent use.
type Reconciler struct {
	maxRetries int

	pending map[string]*pendingEntry
	order   []string

	rendered      map[string]struct{}
	renderedOrder []string
	renderedCap   int
}

// NewReconciler returns a Reconciler allowing maxRetries resends per
// envelope. A non-positive maxRetries selects DefaultMaxRetries.
func NewReconciler(maxRetries int) *Reconciler {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Reconciler{
		maxRetries:  maxRetries,
		pending:     make(map[string]*pendingEntry),
		rendered:    make(map[string]struct{}),
		renderedCap: defaultRenderedCapacity,
	}
}

// MaxRetries returns the resend ceiling.
func (r *Reconciler) MaxRetries() int { return r.maxRetries }

// Submit records env as pending with zero attempts. Submitting an id that
// is already pending returns the existing entry unchanged.
func (r *Reconciler) Submit(env messages.Envelope) PendingSend {
	if e, ok := r.pending[env.ID]; ok {
		return e.send()
	}
	e := &pendingEntry{env: env}
	r.pending[env.ID] = e
	r.order = append(r.order, env.ID)
	return e.send()
}

// HandleAck applies an acknowledgment. It returns false if ack.ID is not
// pending, which is the case for late or repeated acknowledgments.
func (r *Reconciler) HandleAck(ack messages.ChatAck) (PendingSend, bool) {
	e, ok := r.pending[ack.ID]
	if !ok {
		return PendingSend{}, false
	}
	switch {
	case ack.OK:
		r.remove(ack.ID)
		return PendingSend{Envelope: e.env, Status: Acknowledged{}}, true
	case ack.Transient():
		e.reason = ack.Reason
		return e.send(), true
	default:
		r.remove(ack.ID)
		return PendingSend{Envelope: e.env, Status: Rejected{Reason: ack.Reason, Detail: ack.Detail}}, true
	}
}

// Timeout records that no acknowledgment arrived in time for id. The entry
// stays pending.
func (r *Reconciler) Timeout(id string) (PendingSend, bool) {
	e, ok := r.pending[id]
	if !ok {
		return PendingSend{}, false
	}
	e.reason = messages.ReasonNoAck
	return e.send(), true
}

// Retry counts one more attempt for id. It returns resend=true with the
// pending entry if the envelope should be sent again, and resend=false with
// an Exhausted status once the ceiling is passed. ok is false if id is not
// pending.
func (r *Reconciler) Retry(id string) (ps PendingSend, resend, ok bool) {
	e, ok := r.pending[id]
	if !ok {
		return PendingSend{}, false, false
	}
	ps, resend = r.bump(e)
	return ps, resend, true
}

func (r *Reconciler) bump(e *pendingEntry) (PendingSend, bool) {
	e.attempts++
	if e.attempts > r.maxRetries {
		r.remove(e.env.ID)
		return PendingSend{Envelope: e.env, Status: Exhausted{Attempts: e.attempts}}, false
	}
	return e.send(), true
}

// Replay is called after reconnecting. Every pending entry, in submission
// order, has its attempt count incremented and is either scheduled for
// resend or given up on.
func (r *Reconciler) Replay() ReplayPlan {
	var plan ReplayPlan
	rooms := make(map[string]struct{})
	for _, id := range append([]string(nil), r.order...) {
		ps, resend := r.bump(r.pending[id])
		if !resend {
			plan.Exhausted = append(plan.Exhausted, ps)
			continue
		}
		plan.Resend = append(plan.Resend, ps)
		rooms[ps.Envelope.Room] = struct{}{}
	}
	for room := range rooms {
		plan.Rooms = append(plan.Rooms, room)
	}
	sort.Strings(plan.Rooms)
	return plan
}

// Pending returns the pending entries in submission order.
func (r *Reconciler) Pending() []PendingSend {
	out := make([]PendingSend, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.pending[id].send())
	}
	return out
}

// Len returns the number of pending entries.
func (r *Reconciler) Len() int { return len(r.pending) }

// MarkRendered records id as shown and reports whether this is the first
// time. The set is bounded; the oldest ids are forgotten first.
func (r *Reconciler) MarkRendered(id string) bool {
	if _, seen := r.rendered[id]; seen {
		return false
	}
	r.rendered[id] = struct{}{}
	r.renderedOrder = append(r.renderedOrder, id)
	if len(r.renderedOrder) > r.renderedCap {
		delete(r.rendered, r.renderedOrder[0])
		r.renderedOrder = r.renderedOrder[1:]
	}
	return true
}

func (r *Reconciler) remove(id string) {
	delete(r.pending, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}
