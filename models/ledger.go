package models

// DefaultLedgerCap is the number of action ids remembered per contest or battle.
const DefaultLedgerCap = 50

// EventLedger is the bounded, ordered list of action ids already applied to a
// row. It is stored as JSON next to the state it guards and is only read and
// extended inside the transaction that mutates that state.
type EventLedger []string

// Contains reports whether id has already been applied.
func (l EventLedger) Contains(id string) bool {
	if id == "" {
		return false
	}
	for _, seen := range l {
		if seen == id {
			return true
		}
	}
	return false
}

// Append records id and evicts the oldest entries so at most limit remain.
// A non-positive limit falls back to DefaultLedgerCap. Appending an id that is
// already present is a no-op.
func (l EventLedger) Append(id string, limit int) EventLedger {
	if id == "" || l.Contains(id) {
		return l
	}
	if limit <= 0 {
		limit = DefaultLedgerCap
	}
	next := make(EventLedger, 0, len(l)+1)
	next = append(next, l...)
	next = append(next, id)
	if over := len(next) - limit; over > 0 {
		next = next[over:]
	}
	return next
}
