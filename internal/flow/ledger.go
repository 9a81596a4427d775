package flow

import "math"

// Demand is a count of values a consumer has committed to accept
type Demand uint64

// Unbounded is the demand sentinel meaning "deliver everything"
const Unbounded Demand = math.MaxUint64

// DemandLedger tracks outstanding demand for a single subscription.
// It is not safe for concurrent use; the owning subscription guards it.
type DemandLedger struct {
	outstanding Demand
}

// Add increases outstanding demand by n, saturating at Unbounded
func (l *DemandLedger) Add(n Demand) {
	if n == 0 {
		return
	}
	if l.outstanding == Unbounded || n >= Unbounded-l.outstanding {
		l.outstanding = Unbounded
		return
	}
	l.outstanding += n
}

// TryConsumeOne takes one unit of demand if any is outstanding.
// Unbounded demand is never decremented.
func (l *DemandLedger) TryConsumeOne() bool {
	switch l.outstanding {
	case 0:
		return false
	case Unbounded:
		return true
	default:
		l.outstanding--
		return true
	}
}

// Outstanding returns the current outstanding demand
func (l *DemandLedger) Outstanding() Demand {
	return l.outstanding
}

// IsUnbounded reports whether the ledger has saturated
func (l *DemandLedger) IsUnbounded() bool {
	return l.outstanding == Unbounded
}
