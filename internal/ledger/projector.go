package ledger

import (
	"sort"
	"time"
)

// Running pairs an entry with the cumulative balance immediately after it.
type Running struct {
	Entry   Entry
	Balance float64
}

// Project computes the running balance over entries, starting from opening.
// The input must already be sorted by (EffectiveAt, Seq); voided entries are
// skipped. The computation is pure: the same input always yields the same
// output.
func Project(entries []Entry, opening float64) []Running {
	out := make([]Running, 0, len(entries))
	balance := opening
	for _, e := range entries {
		if e.IsVoided {
			continue
		}
		balance += e.QuantityDelta
		out = append(out, Running{Entry: e, Balance: balance})
	}
	return out
}

// BalanceAsOf returns the balance after the last entry with
// EffectiveAt <= at, starting from opening.
func BalanceAsOf(entries []Entry, opening float64, at time.Time) float64 {
	balance := opening
	for _, e := range entries {
		if e.EffectiveAt.After(at) {
			break
		}
		if e.IsVoided {
			continue
		}
		balance += e.QuantityDelta
	}
	return balance
}

// FirstNegative scans the projection and returns the first point where the
// running balance drops below -epsilon.
func FirstNegative(entries []Entry, opening, epsilon float64) (Running, bool) {
	for _, r := range Project(entries, opening) {
		if r.Balance < -epsilon {
			return r, true
		}
	}
	return Running{}, false
}

// InsertCandidate places a not-yet-persisted entry at its sorted position.
// The candidate has no sequence yet, so it sorts after every existing entry
// sharing its effective instant: insertion order is the tiebreak.
func InsertCandidate(entries []Entry, candidate Entry) []Entry {
	idx := sort.Search(len(entries), func(i int) bool {
		return entries[i].EffectiveAt.After(candidate.EffectiveAt)
	})
	out := make([]Entry, 0, len(entries)+1)
	out = append(out, entries[:idx]...)
	out = append(out, candidate)
	out = append(out, entries[idx:]...)
	return out
}
