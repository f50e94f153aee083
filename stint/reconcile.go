package stint

import (
	"encoding/json"
)

// Providers return loosely structured arrays: entries can be missing,
// duplicated, out of order, or not JSON objects at all. Reconciliation
// never trusts array order or completeness; every sub-batch item ends up
// either matched to exactly one result or explicitly unmatched, so nothing
// is silently lost.

// Reconciliation is the outcome of binding a provider response back onto
// a sub-batch by index.
type Reconciliation struct {
	// Matched maps sub-batch index to its result payload.
	Matched map[int]json.RawMessage

	// Unmatched lists sub-batch indices the provider returned nothing
	// usable for. These items are failed-for-retry, never dropped.
	Unmatched []int

	// Malformed counts provider entries that could not be bound to any
	// index: unparseable, index out of range, or a duplicate.
	Malformed int
}

type indexedEntry struct {
	Index *int `json:"index"`
}

// ReconcileByIndex binds raw provider entries onto a sub-batch of n items.
// Each entry must carry an "index" field naming the item it answers; the
// first entry per index wins.
func ReconcileByIndex(n int, entries []json.RawMessage) *Reconciliation {
	rec := &Reconciliation{Matched: make(map[int]json.RawMessage, n)}

	for _, raw := range entries {
		var probe indexedEntry
		if err := json.Unmarshal(raw, &probe); err != nil || probe.Index == nil {
			rec.Malformed++
			continue
		}
		idx := *probe.Index
		if idx < 0 || idx >= n {
			rec.Malformed++
			continue
		}
		if _, dup := rec.Matched[idx]; dup {
			rec.Malformed++
			continue
		}
		rec.Matched[idx] = raw
	}

	for i := 0; i < n; i++ {
		if _, ok := rec.Matched[i]; !ok {
			rec.Unmatched = append(rec.Unmatched, i)
		}
	}
	return rec
}
