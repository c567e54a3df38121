package explain

import (
	"errors"
	"fmt"
)

// Entry maps a feature to its customer-facing reason.
type Entry struct {
	Feature string
	Reason  string
}

// ReasonTable is an ordered feature to reason lookup. Declaration order
// breaks ranking ties.
type ReasonTable struct {
	entries []Entry
	index   map[string]int
}

// NewReasonTable rejects blank and duplicate entries.
func NewReasonTable(entries []Entry) (*ReasonTable, error) {
	if len(entries) == 0 {
		return nil, errors.New("reason table is empty")
	}
	t := &ReasonTable{
		entries: make([]Entry, len(entries)),
		index:   make(map[string]int, len(entries)),
	}
	for i, e := range entries {
		if e.Feature == "" || e.Reason == "" {
			return nil, fmt.Errorf("reason entry %d is incomplete", i)
		}
		if _, dup := t.index[e.Feature]; dup {
			return nil, fmt.Errorf("duplicate reason for feature %q", e.Feature)
		}
		t.entries[i] = e
		t.index[e.Feature] = i
	}
	return t, nil
}

// DefaultReasons covers the stock model columns.
func DefaultReasons() *ReasonTable {
	t, _ := NewReasonTable([]Entry{
		{Feature: "Weight", Reason: "Transaction amount is unusually high"},
		{Feature: "Source", Reason: "Sender account behavior looks unusual"},
		{Feature: "Target", Reason: "Receiver account appears suspicious"},
		{Feature: "typeTrans", Reason: "Transaction type has elevated fraud risk"},
	})
	return t
}

// Lookup returns the reason for feature and its declaration position.
func (t *ReasonTable) Lookup(feature string) (string, int, bool) {
	i, ok := t.index[feature]
	if !ok {
		return "", 0, false
	}
	return t.entries[i].Reason, i, true
}

// Entries returns the table in declaration order.
func (t *ReasonTable) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}
