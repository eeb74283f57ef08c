// Package filter implements the stateless packet-filter table (C5):
// an ordered list of accept/reject rules evaluated first-match, default
// accept, guarded by its own lock independent of the registry's L1/L2/L3
// (the "filter_lock" of §4.6, grounded on v4vtables_add/_del/_list/_check).
package filter

import (
	"sync"
	"syscall"

	"github.com/v4vfabric/v4v/wire"
)

// Rule is one filter entry. A wildcard field (wire.DomIDAny or
// wire.PortAny) matches anything in that position.
type Rule struct {
	Src    wire.Address
	Dst    wire.Address
	Accept bool
}

func (r Rule) String() string {
	verb := "REJECT"
	if r.Accept {
		verb = "ACCEPT"
	}
	return verb + " " + r.Src.String() + " -> " + r.Dst.String()
}

func matchAddr(rule, actual wire.Address) bool {
	if rule.Domain != wire.DomIDAny && rule.Domain != actual.Domain {
		return false
	}
	if rule.Port != wire.PortAny && rule.Port != actual.Port {
		return false
	}
	return true
}

// Table is the ordered rule list. The zero value is ready to use.
type Table struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewTable returns an empty filter table: every send is accepted until
// a rule says otherwise, matching v4vtables_check's default return of
// "accept" when no rule matches.
func NewTable() *Table {
	return &Table{}
}

// Add inserts rule at position (1-based, matching the original
// hypercall's one-based numbering), or appends it if position is past
// the end of the list. Add(rule, 0) and Add(rule, 1) both insert at the
// head.
func (t *Table) Add(rule Rule, position int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := position - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(t.rules) {
		t.rules = append(t.rules, rule)
		return
	}
	t.rules = append(t.rules, Rule{})
	copy(t.rules[idx+1:], t.rules[idx:])
	t.rules[idx] = rule
}

// DelAt removes the rule at 1-based position, returning ENOENT if it is
// out of range.
func (t *Table) DelAt(position int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := position - 1
	if idx < 0 || idx >= len(t.rules) {
		return syscall.ENOENT
	}
	t.rules = append(t.rules[:idx], t.rules[idx+1:]...)
	return nil
}

// DelMatching removes the first rule whose src/dst exactly equal
// rule's, returning ENOENT if none matches (v4vtables_del with a rule
// body instead of a position).
func (t *Table) DelMatching(rule Rule) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, r := range t.rules {
		if r.Src == rule.Src && r.Dst == rule.Dst {
			t.rules = append(t.rules[:i], t.rules[i+1:]...)
			return nil
		}
	}
	return syscall.ENOENT
}

// Flush removes every rule.
func (t *Table) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = nil
}

// List returns up to max rules starting at the 0-based start index, the
// windowed read the original's V4VOP_viptables_list hypercall performs
// so a guest can page through an arbitrarily long table without one
// unbounded copy.
func (t *Table) List(start, max int) []Rule {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if start < 0 || start >= len(t.rules) || max <= 0 {
		return nil
	}
	end := start + max
	if end > len(t.rules) {
		end = len(t.rules)
	}
	out := make([]Rule, end-start)
	copy(out, t.rules[start:end])
	return out
}

// Len reports the current rule count.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rules)
}

// Check evaluates the table against one proposed send, first match
// wins, default accept (v4vtables_check). It runs independently of
// every other lock in the fabric: a send is filtered before the
// registry or any ring is ever touched.
func (t *Table) Check(src, dst wire.Address) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, r := range t.rules {
		if matchAddr(r.Src, src) && matchAddr(r.Dst, dst) {
			return r.Accept
		}
	}
	return true
}
