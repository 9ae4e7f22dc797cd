package listcore

import (
	"fmt"
	"strings"
)

type EditOp string

const (
	EditOpInsert      EditOp = "Insert"
	EditOpRemove      EditOp = "Remove"
	EditOpMove        EditOp = "Move"
	EditOpReconfigure EditOp = "Reconfigure"
)

// one operation in an edit script. Indices are apply-time indices: a
// sequential applier that executes the script in order against an
// index-addressed array needs no second pass.
// - Remove: `FromIndex` is valid at the time the op executes (removals are
//   emitted in descending original index)
// - Move: `FromIndex` and `ToIndex` are valid against the array after all
//   prior ops in the script have executed
// - Insert: `ToIndex` is the final index
// - Reconfigure: `ToIndex` is the final index of the already-present item
type Edit struct {
	Op        EditOp
	Identity  Identity
	FromIndex int
	ToIndex   int
}

func (self Edit) String() string {
	switch self.Op {
	case EditOpInsert:
		return fmt.Sprintf("insert(%s, %d)", self.Identity, self.ToIndex)
	case EditOpRemove:
		return fmt.Sprintf("remove(%s, %d)", self.Identity, self.FromIndex)
	case EditOpMove:
		return fmt.Sprintf("move(%s, %d->%d)", self.Identity, self.FromIndex, self.ToIndex)
	case EditOpReconfigure:
		return fmt.Sprintf("reconfigure(%s, %d)", self.Identity, self.ToIndex)
	default:
		return fmt.Sprintf("%s(%s)", self.Op, self.Identity)
	}
}

// transient. Produced by one `Diff` call and consumed immediately by the
// apply actor.
type EditScript struct {
	SectionEdits []Edit
	ItemEdits    []Edit
}

func (self *EditScript) Empty() bool {
	return len(self.SectionEdits) == 0 && len(self.ItemEdits) == 0
}

func (self *EditScript) Len() int {
	return len(self.SectionEdits) + len(self.ItemEdits)
}

func (self *EditScript) String() string {
	parts := []string{}
	for _, edit := range self.SectionEdits {
		parts = append(parts, "section:"+edit.String())
	}
	for _, edit := range self.ItemEdits {
		parts = append(parts, edit.String())
	}
	return fmt.Sprintf("[%s]", strings.Join(parts, ", "))
}

// computes the edit script that transforms `previous` into `next`.
// Identical snapshots produce an empty script, which is a successful
// outcome. The indexing pass is O(n); emission is O(d) for d actual
// differences, plus O(k) array shifting per displaced run of moves.
func Diff(previous *Snapshot, next *Snapshot) *EditScript {
	script := &EditScript{
		SectionEdits: diffOrdered(
			previous.SectionIds(),
			next.SectionIds(),
			nil,
		),
		ItemEdits: diffItems(previous, next),
	}
	return script
}

func diffItems(previous *Snapshot, next *Snapshot) []Edit {
	previousItems := previous.FlatItems()
	previousIds := make([]Identity, len(previousItems))
	for i, item := range previousItems {
		previousIds[i] = item.Id
	}
	nextItems := next.FlatItems()
	nextIds := make([]Identity, len(nextItems))
	for i, item := range nextItems {
		nextIds[i] = item.Id
	}

	reconfigure := func(identity Identity) bool {
		previousContentKey, ok := previous.ContentKey(identity)
		if !ok {
			return false
		}
		nextContentKey, _ := next.ContentKey(identity)
		return previousContentKey != nextContentKey
	}
	return diffOrdered(previousIds, nextIds, reconfigure)
}

// positional diff of two identity sequences. `reconfigure` reports whether
// an identity present in both sequences needs a content refresh; nil means
// never.
// Emission order matches the apply order contract: removals (descending
// original index), moves, insertions (ascending final index), reconfigures.
func diffOrdered(
	previousIds []Identity,
	nextIds []Identity,
	reconfigure func(Identity) bool,
) []Edit {
	previousPositions := make(map[Identity]int, len(previousIds))
	for i, identity := range previousIds {
		previousPositions[identity] = i
	}
	nextPositions := make(map[Identity]int, len(nextIds))
	for i, identity := range nextIds {
		nextPositions[identity] = i
	}

	edits := []Edit{}

	// removals, descending original index so each index is valid when the
	// op executes
	working := make([]Identity, 0, len(previousIds))
	for _, identity := range previousIds {
		if _, ok := nextPositions[identity]; ok {
			working = append(working, identity)
		}
	}
	for i := len(previousIds) - 1; 0 <= i; i -= 1 {
		identity := previousIds[i]
		if _, ok := nextPositions[identity]; !ok {
			edits = append(edits, Edit{
				Op:        EditOpRemove,
				Identity:  identity,
				FromIndex: i,
			})
		}
	}

	// target order of the surviving identities
	target := make([]Identity, 0, len(working))
	for _, identity := range nextIds {
		if _, ok := previousPositions[identity]; ok {
			target = append(target, identity)
		}
	}

	// moves, simulated against the working array so that each op's indices
	// are valid at the time it executes. Positions before `t` already match
	// the target, so the source index is always to the right of `t`.
	workingPositions := make(map[Identity]int, len(working))
	for i, identity := range working {
		workingPositions[identity] = i
	}
	for t := 0; t < len(target); t += 1 {
		identity := target[t]
		cur := workingPositions[identity]
		if cur == t {
			continue
		}
		edits = append(edits, Edit{
			Op:        EditOpMove,
			Identity:  identity,
			FromIndex: cur,
			ToIndex:   t,
		})
		copy(working[t+1:cur+1], working[t:cur])
		working[t] = identity
		for i := t; i <= cur; i += 1 {
			workingPositions[working[i]] = i
		}
	}

	// insertions, ascending final index
	for i, identity := range nextIds {
		if _, ok := previousPositions[identity]; !ok {
			edits = append(edits, Edit{
				Op:       EditOpInsert,
				Identity: identity,
				ToIndex:  i,
			})
		}
	}

	// reconfigures for surviving identities whose content changed
	if reconfigure != nil {
		for i, identity := range nextIds {
			if _, ok := previousPositions[identity]; ok && reconfigure(identity) {
				edits = append(edits, Edit{
					Op:       EditOpReconfigure,
					Identity: identity,
					ToIndex:  i,
				})
			}
		}
	}

	return edits
}
