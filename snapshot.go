package listcore

import (
	"fmt"
)

// one item entry in a submitted sequence
type Item struct {
	Id         Identity
	ContentKey ContentKey
}

// an identity-bearing grouping of items. Sections are diffed by the same
// identity rules as items.
type SnapshotSection struct {
	Id    Identity
	Items []Item
}

// an immutable, ordered view of sections and item identities. Created by
// `Register`, consumed by `Diff`, retained as the applied state until
// superseded.
type Snapshot struct {
	sections []SnapshotSection

	// identity -> flat position across all sections
	itemPositions map[Identity]int
	// identity -> content key
	itemContentKeys map[Identity]ContentKey
	// section identity -> section position
	sectionPositions map[Identity]int

	flatItems []Item
}

type DuplicateIdentityError struct {
	Identity Identity
}

func (self *DuplicateIdentityError) Error() string {
	return fmt.Sprintf("Duplicate identity in one snapshot: %s", self.Identity)
}

// validates a submitted sequence into an immutable snapshot.
// Identities must be pairwise unique across the flattened sections and
// items. A duplicate is a caller programming error and aborts the entire
// submission rather than silently dropping one occurrence, since silent
// dropping is undetectable data loss.
// Pure validation; no state is committed on failure.
func Register(sections []SnapshotSection) (*Snapshot, error) {
	itemCount := 0
	for i := range sections {
		itemCount += len(sections[i].Items)
	}

	snapshot := &Snapshot{
		sections:         make([]SnapshotSection, len(sections)),
		itemPositions:    make(map[Identity]int, itemCount),
		itemContentKeys:  make(map[Identity]ContentKey, itemCount),
		sectionPositions: make(map[Identity]int, len(sections)),
		flatItems:        make([]Item, 0, itemCount),
	}

	seen := make(map[Identity]bool, itemCount+len(sections))
	for i, section := range sections {
		if seen[section.Id] {
			return nil, &DuplicateIdentityError{Identity: section.Id}
		}
		seen[section.Id] = true
		snapshot.sectionPositions[section.Id] = i

		items := make([]Item, len(section.Items))
		copy(items, section.Items)
		snapshot.sections[i] = SnapshotSection{
			Id:    section.Id,
			Items: items,
		}

		for _, item := range items {
			if seen[item.Id] {
				return nil, &DuplicateIdentityError{Identity: item.Id}
			}
			seen[item.Id] = true
			snapshot.itemPositions[item.Id] = len(snapshot.flatItems)
			snapshot.itemContentKeys[item.Id] = item.ContentKey
			snapshot.flatItems = append(snapshot.flatItems, item)
		}
	}

	return snapshot, nil
}

func RequireRegister(sections []SnapshotSection) *Snapshot {
	snapshot, err := Register(sections)
	if err != nil {
		panic(err)
	}
	return snapshot
}

func EmptySnapshot() *Snapshot {
	return RequireRegister([]SnapshotSection{})
}

func (self *Snapshot) SectionCount() int {
	return len(self.sections)
}

func (self *Snapshot) ItemCount() int {
	return len(self.flatItems)
}

// flat position across all sections
func (self *Snapshot) ItemPosition(identity Identity) (int, bool) {
	position, ok := self.itemPositions[identity]
	return position, ok
}

func (self *Snapshot) ItemAt(position int) (Item, bool) {
	if position < 0 || len(self.flatItems) <= position {
		return Item{}, false
	}
	return self.flatItems[position], true
}

func (self *Snapshot) ContentKey(identity Identity) (ContentKey, bool) {
	contentKey, ok := self.itemContentKeys[identity]
	return contentKey, ok
}

func (self *Snapshot) ContainsItem(identity Identity) bool {
	_, ok := self.itemPositions[identity]
	return ok
}

// identities in flat order. The returned slice is a copy.
func (self *Snapshot) FlatItems() []Item {
	flatItems := make([]Item, len(self.flatItems))
	copy(flatItems, self.flatItems)
	return flatItems
}

func (self *Snapshot) SectionIds() []Identity {
	sectionIds := make([]Identity, len(self.sections))
	for i := range self.sections {
		sectionIds[i] = self.sections[i].Id
	}
	return sectionIds
}

func (self *Snapshot) SectionPosition(identity Identity) (int, bool) {
	position, ok := self.sectionPositions[identity]
	return position, ok
}
