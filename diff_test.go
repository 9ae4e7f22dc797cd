package listcore

import (
	"fmt"
	mathrand "math/rand"
	"testing"

	"github.com/go-playground/assert/v2"
)

// executes an edit script sequentially against an index-addressed model,
// asserting each op's identity matches the model at its index
func applyEdits(t *testing.T, previousItems []Item, edits []Edit, next *Snapshot) []Item {
	model := append([]Item{}, previousItems...)
	for _, edit := range edits {
		switch edit.Op {
		case EditOpRemove:
			assert.Equal(t, edit.Identity, model[edit.FromIndex].Id)
			model = append(model[:edit.FromIndex], model[edit.FromIndex+1:]...)
		case EditOpMove:
			assert.Equal(t, edit.Identity, model[edit.FromIndex].Id)
			item := model[edit.FromIndex]
			model = append(model[:edit.FromIndex], model[edit.FromIndex+1:]...)
			model = append(model[:edit.ToIndex], append([]Item{item}, model[edit.ToIndex:]...)...)
		case EditOpInsert:
			contentKey, _ := next.ContentKey(edit.Identity)
			item := Item{Id: edit.Identity, ContentKey: contentKey}
			model = append(model[:edit.ToIndex], append([]Item{item}, model[edit.ToIndex:]...)...)
		case EditOpReconfigure:
			assert.Equal(t, edit.Identity, model[edit.ToIndex].Id)
			contentKey, _ := next.ContentKey(edit.Identity)
			model[edit.ToIndex].ContentKey = contentKey
		}
	}
	return model
}

func singleSection(sectionId Identity, items []Item) []SnapshotSection {
	return []SnapshotSection{
		{
			Id:    sectionId,
			Items: items,
		},
	}
}

func TestDiffRemoveInsert(t *testing.T) {
	sectionId := NewIdentity()
	a := NewIdentity()
	b := NewIdentity()
	c := NewIdentity()
	d := NewIdentity()

	// previous = [A,B,C], next = [B,C,D] -> {remove(A), insert(D, 2)}
	previous := RequireRegister(singleSection(sectionId, []Item{
		{Id: a}, {Id: b}, {Id: c},
	}))
	next := RequireRegister(singleSection(sectionId, []Item{
		{Id: b}, {Id: c}, {Id: d},
	}))

	script := Diff(previous, next)
	assert.Equal(t, 0, len(script.SectionEdits))
	assert.Equal(t, 2, len(script.ItemEdits))
	assert.Equal(t, Edit{Op: EditOpRemove, Identity: a, FromIndex: 0}, script.ItemEdits[0])
	assert.Equal(t, Edit{Op: EditOpInsert, Identity: d, ToIndex: 2}, script.ItemEdits[1])

	model := applyEdits(t, previous.FlatItems(), script.ItemEdits, next)
	assert.Equal(t, next.FlatItems(), model)
}

func TestDiffReconfigure(t *testing.T) {
	sectionId := NewIdentity()
	a := NewIdentity()
	b := NewIdentity()
	c := NewIdentity()
	d := NewIdentity()

	// B's payload differs between snapshots
	previous := RequireRegister(singleSection(sectionId, []Item{
		{Id: a}, {Id: b, ContentKey: "b1"}, {Id: c},
	}))
	next := RequireRegister(singleSection(sectionId, []Item{
		{Id: b, ContentKey: "b2"}, {Id: c}, {Id: d},
	}))

	script := Diff(previous, next)
	assert.Equal(t, 3, len(script.ItemEdits))
	assert.Equal(t, EditOpRemove, script.ItemEdits[0].Op)
	assert.Equal(t, EditOpInsert, script.ItemEdits[1].Op)
	assert.Equal(t, Edit{Op: EditOpReconfigure, Identity: b, ToIndex: 0}, script.ItemEdits[2])

	model := applyEdits(t, previous.FlatItems(), script.ItemEdits, next)
	assert.Equal(t, next.FlatItems(), model)
}

func TestDiffEdgeCases(t *testing.T) {
	sectionId := NewIdentity()
	a := NewIdentity()
	b := NewIdentity()

	empty := RequireRegister(singleSection(sectionId, []Item{}))
	full := RequireRegister(singleSection(sectionId, []Item{{Id: a}, {Id: b}}))

	// empty previous: all inserts
	script := Diff(empty, full)
	assert.Equal(t, 2, len(script.ItemEdits))
	assert.Equal(t, Edit{Op: EditOpInsert, Identity: a, ToIndex: 0}, script.ItemEdits[0])
	assert.Equal(t, Edit{Op: EditOpInsert, Identity: b, ToIndex: 1}, script.ItemEdits[1])

	// empty next: all removes, descending original index
	script = Diff(full, empty)
	assert.Equal(t, 2, len(script.ItemEdits))
	assert.Equal(t, Edit{Op: EditOpRemove, Identity: b, FromIndex: 1}, script.ItemEdits[0])
	assert.Equal(t, Edit{Op: EditOpRemove, Identity: a, FromIndex: 0}, script.ItemEdits[1])

	// identical: empty script, still a successful outcome
	script = Diff(full, full)
	assert.Equal(t, true, script.Empty())
}

func TestDiffMoves(t *testing.T) {
	sectionId := NewIdentity()
	a := NewIdentity()
	b := NewIdentity()
	c := NewIdentity()

	previous := RequireRegister(singleSection(sectionId, []Item{
		{Id: a}, {Id: b}, {Id: c},
	}))
	next := RequireRegister(singleSection(sectionId, []Item{
		{Id: c}, {Id: a}, {Id: b},
	}))

	script := Diff(previous, next)
	for _, edit := range script.ItemEdits {
		assert.Equal(t, EditOpMove, edit.Op)
	}
	model := applyEdits(t, previous.FlatItems(), script.ItemEdits, next)
	assert.Equal(t, next.FlatItems(), model)
}

func TestDiffSections(t *testing.T) {
	s1 := NewIdentity()
	s2 := NewIdentity()
	s3 := NewIdentity()
	a := NewIdentity()
	b := NewIdentity()

	previous := RequireRegister([]SnapshotSection{
		{Id: s1, Items: []Item{{Id: a}}},
		{Id: s2, Items: []Item{{Id: b}}},
	})
	next := RequireRegister([]SnapshotSection{
		{Id: s2, Items: []Item{{Id: b}}},
		{Id: s1, Items: []Item{{Id: a}}},
		{Id: s3},
	})

	script := Diff(previous, next)
	assert.Equal(t, 2, len(script.SectionEdits))
	assert.Equal(t, Edit{Op: EditOpMove, Identity: s2, FromIndex: 1, ToIndex: 0}, script.SectionEdits[0])
	assert.Equal(t, Edit{Op: EditOpInsert, Identity: s3, ToIndex: 2}, script.SectionEdits[1])

	// the flat item order follows the section order
	model := applyEdits(t, previous.FlatItems(), script.ItemEdits, next)
	assert.Equal(t, next.FlatItems(), model)
}

// round-trip property: applying diff(A, B) to a model initialized from A
// yields B
func TestDiffRoundTrip(t *testing.T) {
	random := mathrand.New(mathrand.NewSource(1))

	universe := make([]Identity, 64)
	for i := range universe {
		universe[i] = NewIdentity()
	}

	randomItems := func(version int) []Item {
		ids := append([]Identity{}, universe...)
		random.Shuffle(len(ids), func(i, j int) {
			ids[i], ids[j] = ids[j], ids[i]
		})
		n := random.Intn(len(ids) + 1)
		items := make([]Item, 0, n)
		for _, identity := range ids[:n] {
			contentKey := ContentKey("")
			if random.Intn(2) == 0 {
				contentKey = ContentKey(fmt.Sprintf("v%d", version))
			}
			items = append(items, Item{Id: identity, ContentKey: contentKey})
		}
		return items
	}

	sectionId := NewIdentity()
	for trial := 0; trial < 200; trial += 1 {
		previous := RequireRegister(singleSection(sectionId, randomItems(0)))
		next := RequireRegister(singleSection(sectionId, randomItems(trial+1)))

		script := Diff(previous, next)
		model := applyEdits(t, previous.FlatItems(), script.ItemEdits, next)
		assert.Equal(t, next.FlatItems(), model)

		// content keys converge too
		for i, item := range model {
			nextItem, _ := next.ItemAt(i)
			assert.Equal(t, nextItem.ContentKey, item.ContentKey)
		}
	}
}
