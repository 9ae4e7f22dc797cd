package listcore

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestRegister(t *testing.T) {
	sectionId := NewIdentity()
	a := NewIdentity()
	b := NewIdentity()
	c := NewIdentity()

	snapshot, err := Register([]SnapshotSection{
		{
			Id: sectionId,
			Items: []Item{
				{Id: a, ContentKey: "a1"},
				{Id: b, ContentKey: "b1"},
				{Id: c, ContentKey: "c1"},
			},
		},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, snapshot.SectionCount())
	assert.Equal(t, 3, snapshot.ItemCount())

	position, ok := snapshot.ItemPosition(b)
	assert.Equal(t, true, ok)
	assert.Equal(t, 1, position)

	contentKey, ok := snapshot.ContentKey(c)
	assert.Equal(t, true, ok)
	assert.Equal(t, ContentKey("c1"), contentKey)

	_, ok = snapshot.ItemPosition(NewIdentity())
	assert.Equal(t, false, ok)

	sectionPosition, ok := snapshot.SectionPosition(sectionId)
	assert.Equal(t, true, ok)
	assert.Equal(t, 0, sectionPosition)
}

func TestRegisterDuplicateItem(t *testing.T) {
	a := NewIdentity()

	snapshot, err := Register([]SnapshotSection{
		{
			Id: NewIdentity(),
			Items: []Item{
				{Id: a},
				{Id: NewIdentity()},
				{Id: a},
			},
		},
	})
	assert.Equal(t, snapshot, nil)
	duplicateError, ok := err.(*DuplicateIdentityError)
	assert.Equal(t, true, ok)
	assert.Equal(t, a, duplicateError.Identity)
}

func TestRegisterDuplicateAcrossSections(t *testing.T) {
	a := NewIdentity()

	// same identity in two sections
	snapshot, err := Register([]SnapshotSection{
		{
			Id:    NewIdentity(),
			Items: []Item{{Id: a}},
		},
		{
			Id:    NewIdentity(),
			Items: []Item{{Id: a}},
		},
	})
	assert.Equal(t, snapshot, nil)
	assert.NotEqual(t, err, nil)

	// section identity colliding with an item identity
	snapshot, err = Register([]SnapshotSection{
		{
			Id:    NewIdentity(),
			Items: []Item{{Id: a}},
		},
		{
			Id: a,
		},
	})
	assert.Equal(t, snapshot, nil)
	assert.NotEqual(t, err, nil)

	// duplicate section identities
	sectionId := NewIdentity()
	snapshot, err = Register([]SnapshotSection{
		{Id: sectionId},
		{Id: sectionId},
	})
	assert.Equal(t, snapshot, nil)
	assert.NotEqual(t, err, nil)
}

func TestSnapshotImmutable(t *testing.T) {
	a := NewIdentity()
	items := []Item{
		{Id: a, ContentKey: "a1"},
	}
	snapshot := RequireRegister([]SnapshotSection{
		{
			Id:    NewIdentity(),
			Items: items,
		},
	})

	// mutating the caller's slice does not affect the snapshot
	items[0].ContentKey = "a2"
	contentKey, _ := snapshot.ContentKey(a)
	assert.Equal(t, ContentKey("a1"), contentKey)

	// mutating the returned copy does not affect the snapshot
	flatItems := snapshot.FlatItems()
	flatItems[0].ContentKey = "a3"
	contentKey, _ = snapshot.ContentKey(a)
	assert.Equal(t, ContentKey("a1"), contentKey)
}

func TestIdentityEncoding(t *testing.T) {
	identity := NewIdentity()

	parsed, err := ParseIdentity(identity.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, identity, parsed)

	fromBytes, err := IdentityFromBytes(identity.Bytes())
	assert.Equal(t, err, nil)
	assert.Equal(t, identity, fromBytes)

	_, err = IdentityFromBytes([]byte{0x01, 0x02})
	assert.NotEqual(t, err, nil)
}
