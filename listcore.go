package listcore

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

/*
Reconciles an ordered collection of data items onto a bounded set of reused
visual slots with properties:
- identities are stable across snapshots, independent of item content
- each data update produces a minimal edit script (insert, remove, move, reconfigure)
- slot allocation is bounded by the visible window plus a reuse buffer, not by item count
- per-item async content is deduplicated in flight and cancelled with the slot lifecycle
- a late content result is never applied to a slot that has moved on (cancel, clear, verify)
- one reconciliation is in flight at a time; queued submissions coalesce
*/

// Logging convention in the `listcore` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation
//     this includes:
//     - slot state misuse
//     - submissions rejected by validation
// Error:
//     unrecoverable crash details
// V(1):
//     key system events with ids that can be used to filter
// V(2):
//     frequent events - e.g. checkout, bind, fetch, evict -
//     summarized as statistics rather than logged per data point

// comparable
// stable across snapshots. Changing an item's displayed content must not
// change its identity, or the diff treats it as remove+insert instead of
// an update. Content changes are signaled with `ContentKey`.
type Identity [16]byte

func NewIdentity() Identity {
	return Identity(ulid.Make())
}

func IdentityFromBytes(identityBytes []byte) (Identity, error) {
	if len(identityBytes) != 16 {
		return Identity{}, errors.New("Identity must be 16 bytes")
	}
	return Identity(identityBytes), nil
}

func RequireIdentityFromBytes(identityBytes []byte) Identity {
	identity, err := IdentityFromBytes(identityBytes)
	if err != nil {
		panic(err)
	}
	return identity
}

func ParseIdentity(identityStr string) (Identity, error) {
	return parseUuid(identityStr)
}

func (self Identity) Bytes() []byte {
	return self[0:16]
}

func (self Identity) String() string {
	return encodeUuid(self)
}

func (self *Identity) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Identity) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// visual template tag. One recycling sub-pool exists per kind.
type Kind string

// caller-supplied key for an item's displayed content, orthogonal to
// identity. Two snapshots sharing an identity with different content keys
// signal a reconfigure; a changed content key also invalidates loaded
// content for the identity.
type ContentKey string

// use this type when counting bytes
type ByteCount = int64

func kib(c ByteCount) ByteCount {
	return c * ByteCount(1024)
}

func mib(c ByteCount) ByteCount {
	return c * ByteCount(1024*1024)
}

func gib(c ByteCount) ByteCount {
	return c * ByteCount(1024*1024*1024)
}

type Size struct {
	Width  float32
	Height float32
}

// render surface provider. Creates the platform visual object backing a
// slot of a kind. The core never touches the returned value.
type CreateVisualFunction = func(kind Kind) any

// render surface provider. Destroys a slot's visual when the slot leaves
// the pool.
type DestroyVisualFunction = func(slot *Slot)

// geometry provider. Returns the slot size for a kind and loaded content.
// Invoked during bind and reconfigure. `content` may be nil when no
// content has loaded yet.
type SizeFunction = func(kind Kind, content *Content) Size

// notification hook for a caller-supplied configure step that paints
// content onto the slot's visual
type BindFunction = func(slot *Slot, identity Identity)

type ReconfigureFunction = func(slot *Slot, identity Identity)

// note all caller callbacks are wrapped to check for nil and recover from errors
func safeCallback(callback func()) {
	if callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			// suppress. a misbehaving callback must not corrupt the apply actor
		}
	}()
	callback()
}
