package listcore

import (
	"fmt"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// slot state machine is:
// SlotStateIdle
//
//	-> (checkout) -> SlotStateAvailable
//	  -> (bind) -> SlotStateBound
//	    -> (unbind) -> SlotStateAvailable
//	      -> (release) -> SlotStateIdle
//
// no transition skips unbind before returning to idle
type SlotState string

const (
	SlotStateIdle      SlotState = "Idle"
	SlotStateAvailable SlotState = "Available"
	SlotStateBound     SlotState = "Bound"
)

func (self SlotState) IsBound() bool {
	return self == SlotStateBound
}

func (self SlotState) IsIdle() bool {
	return self == SlotStateIdle
}

// a reusable visual container of one kind. Bound to at most one identity
// at a time. All state is mutated through the pool.
type Slot struct {
	slotId Identity
	kind   Kind
	visual any

	// mutated only while holding the pool state lock
	state           SlotState
	boundIdentity   Identity
	boundContentKey ContentKey
	size            Size
	contentHandle   *ContentHandle
	// bumped on every bind and unbind. A content result is only applied
	// when the generation captured at request time still matches.
	generation uint64
}

func (self *Slot) SlotId() Identity {
	return self.slotId
}

func (self *Slot) Kind() Kind {
	return self.kind
}

func (self *Slot) Visual() any {
	return self.visual
}

func (self *Slot) State() SlotState {
	return self.state
}

func (self *Slot) BoundIdentity() (Identity, bool) {
	if self.state != SlotStateBound {
		return Identity{}, false
	}
	return self.boundIdentity, true
}

func (self *Slot) BoundContentKey() (ContentKey, bool) {
	if self.state != SlotStateBound {
		return "", false
	}
	return self.boundContentKey, true
}

func (self *Slot) Size() Size {
	return self.size
}

func (self *Slot) ContentHandle() *ContentHandle {
	return self.contentHandle
}

func (self *Slot) Generation() uint64 {
	return self.generation
}

// a caller programming error against the slot state machine
type SlotStateError struct {
	Op    string
	Slot  *Slot
	State SlotState
}

func (self *SlotStateError) Error() string {
	return fmt.Sprintf("Slot %s: %s is not valid in state %s", self.Slot.slotId, self.Op, self.State)
}

func DefaultSlotPoolSettings() *SlotPoolSettings {
	return &SlotPoolSettings{
		MaxIdleSlotsPerKind: 16,
		PanicOnMisuse:       false,
	}
}

type SlotPoolSettings struct {
	// idle slots kept per kind beyond which visuals are destroyed
	MaxIdleSlotsPerKind int
	// fail fast on state machine misuse instead of returning a typed error
	PanicOnMisuse bool
}

// owns the reusable slots, one idle sub-pool per kind. Allocation is
// bounded by the maximum number of simultaneously checked-out slots plus
// the idle buffer, not by the item count.
type SlotPool struct {
	settings *SlotPoolSettings

	createVisual  CreateVisualFunction
	destroyVisual DestroyVisualFunction
	sizeForKind   SizeFunction

	loader *ContentLoader

	stateLock sync.Mutex
	idleSlots map[Kind][]*Slot
	// all slots ever created and not destroyed, by slot id
	slots map[Identity]*Slot

	stats map[string]uint64
}

func NewSlotPoolWithDefaults(
	loader *ContentLoader,
	createVisual CreateVisualFunction,
	destroyVisual DestroyVisualFunction,
	sizeForKind SizeFunction,
) *SlotPool {
	return NewSlotPool(loader, createVisual, destroyVisual, sizeForKind, DefaultSlotPoolSettings())
}

func NewSlotPool(
	loader *ContentLoader,
	createVisual CreateVisualFunction,
	destroyVisual DestroyVisualFunction,
	sizeForKind SizeFunction,
	settings *SlotPoolSettings,
) *SlotPool {
	return &SlotPool{
		settings:      settings,
		createVisual:  createVisual,
		destroyVisual: destroyVisual,
		sizeForKind:   sizeForKind,
		loader:        loader,
		idleSlots:     map[Kind][]*Slot{},
		slots:         map[Identity]*Slot{},
		stats: map[string]uint64{
			"checkout": 0,
			"create":   0,
			"bind":     0,
			"unbind":   0,
			"release":  0,
			"destroy":  0,
			"misuse":   0,
		},
	}
}

func (self *SlotPool) misuse(op string, slot *Slot) error {
	stateError := &SlotStateError{
		Op:    op,
		Slot:  slot,
		State: slot.state,
	}
	self.stats["misuse"] += 1
	glog.Infof("[pool]%s\n", stateError)
	if self.settings.PanicOnMisuse {
		panic(stateError)
	}
	return stateError
}

// returns an idle slot of the kind if one exists, else constructs one
func (self *SlotPool) Checkout(kind Kind) *Slot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.stats["checkout"] += 1

	idle := self.idleSlots[kind]
	if n := len(idle); 0 < n {
		slot := idle[n-1]
		idle[n-1] = nil
		self.idleSlots[kind] = idle[:n-1]
		slot.state = SlotStateAvailable
		return slot
	}

	self.stats["create"] += 1
	slot := &Slot{
		slotId: NewIdentity(),
		kind:   kind,
		state:  SlotStateAvailable,
	}
	if self.createVisual != nil {
		slot.visual = self.createVisual(kind)
	}
	self.slots[slot.slotId] = slot
	glog.V(2).Infof("[pool]create %s kind=%s\n", slot.slotId, kind)
	return slot
}

// binds an available slot to an identity. `content` is the already-loaded
// content if any, used for the geometry callback; nil means not loaded
// yet.
func (self *SlotPool) Bind(slot *Slot, identity Identity, contentKey ContentKey, content *Content) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if slot.state != SlotStateAvailable {
		return self.misuse("bind", slot)
	}

	slot.state = SlotStateBound
	slot.boundIdentity = identity
	slot.boundContentKey = contentKey
	slot.generation += 1
	if self.sizeForKind != nil {
		slot.size = self.sizeForKind(slot.kind, content)
	}
	self.stats["bind"] += 1
	return nil
}

// content-only refresh of an already-bound slot. Explicitly does not pass
// through unbind/checkout, so an in-flight content request for an
// unchanged content key and transient slot-local state survive.
func (self *SlotPool) Reconfigure(slot *Slot, contentKey ContentKey, content *Content) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if slot.state != SlotStateBound {
		return self.misuse("reconfigure", slot)
	}

	slot.boundContentKey = contentKey
	if self.sizeForKind != nil {
		slot.size = self.sizeForKind(slot.kind, content)
	}
	return nil
}

// detaches the slot from its identity. Any outstanding content request is
// canceled synchronously before the slot can be checked out again, so a
// recycled slot can never receive content meant for the identity it
// previously displayed.
func (self *SlotPool) Unbind(slot *Slot) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if slot.state != SlotStateBound {
		return self.misuse("unbind", slot)
	}

	if handle := slot.contentHandle; handle != nil {
		slot.contentHandle = nil
		self.loader.Cancel(handle)
	}
	slot.boundIdentity = Identity{}
	slot.boundContentKey = ""
	slot.generation += 1
	slot.state = SlotStateAvailable
	self.stats["unbind"] += 1
	return nil
}

// returns an unbound slot to the idle sub-pool for its kind
func (self *SlotPool) Release(slot *Slot) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if slot.state != SlotStateAvailable {
		return self.misuse("release", slot)
	}

	self.stats["release"] += 1
	idle := self.idleSlots[slot.kind]
	if self.settings.MaxIdleSlotsPerKind <= len(idle) {
		delete(self.slots, slot.slotId)
		self.stats["destroy"] += 1
		if self.destroyVisual != nil {
			self.destroyVisual(slot)
		}
		slot.visual = nil
		glog.V(2).Infof("[pool]destroy %s kind=%s\n", slot.slotId, slot.kind)
		return nil
	}
	slot.state = SlotStateIdle
	self.idleSlots[slot.kind] = append(idle, slot)
	return nil
}

// attaches the in-flight content request for the slot's current binding
func (self *SlotPool) SetContentHandle(slot *Slot, handle *ContentHandle) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if slot.state != SlotStateBound {
		return self.misuse("set content handle", slot)
	}
	if existingHandle := slot.contentHandle; existingHandle != nil && existingHandle != handle {
		self.loader.Cancel(existingHandle)
	}
	slot.contentHandle = handle
	return nil
}

// true when the slot is still in the binding captured by `generation` and
// still bound to `identity`. The mandatory completion-time check before a
// content result may be painted.
func (self *SlotPool) VerifyBinding(slot *Slot, identity Identity, generation uint64) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return slot.state == SlotStateBound &&
		slot.boundIdentity == identity &&
		slot.generation == generation
}

func (self *SlotPool) IdleCount(kind Kind) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.idleSlots[kind])
}

func (self *SlotPool) SlotCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.slots)
}

func (self *SlotPool) Stats() map[string]uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Clone(self.stats)
}
