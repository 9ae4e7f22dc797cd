package listcore

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// caller-supplied collaborators. The core decides what is displayed in
// which reused slot and when to fetch or cancel content for it; the
// delegate owns templates, geometry, visuals, and content fetching.
type ListDelegate interface {
	// the visual template tag for an item
	KindForItem(item Item) Kind
	// the fetch for an item's auxiliary content. nil means the item has no
	// async content.
	FetchForItem(item Item) FetchFunction
	// creates the platform visual backing a slot of a kind
	CreateVisual(kind Kind) any
	// destroys a slot's visual when the slot leaves the pool
	DestroyVisual(slot *Slot)
	// slot geometry for a kind and loaded content. `content` is nil when
	// nothing has loaded yet.
	SizeForSlot(kind Kind, content *Content) Size
}

func DefaultListManagerSettings() *ListManagerSettings {
	return &ListManagerSettings{
		PrefetchWindow:        8,
		CompletionBufferSize:  32,
		SlotPoolSettings:      DefaultSlotPoolSettings(),
		ContentLoaderSettings: DefaultContentLoaderSettings(),
	}
}

type ListManagerSettings struct {
	// items beyond each edge of the visible range whose content is
	// requested ahead of visibility, nearest first
	PrefetchWindow int
	// buffered content completions waiting for the apply actor
	CompletionBufferSize int

	SlotPoolSettings      *SlotPoolSettings
	ContentLoaderSettings *ContentLoaderSettings
}

// a completed content fetch waiting to be verified and painted by the
// apply actor
type contentCompletion struct {
	slot       *Slot
	identity   Identity
	generation uint64
	handle     *ContentHandle
}

// serializes all reconciliation for one list instance. One run goroutine
// (the apply actor) owns the slot table and the applied snapshot; callers
// only submit and read.
type ListManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	delegate ListDelegate
	settings *ListManagerSettings

	loader *ContentLoader
	pool   *SlotPool

	update      chan struct{}
	completions chan *contentCompletion

	stateLock sync.Mutex
	// the most recent pending snapshot. Intermediate submissions are
	// coalesced away; they were never observed.
	pendingSnapshot *Snapshot
	visibleLo       int
	visibleHi       int
	visibleDirty    bool
	applying        bool
	waitingContent  int
	idleMonitor     *Monitor
	stats           map[string]uint64

	// owned by the apply actor
	applied         *Snapshot
	boundSlots      map[Identity]*Slot
	prefetchHandles map[Identity]*ContentHandle

	bindCallbacks        *CallbackList[BindFunction]
	reconfigureCallbacks *CallbackList[ReconfigureFunction]
}

func NewListManagerWithDefaults(ctx context.Context, delegate ListDelegate) *ListManager {
	return NewListManager(ctx, delegate, DefaultListManagerSettings())
}

func NewListManager(ctx context.Context, delegate ListDelegate, settings *ListManagerSettings) *ListManager {
	cancelCtx, cancel := context.WithCancel(ctx)

	loader := NewContentLoader(cancelCtx, settings.ContentLoaderSettings)
	pool := NewSlotPool(
		loader,
		delegate.CreateVisual,
		delegate.DestroyVisual,
		delegate.SizeForSlot,
		settings.SlotPoolSettings,
	)

	manager := &ListManager{
		ctx:             cancelCtx,
		cancel:          cancel,
		delegate:        delegate,
		settings:        settings,
		loader:          loader,
		pool:            pool,
		update:          make(chan struct{}, 1),
		completions:     make(chan *contentCompletion, settings.CompletionBufferSize),
		idleMonitor:     NewMonitor(),
		applied:         EmptySnapshot(),
		boundSlots:      map[Identity]*Slot{},
		prefetchHandles: map[Identity]*ContentHandle{},
		stats: map[string]uint64{
			"submit":          0,
			"coalesce":        0,
			"apply":           0,
			"edit":            0,
			"content_applied": 0,
			"content_stale":   0,
			"content_error":   0,
		},
		bindCallbacks:        NewCallbackList[BindFunction](),
		reconfigureCallbacks: NewCallbackList[ReconfigureFunction](),
	}

	go manager.run()

	return manager
}

// validates and queues a new sequence. Fire and forget: the apply actor
// picks it up, coalescing over any not-yet-applied submission. A
// validation error aborts the submission entirely and the previously
// applied snapshot remains authoritative.
func (self *ListManager) Submit(sections []SnapshotSection) error {
	snapshot, err := Register(sections)
	if err != nil {
		glog.Infof("[list]submit rejected = %s\n", err)
		return err
	}

	self.stateLock.Lock()
	self.stats["submit"] += 1
	if self.pendingSnapshot != nil {
		self.stats["coalesce"] += 1
	}
	self.pendingSnapshot = snapshot
	self.stateLock.Unlock()

	self.signal()
	return nil
}

// viewport signal. `lo` inclusive, `hi` exclusive, in flat item positions.
// Drives checkout for newly visible identities, release for scrolled-out
// ones, and nearest-first prefetch around the range.
func (self *ListManager) SetVisibleRange(lo int, hi int) {
	self.stateLock.Lock()
	self.visibleLo = lo
	self.visibleHi = hi
	self.visibleDirty = true
	self.stateLock.Unlock()

	self.signal()
}

// caller-side prefetch ahead of binding. The handle shares any in-flight
// work for the identity.
func (self *ListManager) RequestContent(identity Identity) *ContentHandle {
	self.stateLock.Lock()
	snapshot := self.pendingSnapshot
	if snapshot == nil {
		snapshot = self.applied
	}
	self.stateLock.Unlock()

	position, ok := snapshot.ItemPosition(identity)
	if !ok {
		handle := newContentHandle(identity, "", nil)
		handle.resolve(nil, ErrNoContent)
		return handle
	}
	item, _ := snapshot.ItemAt(position)
	fetch := self.delegate.FetchForItem(item)
	if fetch == nil {
		handle := newContentHandle(identity, item.ContentKey, nil)
		handle.resolve(nil, ErrNoContent)
		return handle
	}
	return self.loader.Request(item.Id, item.ContentKey, fetch)
}

func (self *ListManager) AddBindCallback(bindCallback BindFunction) func() {
	callbackId := self.bindCallbacks.Add(bindCallback)
	return func() {
		self.bindCallbacks.Remove(callbackId)
	}
}

func (self *ListManager) AddReconfigureCallback(reconfigureCallback ReconfigureFunction) func() {
	callbackId := self.reconfigureCallbacks.Add(reconfigureCallback)
	return func() {
		self.reconfigureCallbacks.Remove(callbackId)
	}
}

// the applied snapshot as of the last completed reconciliation
func (self *ListManager) AppliedSnapshot() *Snapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.applied
}

// the slot currently bound to an identity, if any
func (self *ListManager) BoundSlot(identity Identity) (*Slot, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	slot, ok := self.boundSlots[identity]
	return slot, ok
}

func (self *ListManager) Loader() *ContentLoader {
	return self.loader
}

func (self *ListManager) Pool() *SlotPool {
	return self.pool
}

func (self *ListManager) Stats() map[string]uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Clone(self.stats)
}

// blocks until no submission, visible-range change, or content completion
// is outstanding, or the context is done
func (self *ListManager) WaitForIdle(ctx context.Context) bool {
	for {
		self.stateLock.Lock()
		idle := self.pendingSnapshot == nil &&
			!self.visibleDirty &&
			!self.applying &&
			self.waitingContent == 0
		notify := self.idleMonitor.NotifyChannel()
		self.stateLock.Unlock()

		if idle {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-self.ctx.Done():
			return false
		case <-notify:
		}
	}
}

func (self *ListManager) Close() {
	self.cancel()
	self.loader.Close()
}

func (self *ListManager) signal() {
	select {
	case self.update <- struct{}{}:
	default:
		// already signaled
	}
}

// the apply actor. All mutations of the slot table and the applied
// snapshot happen here.
func (self *ListManager) run() {
	defer self.cleanup()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.update:
			self.drainWork()
		case completion := <-self.completions:
			self.applyCompletion(completion)
		}
	}
}

func (self *ListManager) drainWork() {
	for {
		var pending *Snapshot
		visibleDirty := false

		self.stateLock.Lock()
		if self.pendingSnapshot != nil {
			pending = self.pendingSnapshot
			self.pendingSnapshot = nil
			self.applying = true
		} else if self.visibleDirty {
			self.visibleDirty = false
			visibleDirty = true
			self.applying = true
		}
		self.stateLock.Unlock()

		if pending == nil && !visibleDirty {
			return
		}

		if pending != nil {
			self.reconcile(pending)
		} else {
			self.syncVisible()
		}

		self.stateLock.Lock()
		self.applying = false
		self.stateLock.Unlock()
		self.idleMonitor.NotifyAll()
	}
}

// one diff-and-apply cycle. Operation order: removals, moves, insertions,
// reconfigures. Removals free slots through unbind/release; moves keep the
// slot bound to its identity with no content reload; insertions and the
// visible window resolve through syncVisible; reconfigures refresh content
// in place without discarding the slot.
func (self *ListManager) reconcile(next *Snapshot) {
	previous := self.applied
	script := Diff(previous, next)

	self.stateLock.Lock()
	self.stats["apply"] += 1
	self.stats["edit"] += uint64(script.Len())
	self.applied = next
	self.stateLock.Unlock()

	if script.Empty() {
		return
	}
	glog.V(1).Infof("[list]apply %d edits\n", script.Len())

	for _, edit := range script.ItemEdits {
		switch edit.Op {
		case EditOpRemove:
			self.unbindIdentity(edit.Identity)
		case EditOpMove:
			// the slot follows its identity. Geometry is the layout
			// collaborator's concern.
		case EditOpInsert:
			// realized by syncVisible if the position is visible
		case EditOpReconfigure:
			self.reconfigureIdentity(edit.Identity, next)
		}
	}

	self.syncVisible()
}

func (self *ListManager) unbindIdentity(identity Identity) {
	slot, ok := self.boundSlots[identity]
	if !ok {
		return
	}
	self.stateLock.Lock()
	delete(self.boundSlots, identity)
	self.stateLock.Unlock()
	self.pool.Unbind(slot)
	self.pool.Release(slot)
}

func (self *ListManager) reconfigureIdentity(identity Identity, next *Snapshot) {
	slot, ok := self.boundSlots[identity]
	if !ok {
		return
	}
	position, ok := next.ItemPosition(identity)
	if !ok {
		return
	}
	item, _ := next.ItemAt(position)

	content, _ := self.loader.CachedContentForKey(identity, item.ContentKey)
	self.pool.Reconfigure(slot, item.ContentKey, content)
	self.requestSlotContent(slot, item, content != nil)

	self.emitReconfigure(slot, identity)
}

func (self *ListManager) emitBind(slot *Slot, identity Identity) {
	for _, bindCallback := range self.bindCallbacks.Get() {
		callback := bindCallback
		safeCallback(func() {
			callback(slot, identity)
		})
	}
}

func (self *ListManager) emitReconfigure(slot *Slot, identity Identity) {
	for _, reconfigureCallback := range self.reconfigureCallbacks.Get() {
		callback := reconfigureCallback
		safeCallback(func() {
			callback(slot, identity)
		})
	}
}

// reconciles the slot table against the visible window of the applied
// snapshot, then prefetches around it nearest first
func (self *ListManager) syncVisible() {
	self.stateLock.Lock()
	lo := self.visibleLo
	hi := self.visibleHi
	applied := self.applied
	self.stateLock.Unlock()

	if lo < 0 {
		lo = 0
	}
	if itemCount := applied.ItemCount(); itemCount < hi {
		hi = itemCount
	}

	visible := map[Identity]Item{}
	order := []Identity{}
	for position := lo; position < hi; position += 1 {
		item, ok := applied.ItemAt(position)
		if !ok {
			continue
		}
		visible[item.Id] = item
		order = append(order, item.Id)
	}

	// release slots for identities no longer visible
	for identity, slot := range self.snapshotBoundSlots() {
		if _, ok := visible[identity]; !ok {
			self.stateLock.Lock()
			delete(self.boundSlots, identity)
			self.stateLock.Unlock()
			self.pool.Unbind(slot)
			self.pool.Release(slot)
		}
	}

	// bind newly visible identities
	for _, identity := range order {
		if _, ok := self.boundSlots[identity]; ok {
			continue
		}
		item := visible[identity]
		self.bindItem(item)
	}

	self.prefetchAround(applied, lo, hi)
}

func (self *ListManager) snapshotBoundSlots() map[Identity]*Slot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Clone(self.boundSlots)
}

func (self *ListManager) bindItem(item Item) {
	kind := self.delegate.KindForItem(item)
	slot := self.pool.Checkout(kind)

	content, _ := self.loader.CachedContentForKey(item.Id, item.ContentKey)
	if err := self.pool.Bind(slot, item.Id, item.ContentKey, content); err != nil {
		// pool misuse is already surfaced. Put the slot back.
		self.pool.Release(slot)
		return
	}

	self.stateLock.Lock()
	self.boundSlots[item.Id] = slot
	self.stateLock.Unlock()

	self.requestSlotContent(slot, item, content != nil)

	self.emitBind(slot, item.Id)
}

// issues the content request for a bound slot, capturing the binding
// generation for the completion-time verify. `hadCached` means the
// bind/reconfigure geometry pass already saw the cached content.
func (self *ListManager) requestSlotContent(slot *Slot, item Item, hadCached bool) {
	fetch := self.delegate.FetchForItem(item)
	if fetch == nil {
		return
	}

	handle := self.loader.Request(item.Id, item.ContentKey, fetch)
	if handle.Resolved() {
		// either a cache hit, or the fetch won the race with this check.
		// Paint now; no completion will arrive.
		if content, err := handle.Result(); err == nil && !hadCached {
			self.pool.Reconfigure(slot, handle.ContentKey(), content)
			self.stateLock.Lock()
			self.stats["content_applied"] += 1
			self.stateLock.Unlock()
			self.emitReconfigure(slot, item.Id)
		}
		return
	}
	self.pool.SetContentHandle(slot, handle)

	generation := slot.Generation()
	self.stateLock.Lock()
	self.waitingContent += 1
	self.stateLock.Unlock()

	go self.waitContent(&contentCompletion{
		slot:       slot,
		identity:   item.Id,
		generation: generation,
		handle:     handle,
	})
}

func (self *ListManager) waitContent(completion *contentCompletion) {
	select {
	case <-self.ctx.Done():
		self.finishWaitContent()
		return
	case <-completion.handle.Done():
	}

	select {
	case <-self.ctx.Done():
		self.finishWaitContent()
	case self.completions <- completion:
		// finishWaitContent runs after the actor applies it
	}
}

func (self *ListManager) finishWaitContent() {
	self.stateLock.Lock()
	self.waitingContent -= 1
	self.stateLock.Unlock()
	self.idleMonitor.NotifyAll()
}

// verify on the actor before painting. Cancellation may race with
// completion, so a passing verify is mandatory even when the request was
// never canceled.
func (self *ListManager) applyCompletion(completion *contentCompletion) {
	defer self.finishWaitContent()

	content, err := completion.handle.Result()
	if err == ErrContentCanceled {
		return
	}
	if err != nil {
		self.stateLock.Lock()
		self.stats["content_error"] += 1
		self.stateLock.Unlock()
		// the slot keeps its caller-defined placeholder
		return
	}

	if !self.pool.VerifyBinding(completion.slot, completion.identity, completion.generation) {
		self.stateLock.Lock()
		self.stats["content_stale"] += 1
		self.stateLock.Unlock()
		glog.V(2).Infof("[list]stale content %s\n", completion.identity)
		return
	}

	self.pool.Reconfigure(completion.slot, completion.handle.ContentKey(), content)
	self.stateLock.Lock()
	self.stats["content_applied"] += 1
	self.stateLock.Unlock()

	self.emitReconfigure(completion.slot, completion.identity)
}

// nearest-first content prefetch around the visible range
func (self *ListManager) prefetchAround(applied *Snapshot, lo int, hi int) {
	window := self.settings.PrefetchWindow

	desired := map[Identity]Item{}
	order := []Identity{}
	for d := 0; d < window; d += 1 {
		for _, position := range []int{hi + d, lo - 1 - d} {
			item, ok := applied.ItemAt(position)
			if !ok {
				continue
			}
			desired[item.Id] = item
			order = append(order, item.Id)
		}
	}

	for identity, handle := range self.prefetchHandles {
		if _, ok := desired[identity]; !ok {
			delete(self.prefetchHandles, identity)
			self.loader.Cancel(handle)
		}
	}

	for _, identity := range order {
		if _, ok := self.prefetchHandles[identity]; ok {
			continue
		}
		item := desired[identity]
		fetch := self.delegate.FetchForItem(item)
		if fetch == nil {
			continue
		}
		handle := self.loader.Request(item.Id, item.ContentKey, fetch)
		if handle.Resolved() {
			continue
		}
		self.prefetchHandles[identity] = handle
	}
}

// unbind everything so outstanding fetches are canceled on close
func (self *ListManager) cleanup() {
	for identity, slot := range self.snapshotBoundSlots() {
		self.stateLock.Lock()
		delete(self.boundSlots, identity)
		self.stateLock.Unlock()
		self.pool.Unbind(slot)
		self.pool.Release(slot)
	}
	for identity, handle := range self.prefetchHandles {
		delete(self.prefetchHandles, identity)
		self.loader.Cancel(handle)
	}
	self.idleMonitor.NotifyAll()
}
